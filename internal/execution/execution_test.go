package execution

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestWalletSignVerifies(t *testing.T) {
	key := testKey(t)
	w := NewWalletFromKey(zap.NewNop(), key, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	msg := []byte("pinned blockhash and swap payload")
	sig, err := w.Sign(ctx, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !ed25519.Verify(key.Public().(ed25519.PublicKey), msg, sig) {
		t.Error("signature does not verify")
	}
}

func TestWalletPublicKeyMatches(t *testing.T) {
	key := testKey(t)
	w := NewWalletFromKey(zap.NewNop(), key, nil)

	pub := key.Public().(ed25519.PublicKey)
	addr := w.PublicKey()
	for i := range pub {
		if addr[i] != pub[i] {
			t.Fatal("public key mismatch")
		}
	}
}

func TestParseKeypairFormats(t *testing.T) {
	key := testKey(t)

	jsonForm, _ := json.Marshal([]byte(key))
	parsed, err := parseKeypair(jsonForm)
	if err != nil {
		t.Fatalf("json form: %v", err)
	}
	if !parsed.Equal(key) {
		t.Error("json keypair mismatch")
	}

	if _, err := parseKeypair([]byte("not a key")); err == nil {
		t.Error("garbage must be rejected")
	}
}

func newRPCServer(t *testing.T, price string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var result any
		switch req.Method {
		case "indexGetPrice":
			result = map[string]string{"price": price}
		case "getSlot":
			result = uint64(1)
		default:
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(result)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": json.RawMessage(raw)})
	}))
}

func TestSimulatedBuySynthesizesFill(t *testing.T) {
	srv := newRPCServer(t, "0.5")
	defer srv.Close()

	client, err := rpcpool.NewClient(zap.NewNop(), types.RPCConfig{
		Endpoints:   []types.RPCEndpointConfig{{URL: srv.URL}},
		CallTimeout: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	w := NewWalletFromKey(zap.NewNop(), testKey(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	b := NewBundler(zap.NewNop(), client, w, true, nil)

	var mint types.MintAddress
	mint[0] = 1

	fill, err := b.Buy(ctx, mint, decimal.NewFromInt(1), decimal.NewFromFloat(0.02), false)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !fill.Price.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("price = %s, want 0.5", fill.Price)
	}
	// 1 base unit at 0.5 buys 2 tokens.
	if !fill.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("quantity = %s, want 2", fill.Quantity)
	}

	sellFill, err := b.Sell(ctx, mint, fill.Quantity, decimal.NewFromFloat(0.03), true)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !sellFill.Quantity.Equal(fill.Quantity) {
		t.Errorf("sell quantity = %s, want %s", sellFill.Quantity, fill.Quantity)
	}
}

func TestBuildSwapMessageLayout(t *testing.T) {
	w := NewWalletFromKey(zap.NewNop(), testKey(t), nil)
	b := NewBundler(zap.NewNop(), nil, w, true, nil)

	var mint types.MintAddress
	mint[0] = 7

	bh := rpcpool.Blockhash{Hash: "11111111111111111111111111111111", Slot: 5}
	msg := b.buildSwapMessage(mint, types.ActionBuy, decimal.NewFromInt(1), decimal.NewFromFloat(0.02), false, bh)

	// tag + payer + mint + amount + slippage + fee + blockhash
	want := 1 + 32 + 32 + 8 + 2 + 8 + 32
	if len(msg) != want {
		t.Errorf("message length = %d, want %d", len(msg), want)
	}
	if msg[0] != 0 {
		t.Errorf("buy tag = %d, want 0", msg[0])
	}

	sellMsg := b.buildSwapMessage(mint, types.ActionSell, decimal.NewFromInt(1), decimal.NewFromFloat(0.02), true, bh)
	if sellMsg[0] != 1 {
		t.Errorf("sell tag = %d, want 1", sellMsg[0])
	}
}
