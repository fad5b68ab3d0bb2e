package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// rpcHandler builds a JSON-RPC test endpoint.
func rpcHandler(fn func(method string, w http.ResponseWriter)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fn(req.Method, w)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": json.RawMessage(raw)})
}

func newTestClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	cfg := types.RPCConfig{
		CallTimeout:            2 * time.Second,
		HealthCheckInterval:    time.Hour, // tests drive traffic themselves
		MaxConsecutiveFailures: 3,
		BlockhashTTL:           100 * time.Millisecond,
		SubscribeRetries:       3,
	}
	for _, u := range urls {
		cfg.Endpoints = append(cfg.Endpoints, types.RPCEndpointConfig{URL: u})
	}
	c, err := NewClient(zap.NewNop(), cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCallFailsOverToHealthyEndpoint(t *testing.T) {
	var badCalls, goodCalls atomic.Int64

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(rpcHandler(func(method string, w http.ResponseWriter) {
		goodCalls.Add(1)
		writeResult(w, uint64(1234))
	}))
	defer good.Close()

	c := newTestClient(t, bad.URL, good.URL)

	slot, err := c.GetSlot(context.Background())
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if slot != 1234 {
		t.Errorf("slot = %d, want 1234", slot)
	}
	if badCalls.Load() == 0 || goodCalls.Load() == 0 {
		t.Errorf("expected both endpoints tried, got bad=%d good=%d", badCalls.Load(), goodCalls.Load())
	}
}

func TestCallReturnsExhaustedWithinDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	start := time.Now()
	_, err := c.Call(context.Background(), "getSlot", nil)
	elapsed := time.Since(start)

	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(ee.Attempts) == 0 {
		t.Error("expected per-endpoint errors retained")
	}
	if elapsed > 3*time.Second {
		t.Errorf("call took %s, want bounded by the per-call deadline", elapsed)
	}
}

func TestDefinitiveErrorNotRetried(t *testing.T) {
	var secondCalls atomic.Int64

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32003, "message": "signature verification failure"},
		})
	}))
	defer first.Close()

	second := httptest.NewServer(rpcHandler(func(method string, w http.ResponseWriter) {
		secondCalls.Add(1)
		writeResult(w, uint64(1))
	}))
	defer second.Close()

	c := newTestClient(t, first.URL, second.URL)

	_, err := c.Call(context.Background(), "sendTransaction", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindDefinitiveTransport {
		t.Errorf("kind = %s, want definitive", KindOf(err))
	}
	if secondCalls.Load() != 0 {
		t.Errorf("definitive failure was retried on second endpoint")
	}
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, _ = c.Call(context.Background(), "getSlot", nil)
	}

	h := c.ProviderHealth()[0]
	if h.Status != types.ProviderUnhealthy {
		t.Errorf("status = %s, want unhealthy after 3 consecutive failures", h.Status)
	}
	if h.ConsecutiveFailures < 3 {
		t.Errorf("consecutive failures = %d, want >= 3", h.ConsecutiveFailures)
	}
}

func TestScoreBands(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	ep := c.endpoints[0]

	c.recordSuccess(ep, 50*time.Millisecond)
	h := ep.Health()
	if h.Status != types.ProviderHealthy {
		t.Errorf("status = %s, want healthy (score %.3f)", h.Status, h.Score)
	}

	for i := 0; i < 2; i++ {
		c.recordFailure(ep)
	}
	h = ep.Health()
	if h.ConsecutiveFailures != 2 {
		t.Errorf("consecutive = %d, want 2", h.ConsecutiveFailures)
	}

	c.recordFailure(ep)
	h = ep.Health()
	if h.Status != types.ProviderUnhealthy {
		t.Errorf("status = %s, want unhealthy at 3 failures", h.Status)
	}
}

func TestBlockhashCacheWithinTTL(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(rpcHandler(func(method string, w http.ResponseWriter) {
		if method != "getLatestBlockhash" {
			http.Error(w, "unexpected", http.StatusBadRequest)
			return
		}
		fetches.Add(1)
		writeResult(w, map[string]any{
			"context": map[string]any{"slot": 77},
			"value":   map[string]any{"blockhash": "4uQeVj5tqViQh7yWWGStvkEG1Zmhx6uasJtWCJziofM", "lastValidBlockHeight": 100},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	first, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockhash: %v", err)
	}
	second, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockhash: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1 (second read served from cache)", fetches.Load())
	}
	if first != second {
		t.Errorf("cached value differs: %+v vs %+v", first, second)
	}

	time.Sleep(120 * time.Millisecond) // past the TTL
	if _, err := c.LatestBlockhash(context.Background()); err != nil {
		t.Fatalf("LatestBlockhash after TTL: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2 after TTL expiry", fetches.Load())
	}
}

func TestStaleStateClassification(t *testing.T) {
	if classifyRPC(-32002, "Blockhash not found") != KindStaleState {
		t.Error("blockhash expiry should classify as stale state")
	}
	if classifyRPC(-32005, "node is behind") != KindTransientTransport {
		t.Error("node-behind should classify as transient")
	}
	if classifyRPC(-32003, "signature verification failure") != KindDefinitiveTransport {
		t.Error("signature rejection should classify as definitive")
	}
}

func TestRankedPrefersHealthy(t *testing.T) {
	c := newTestClient(t, "http://a.invalid", "http://b.invalid")

	// Degrade a, boost b.
	for i := 0; i < 3; i++ {
		c.recordFailure(c.endpoints[0])
	}
	c.recordSuccess(c.endpoints[1], 20*time.Millisecond)

	ranked := c.ranked()
	if ranked[0].url != "http://b.invalid" {
		t.Errorf("best endpoint = %s, want the healthy one", ranked[0].url)
	}
}
