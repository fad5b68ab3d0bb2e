package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/events"
	"github.com/kestrel-hq/kestrel/internal/override"
	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

type stubTrader struct{}

func (stubTrader) Buy(ctx context.Context, mint types.MintAddress, sizeBase, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return &position.Fill{Price: decimal.NewFromInt(1), Quantity: sizeBase, At: time.Now()}, nil
}
func (stubTrader) Sell(ctx context.Context, mint types.MintAddress, quantity, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return &position.Fill{Price: decimal.NewFromInt(1), Quantity: quantity, At: time.Now()}, nil
}
func (stubTrader) Probe(ctx context.Context, mint types.MintAddress) (*position.Fill, bool, error) {
	return nil, false, nil
}
func (stubTrader) Price(ctx context.Context, mint types.MintAddress) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func setupTestServer(t *testing.T) (*Server, *httptest.Server, *override.Console) {
	t.Helper()
	logger := zap.NewNop()

	client, err := rpcpool.NewClient(logger, types.RPCConfig{
		Endpoints: []types.RPCEndpointConfig{{URL: "http://unused.invalid"}},
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	capital := position.NewCapitalPool(decimal.NewFromInt(10))
	manager := position.NewManager(logger, types.PositionConfig{
		StopLossPct:      decimal.NewFromFloat(0.15),
		TrailingPct:      decimal.NewFromFloat(0.10),
		TakeProfitPct:    decimal.NewFromFloat(0.50),
		MaxHold:          time.Hour,
		MonitorInterval:  10 * time.Millisecond,
		FallbackInterval: 50 * time.Millisecond,
		MaxExitRetries:   3,
		SellSlippagePct:  decimal.NewFromFloat(0.03),
		SlippageCapPct:   decimal.NewFromFloat(0.5),
		FillDeadline:     time.Second,
	}, stubTrader{}, capital, position.NewBlacklist(), nil, nil)

	registry := strategy.NewRegistry(logger)
	console := override.NewConsole(logger, registry, manager, nil, decimal.NewFromInt(1), nil)
	manager.SetAdminState(console)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx, nil)
	go console.Run(ctx)

	bus := events.NewBus(logger)
	hub := NewHub(logger, bus, 10)
	go hub.Run(ctx)

	stats := strategy.NewStatsBook()
	srv := NewServer(logger, types.ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
	}, console, manager, client, stats, hub, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		manager.Wait()
	})
	return srv, ts, console
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusSnapshot(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "running" {
		t.Errorf("state = %q, want running", body.State)
	}
	if body.CapitalFree != "10" {
		t.Errorf("capital = %q, want 10", body.CapitalFree)
	}
}

func TestOverrideEndpoints(t *testing.T) {
	_, ts, console := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/override/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("pause status = %d, want 204", resp.StatusCode)
	}
	if !console.Paused() {
		t.Error("pause flag not set")
	}

	resp, err = http.Post(ts.URL+"/api/v1/override/bogus", "application/json", nil)
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bogus override status = %d, want 404", resp.StatusCode)
	}
}

func TestTradeBuyValidation(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	body := bytes.NewBufferString(`{"mint":"tooshort"}`)
	resp, err := http.Post(ts.URL+"/api/v1/trade/buy", "application/json", body)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an invalid mint", resp.StatusCode)
	}
}

func TestManualBuyRoundTrip(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	var mint types.MintAddress
	mint[0] = 3
	payload, _ := json.Marshal(map[string]any{"mint": mint.String(), "size": "0.5"})

	resp, err := http.Post(ts.URL+"/api/v1/trade/buy", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStrategyOverrideEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	payload := bytes.NewBufferString(`{"snipe":{"enabled":true,"confidenceThreshold":0.9}}`)
	resp, err := http.Post(ts.URL+"/api/v1/strategy/override", "application/json", payload)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/v1/strategy/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reset status = %d, want 204", resp.StatusCode)
	}
}
