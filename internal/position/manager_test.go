package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

func mintN(n byte) types.MintAddress {
	var m types.MintAddress
	m[0] = n
	return m
}

type fakeTrader struct {
	mu           sync.Mutex
	price        decimal.Decimal
	buyErr       error
	buyDelay     time.Duration
	sellFailures int // fail this many sells before filling
	sellAttempts int
	probeExists  bool
}

func newFakeTrader(price float64) *fakeTrader {
	return &fakeTrader{price: decimal.NewFromFloat(price)}
}

func (f *fakeTrader) SetPrice(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = decimal.NewFromFloat(p)
}

func (f *fakeTrader) currentPrice() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

func (f *fakeTrader) SellAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sellAttempts
}

func (f *fakeTrader) Buy(ctx context.Context, mint types.MintAddress, sizeBase, slippagePct decimal.Decimal, priority bool) (*Fill, error) {
	if f.buyDelay > 0 {
		select {
		case <-time.After(f.buyDelay):
		case <-ctx.Done():
			return nil, rpcpool.NewError(rpcpool.KindTransientTransport, ctx.Err())
		}
	}
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	price := f.currentPrice()
	return &Fill{Price: price, Quantity: sizeBase.Div(price), Signature: "buy", At: time.Now()}, nil
}

func (f *fakeTrader) Sell(ctx context.Context, mint types.MintAddress, quantity, slippagePct decimal.Decimal, priority bool) (*Fill, error) {
	f.mu.Lock()
	f.sellAttempts++
	fail := f.sellFailures > 0
	if fail {
		f.sellFailures--
	}
	price := f.price
	f.mu.Unlock()

	if fail {
		return nil, rpcpool.NewError(rpcpool.KindTransientTransport, errors.New("congestion"))
	}
	return &Fill{Price: price, Quantity: quantity, Signature: "sell", At: time.Now()}, nil
}

func (f *fakeTrader) Probe(ctx context.Context, mint types.MintAddress) (*Fill, bool, error) {
	if !f.probeExists {
		return nil, false, nil
	}
	price := f.currentPrice()
	return &Fill{Price: price, Quantity: decimal.NewFromInt(1), Signature: "probe", At: time.Now()}, true, nil
}

func (f *fakeTrader) Price(ctx context.Context, mint types.MintAddress) (decimal.Decimal, error) {
	return f.currentPrice(), nil
}

type fakeAdmin struct {
	emergency bool
	paused    bool
}

func (f *fakeAdmin) EmergencyStopped() bool { return f.emergency }
func (f *fakeAdmin) Paused() bool           { return f.paused }

func testCfg() types.PositionConfig {
	return types.PositionConfig{
		StopLossPct:       decimal.NewFromFloat(0.15),
		TrailingPct:       decimal.NewFromFloat(0.10),
		TakeProfitPct:     decimal.NewFromFloat(0.50),
		MaxHold:           time.Hour,
		MonitorInterval:   5 * time.Millisecond,
		FallbackInterval:  20 * time.Millisecond,
		MaxExitRetries:    3,
		BuySlippagePct:    decimal.NewFromFloat(0.02),
		SellSlippagePct:   decimal.NewFromFloat(0.03),
		SlippageCapPct:    decimal.NewFromFloat(0.50),
		BlacklistDuration: time.Hour,
		FillDeadline:      500 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, trader Trader) (*Manager, *CapitalPool, *Blacklist, context.CancelFunc) {
	t.Helper()
	capital := NewCapitalPool(decimal.NewFromInt(10))
	blacklist := NewBlacklist()
	m := NewManager(zap.NewNop(), testCfg(), trader, capital, blacklist, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, nil)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m, capital, blacklist, cancel
}

func buyIntent(n byte, size float64) types.TradeIntent {
	return types.TradeIntent{
		ID:          "test",
		Mint:        mintN(n),
		Action:      types.ActionBuy,
		SizeBase:    decimal.NewFromFloat(size),
		StrategyTag: "snipe",
		CreatedAt:   time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func stateOf(m *Manager, mint types.MintAddress) (types.PositionState, bool) {
	for _, p := range m.Positions() {
		if p.Mint == mint {
			return p.State, true
		}
	}
	return "", false
}

func TestOpenThenTakeProfit(t *testing.T) {
	trader := newFakeTrader(100)
	m, capital, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(1, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := stateOf(m, mintN(1))
		return ok && st == types.PositionOpen
	}, "position never opened")

	// Price rises past the 50% take-profit.
	trader.SetPrice(160)

	waitFor(t, 2*time.Second, func() bool {
		return len(m.Positions()) == 0
	}, "position never closed")

	// P&L: bought 0.01 at 100, sold at 160 → +0.6 on the pool.
	wantTotal := decimal.NewFromFloat(10.6)
	if !capital.Total().Equal(wantTotal) {
		t.Errorf("pool total = %s, want %s", capital.Total(), wantTotal)
	}
	if !capital.Available().Equal(wantTotal) {
		t.Errorf("available = %s, want all capital released", capital.Available())
	}
}

func TestStopLossTriggers(t *testing.T) {
	trader := newFakeTrader(100)
	m, capital, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(2, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		st, ok := stateOf(m, mintN(2))
		return ok && st == types.PositionOpen
	}, "position never opened")

	trader.SetPrice(80) // below the 15% stop

	waitFor(t, 2*time.Second, func() bool {
		return len(m.Positions()) == 0
	}, "stop loss never fired")

	if capital.Total().GreaterThanOrEqual(decimal.NewFromInt(10)) {
		t.Errorf("pool total = %s, expected a realized loss", capital.Total())
	}
}

func TestDuplicateMintRejected(t *testing.T) {
	trader := newFakeTrader(100)
	trader.buyDelay = 50 * time.Millisecond
	m, _, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(3, 1.0)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := m.Submit(buyIntent(3, 1.0)); err == nil {
		t.Error("second submit for the same mint must be rejected")
	}
}

func TestDefinitiveBuyFailureBlacklists(t *testing.T) {
	trader := newFakeTrader(100)
	trader.buyErr = rpcpool.NewError(rpcpool.KindDefinitiveTransport, errors.New("signature rejected"))
	m, capital, blacklist, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(4, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return blacklist.Contains(mintN(4))
	}, "failed mint never blacklisted")

	waitFor(t, time.Second, func() bool {
		return capital.Available().Equal(decimal.NewFromInt(10))
	}, "capital never released after failure")

	if err := m.Submit(buyIntent(4, 1.0)); err == nil {
		t.Error("blacklisted mint must be rejected")
	}
}

func TestUnconfirmedBuyProbesChain(t *testing.T) {
	trader := newFakeTrader(100)
	trader.buyErr = rpcpool.NewError(rpcpool.KindTransientTransport, errors.New("timeout"))
	trader.probeExists = true
	m, _, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(5, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := stateOf(m, mintN(5))
		return ok && st == types.PositionOpen
	}, "probe should have recovered the position")
}

func TestEmergencyStopForcesClosing(t *testing.T) {
	trader := newFakeTrader(100)
	m, _, _, _ := newTestManager(t, trader)

	for _, n := range []byte{6, 7} {
		if err := m.Submit(buyIntent(n, 0.5)); err != nil {
			t.Fatalf("Submit(%d): %v", n, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		open := 0
		for _, p := range m.Positions() {
			if p.State == types.PositionOpen {
				open++
			}
		}
		return open == 2
	}, "positions never opened")

	m.EmergencyStopAll()

	waitFor(t, 2*time.Second, func() bool {
		return len(m.Positions()) == 0
	}, "emergency stop did not close all positions")
}

func TestNoBuyWhileEmergencyStopped(t *testing.T) {
	trader := newFakeTrader(100)
	m, _, _, _ := newTestManager(t, trader)
	m.SetAdminState(&fakeAdmin{emergency: true})

	if err := m.Submit(buyIntent(8, 1.0)); err == nil {
		t.Error("buys must be rejected under emergency stop")
	}

	manual := buyIntent(9, 1.0)
	manual.Manual = true
	if err := m.Submit(manual); err == nil {
		t.Error("manual buys do not bypass emergency stop")
	}
}

func TestPausedAllowsManualBuys(t *testing.T) {
	trader := newFakeTrader(100)
	m, _, _, _ := newTestManager(t, trader)
	m.SetAdminState(&fakeAdmin{paused: true})

	if err := m.Submit(buyIntent(10, 1.0)); err == nil {
		t.Error("automated buys must be rejected while paused")
	}

	manual := buyIntent(11, 1.0)
	manual.Manual = true
	if err := m.Submit(manual); err != nil {
		t.Errorf("manual buy should pass a pause: %v", err)
	}
}

func TestStuckExitStaysClosing(t *testing.T) {
	trader := newFakeTrader(100)
	trader.mu.Lock()
	trader.sellFailures = 1_000_000 // never fills
	trader.mu.Unlock()
	m, _, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(12, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		st, ok := stateOf(m, mintN(12))
		return ok && st == types.PositionOpen
	}, "position never opened")

	if err := m.ClosePosition(mintN(12)); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return trader.SellAttempts() >= 3
	}, "bounded retries never ran")

	st, ok := stateOf(m, mintN(12))
	if !ok || st != types.PositionClosing {
		t.Errorf("state = %s (present=%v), want closing to persist", st, ok)
	}
}

func TestTrailingStopUsesHighWaterMark(t *testing.T) {
	trader := newFakeTrader(100)
	m, capital, _, _ := newTestManager(t, trader)

	if err := m.Submit(buyIntent(13, 1.0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		st, ok := stateOf(m, mintN(13))
		return ok && st == types.PositionOpen
	}, "position never opened")

	// Run up to 140 (below take profit), then drop 15% off the high.
	trader.SetPrice(140)
	waitFor(t, 2*time.Second, func() bool {
		for _, p := range m.Positions() {
			if p.Mint == mintN(13) && p.TrailingHigh.GreaterThanOrEqual(decimal.NewFromInt(140)) {
				return true
			}
		}
		return false
	}, "trailing high never advanced")

	trader.SetPrice(119)
	waitFor(t, 2*time.Second, func() bool {
		return len(m.Positions()) == 0
	}, "trailing stop never fired")

	if !capital.Total().GreaterThan(decimal.NewFromInt(10)) {
		t.Errorf("pool total = %s, trailing exit should lock in profit", capital.Total())
	}
}
