package override

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

func mintN(n byte) types.MintAddress {
	var m types.MintAddress
	m[0] = n
	return m
}

// noopTrader fills everything instantly at a fixed price.
type noopTrader struct{}

func (noopTrader) Buy(ctx context.Context, mint types.MintAddress, sizeBase, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return &position.Fill{Price: decimal.NewFromInt(1), Quantity: sizeBase, At: time.Now()}, nil
}
func (noopTrader) Sell(ctx context.Context, mint types.MintAddress, quantity, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return &position.Fill{Price: decimal.NewFromInt(1), Quantity: quantity, At: time.Now()}, nil
}
func (noopTrader) Probe(ctx context.Context, mint types.MintAddress) (*position.Fill, bool, error) {
	return nil, false, nil
}
func (noopTrader) Price(ctx context.Context, mint types.MintAddress) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func posCfg() types.PositionConfig {
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
		FillDeadline:      time.Second,
	}
}

func newTestConsole(t *testing.T) (*Console, *position.Manager, *strategy.Registry) {
	t.Helper()
	logger := zap.NewNop()

	capital := position.NewCapitalPool(decimal.NewFromInt(10))
	manager := position.NewManager(logger, posCfg(), noopTrader{}, capital, position.NewBlacklist(), nil, nil)

	registry := strategy.NewRegistry(logger)
	registry.Register(strategy.NewSnipeStrategy(logger, types.StrategyParams{
		Enabled:             true,
		ConfidenceThreshold: 0.7,
		AllocationCeiling:   decimal.NewFromInt(2),
		BaseOrderSize:       decimal.NewFromFloat(0.5),
		MinLiquidityBase:    5_000_000_000,
		MaxTokenAge:         2 * time.Minute,
	}))

	console := NewConsole(logger, registry, manager, nil, decimal.NewFromInt(1), nil)
	manager.SetAdminState(console)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx, nil)
	go console.Run(ctx)
	t.Cleanup(func() {
		cancel()
		manager.Wait()
	})
	return console, manager, registry
}

// R1: emergency_stop is idempotent.
func TestEmergencyStopIdempotent(t *testing.T) {
	console, _, _ := newTestConsole(t)

	var stops atomic.Int64
	console.SetCallbacks(Callbacks{OnEmergencyStop: func() { stops.Add(1) }})

	if err := console.Execute(Command{Type: CmdEmergencyStop}); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := console.Execute(Command{Type: CmdEmergencyStop}); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if !console.EmergencyStopped() {
		t.Error("flag must be set")
	}
	time.Sleep(50 * time.Millisecond)
	if stops.Load() != 1 {
		t.Errorf("emergency callback fired %d times, want 1", stops.Load())
	}

	// Only an explicit reset clears the flag.
	if err := console.Execute(Command{Type: CmdResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !console.EmergencyStopped() {
		t.Error("resume must not clear an emergency stop")
	}
	if err := console.Execute(Command{Type: CmdReset}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if console.EmergencyStopped() {
		t.Error("reset must clear the emergency stop")
	}
}

func TestPauseResumeGatesEntries(t *testing.T) {
	console, _, _ := newTestConsole(t)

	if err := console.Execute(Command{Type: CmdPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !console.EntriesBlocked() {
		t.Error("pause must block entries")
	}
	if err := console.Execute(Command{Type: CmdResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if console.EntriesBlocked() {
		t.Error("resume must unblock entries")
	}
}

func TestManualBuyBlockedByEmergencyStop(t *testing.T) {
	console, _, _ := newTestConsole(t)

	if err := console.Execute(Command{Type: CmdEmergencyStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := console.Execute(Command{Type: CmdManualBuy, Mint: mintN(1), Size: decimal.NewFromFloat(0.5)})
	if err == nil {
		t.Error("manual buy must not bypass emergency stop")
	}
}

func TestManualBuyOpensPosition(t *testing.T) {
	console, manager, _ := newTestConsole(t)

	if err := console.Execute(Command{Type: CmdManualBuy, Mint: mintN(2), Size: decimal.NewFromFloat(0.5)}); err != nil {
		t.Fatalf("manual buy: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, p := range manager.Positions() {
			if p.Mint == mintN(2) && p.State == types.PositionOpen {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("manual buy never opened a position")
}

// R2: override then reset restores the exact prior snapshot.
func TestStrategyOverrideResetRestoresSnapshot(t *testing.T) {
	console, _, registry := newTestConsole(t)

	s, _ := registry.Get("snipe")
	before := s.Params()

	err := console.Execute(Command{Type: CmdStrategyOverride, Params: map[string]types.StrategyParams{
		"snipe": {Enabled: true, ConfidenceThreshold: 0.95},
	}})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if s.Params().ConfidenceThreshold != 0.95 {
		t.Fatal("override not applied")
	}

	if err := console.Execute(Command{Type: CmdStrategyReset}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	after := s.Params()
	if after.ConfidenceThreshold != before.ConfidenceThreshold ||
		after.MinLiquidityBase != before.MinLiquidityBase ||
		!after.BaseOrderSize.Equal(before.BaseOrderSize) {
		t.Errorf("snapshot not restored: %+v", after)
	}
}

func TestSubmitRejectsWhenChannelFull(t *testing.T) {
	// No Run loop: the channel fills up.
	logger := zap.NewNop()
	capital := position.NewCapitalPool(decimal.NewFromInt(10))
	manager := position.NewManager(logger, posCfg(), noopTrader{}, capital, position.NewBlacklist(), nil, nil)
	console := NewConsole(logger, strategy.NewRegistry(logger), manager, nil, decimal.NewFromInt(1), nil)

	var err error
	for i := 0; i < 100; i++ {
		if err = console.Submit(Command{Type: CmdPause}); err != nil {
			break
		}
	}
	if err == nil {
		t.Error("expected a capacity error once the channel filled")
	}
}

func TestClosePositionWithoutPosition(t *testing.T) {
	console, _, _ := newTestConsole(t)
	if err := console.Execute(Command{Type: CmdClosePosition, Mint: mintN(9)}); err == nil {
		t.Error("closing an unknown position should report a policy error")
	}
}
