package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

func mintN(n byte) types.MintAddress {
	var m types.MintAddress
	m[0] = n
	return m
}

// fakeStrategy emits a scripted signal.
type fakeStrategy struct {
	paramHolder
	tag    string
	signal *types.StrategySignal
	exit   bool
}

func (f *fakeStrategy) Tag() string { return f.tag }
func (f *fakeStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	if f.signal == nil {
		return nil, nil
	}
	sig := *f.signal
	sig.Mint = in.Event.Mint
	sig.StrategyTag = f.tag
	return &sig, nil
}
func (f *fakeStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool { return true }
func (f *fakeStrategy) ShouldExit(pos *types.Position, in *Input) bool        { return f.exit }

type fakeCapital struct {
	available decimal.Decimal
	exposure  decimal.Decimal
}

func (f *fakeCapital) Available() decimal.Decimal { return f.available }
func (f *fakeCapital) Exposure() decimal.Decimal  { return f.exposure }

type fakeGate struct{ blocked bool }

func (f *fakeGate) EntriesBlocked() bool { return f.blocked }

func enabledParams(threshold float64, ceiling float64) types.StrategyParams {
	return types.StrategyParams{
		Enabled:             true,
		ConfidenceThreshold: threshold,
		AllocationCeiling:   decimal.NewFromFloat(ceiling),
	}
}

func newTestCombinator(t *testing.T, capital *fakeCapital, gate *fakeGate, strategies ...Strategy) *Combinator {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	for _, s := range strategies {
		reg.Register(s)
	}
	c, err := NewCombinator(
		zap.NewNop(),
		types.CapitalConfig{
			TotalBase:       decimal.NewFromInt(10),
			PerMintCeiling:  decimal.NewFromInt(5),
			ExposureCeiling: decimal.NewFromInt(10),
			MinTradeBase:    decimal.NewFromFloat(0.005),
		},
		types.StrategiesConfig{RiskDamping: true},
		reg, capital, gate, nil, nil, nil,
	)
	if err != nil {
		t.Fatalf("NewCombinator: %v", err)
	}
	return c
}

func buySignal(conf float64, size float64) *types.StrategySignal {
	return &types.StrategySignal{
		Action:            types.ActionBuy,
		Confidence:        conf,
		SuggestedSizeBase: decimal.NewFromFloat(size),
		Reason:            "test buy",
		GeneratedAt:       time.Now(),
	}
}

func sellSignal(conf float64) *types.StrategySignal {
	return &types.StrategySignal{
		Action:      types.ActionSell,
		Confidence:  conf,
		Reason:      "test sell",
		GeneratedAt: time.Now(),
	}
}

func report(composite float64) *types.ThreatReport {
	return &types.ThreatReport{
		Composite: composite,
		RiskLevel: types.RiskLevelFor(composite),
	}
}

func event(n byte) *types.TokenEvent {
	return &types.TokenEvent{Mint: mintN(n), DiscoveredAt: time.Now()}
}

// Happy-path snipe: one buy signal at confidence 0.9 size 1.0 against a
// safe report damps to 0.9 × (1 − 0.25).
func TestDecideHappyPathSizing(t *testing.T) {
	snipe := &fakeStrategy{tag: "snipe", signal: buySignal(0.9, 1.0)}
	snipe.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, snipe)
	intent := c.Decide(context.Background(), event(1), report(0.25))

	if intent == nil {
		t.Fatal("expected an intent")
	}
	if intent.Action != types.ActionBuy {
		t.Fatalf("action = %s, want buy", intent.Action)
	}
	want := decimal.NewFromFloat(0.9).Mul(decimal.NewFromFloat(0.75))
	if !intent.SizeBase.Equal(want) {
		t.Errorf("size = %s, want %s", intent.SizeBase, want)
	}
}

// Veto on risk: every buy is dropped when the report is HIGH, and the drop
// is silent policy, not an error.
func TestRiskVetoDropsBuys(t *testing.T) {
	snipe := &fakeStrategy{tag: "snipe", signal: buySignal(0.9, 1.0)}
	snipe.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, snipe)
	if intent := c.Decide(context.Background(), event(2), report(0.80)); intent != nil {
		t.Errorf("expected no intent under high risk, got %+v", intent)
	}
}

// Sell signals survive the veto.
func TestSellNeverVetoed(t *testing.T) {
	rev := &fakeStrategy{tag: "reversal", signal: sellSignal(0.8)}
	rev.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, rev)
	intent := c.Decide(context.Background(), event(3), report(0.95))
	if intent == nil || intent.Action != types.ActionSell {
		t.Fatalf("expected sell intent under critical risk, got %+v", intent)
	}
}

// Conflicting signals: SELL wins over BUY.
func TestConflictResolutionSellWins(t *testing.T) {
	mom := &fakeStrategy{tag: "momentum", signal: buySignal(0.8, 1.0)}
	mom.SetParams(enabledParams(0.7, 5))
	rev := &fakeStrategy{tag: "reversal", signal: sellSignal(0.75)}
	rev.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, mom, rev)
	intent := c.Decide(context.Background(), event(4), report(0.2))
	if intent == nil || intent.Action != types.ActionSell {
		t.Fatalf("expected sell to win the conflict, got %+v", intent)
	}
}

func TestConfidenceGateDropsWeakSignals(t *testing.T) {
	weak := &fakeStrategy{tag: "social", signal: buySignal(0.5, 1.0)}
	weak.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, weak)
	if intent := c.Decide(context.Background(), event(5), report(0.1)); intent != nil {
		t.Errorf("signal below threshold should be gated, got %+v", intent)
	}
}

func TestPerStrategyCeilingCapsContribution(t *testing.T) {
	big := &fakeStrategy{tag: "snipe", signal: buySignal(1.0, 100)}
	big.SetParams(enabledParams(0.7, 0.5)) // ceiling 0.5

	// Damping off via zero-composite report; per-mint ceiling high.
	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{}, big)
	intent := c.Decide(context.Background(), event(6), report(0))
	if intent == nil {
		t.Fatal("expected intent")
	}
	if !intent.SizeBase.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("size = %s, want capped at 0.5", intent.SizeBase)
	}
}

func TestSizeScaledToAvailableCapital(t *testing.T) {
	s := &fakeStrategy{tag: "snipe", signal: buySignal(1.0, 3.0)}
	s.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromFloat(0.4)}, &fakeGate{}, s)
	intent := c.Decide(context.Background(), event(7), report(0))
	if intent == nil {
		t.Fatal("expected intent")
	}
	if !intent.SizeBase.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("size = %s, want scaled to available 0.4", intent.SizeBase)
	}
}

func TestBelowMinimumTradeDropped(t *testing.T) {
	s := &fakeStrategy{tag: "snipe", signal: buySignal(1.0, 3.0)}
	s.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromFloat(0.001)}, &fakeGate{}, s)
	if intent := c.Decide(context.Background(), event(8), report(0)); intent != nil {
		t.Errorf("dust-sized intent should be dropped, got %+v", intent)
	}
}

func TestEntryGateBlocksBuys(t *testing.T) {
	s := &fakeStrategy{tag: "snipe", signal: buySignal(1.0, 1.0)}
	s.SetParams(enabledParams(0.7, 5))

	c := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{blocked: true}, s)
	if intent := c.Decide(context.Background(), event(9), report(0)); intent != nil {
		t.Errorf("blocked gate should drop buys, got %+v", intent)
	}

	// Sells still pass.
	rev := &fakeStrategy{tag: "reversal", signal: sellSignal(0.9)}
	rev.SetParams(enabledParams(0.7, 5))
	c2 := newTestCombinator(t, &fakeCapital{available: decimal.NewFromInt(10)}, &fakeGate{blocked: true}, rev)
	if intent := c2.Decide(context.Background(), event(10), report(0)); intent == nil {
		t.Error("sells must pass a blocked entry gate")
	}
}

// Override then reset restores the exact prior parameter snapshot.
func TestRegistryOverrideResetRoundTrip(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	s := &fakeStrategy{tag: "snipe"}
	original := enabledParams(0.7, 2.0)
	original.MinLiquidityBase = 5_000_000_000
	s.SetParams(original)
	reg.Register(s)

	reg.Override(map[string]types.StrategyParams{
		"snipe": enabledParams(0.9, 0.1),
	})
	if got := s.Params(); got.ConfidenceThreshold != 0.9 {
		t.Fatalf("override not applied, threshold = %v", got.ConfidenceThreshold)
	}

	// A second override before reset must not move the snapshot.
	reg.Override(map[string]types.StrategyParams{
		"snipe": enabledParams(0.95, 0.01),
	})

	reg.Reset()
	got := s.Params()
	if got.ConfidenceThreshold != original.ConfidenceThreshold ||
		!got.AllocationCeiling.Equal(original.AllocationCeiling) ||
		got.MinLiquidityBase != original.MinLiquidityBase {
		t.Errorf("reset did not restore snapshot: %+v", got)
	}
}
