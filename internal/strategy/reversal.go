package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

const (
	reversalLookback = 20
	reversalBandMult = 2.0 // volatility band width in standard deviations
)

// ReversalStrategy detects dips and peaks outside a volatility band and
// trades the reversion back toward the mean.
type ReversalStrategy struct {
	paramHolder
	logger *zap.Logger
}

// NewReversalStrategy creates the reversal strategy.
func NewReversalStrategy(logger *zap.Logger, params types.StrategyParams) *ReversalStrategy {
	s := &ReversalStrategy{logger: logger}
	s.SetParams(params)
	return s
}

func (s *ReversalStrategy) Tag() string { return "reversal" }

func (s *ReversalStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	if len(in.Prices) < reversalLookback {
		return nil, nil
	}
	p := s.Params()

	mean, stddev := meanStddev(in.Prices, reversalLookback)
	if stddev.IsZero() {
		return nil, nil
	}
	band := stddev.Mul(decimal.NewFromFloat(reversalBandMult))
	current := in.LastPrice()

	lower := mean.Sub(band)
	upper := mean.Add(band)

	switch {
	case current.LessThan(lower):
		// Dip below the band: buy the reversion.
		depth, _ := lower.Sub(current).Div(stddev).Float64()
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionBuy,
			Confidence:        clampConf(0.7 + depth*0.1),
			SuggestedSizeBase: p.BaseOrderSize,
			StrategyTag:       s.Tag(),
			Reason:            "dip below volatility band",
			GeneratedAt:       time.Now(),
		}, nil
	case current.GreaterThan(upper):
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionSell,
			Confidence:        0.75,
			SuggestedSizeBase: decimal.Zero,
			StrategyTag:       s.Tag(),
			Reason:            "peak above volatility band",
			GeneratedAt:       time.Now(),
		}, nil
	}
	return nil, nil
}

func (s *ReversalStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool {
	return sig.Action == types.ActionBuy
}

// ShouldExit closes the reversion trade once price is back at the mean.
func (s *ReversalStrategy) ShouldExit(pos *types.Position, in *Input) bool {
	if len(in.Prices) < reversalLookback {
		return false
	}
	mean, _ := meanStddev(in.Prices, reversalLookback)
	return in.LastPrice().GreaterThanOrEqual(mean)
}

func meanStddev(prices []PricePoint, lookback int) (mean, stddev decimal.Decimal) {
	if len(prices) < lookback {
		lookback = len(prices)
	}
	window := prices[len(prices)-lookback:]

	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(p.Price)
	}
	n := decimal.NewFromInt(int64(len(window)))
	mean = sum.Div(n)

	variance := decimal.Zero
	for _, p := range window {
		diff := p.Price.Sub(mean)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(n)

	// Newton's method; decimal has no sqrt.
	x := variance
	if x.IsZero() {
		return mean, decimal.Zero
	}
	two := decimal.NewFromInt(2)
	for i := 0; i < 20; i++ {
		x = x.Add(variance.Div(x)).Div(two)
	}
	return mean, x
}
