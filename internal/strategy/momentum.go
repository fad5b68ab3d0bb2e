package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

const (
	momentumRSIPeriod  = 14
	momentumFastPeriod = 5
	momentumSlowPeriod = 12
	rsiOverbought      = 75.0
	rsiOversold        = 35.0
)

// MomentumStrategy trades RSI and EMA-cross signals computed from the short
// price history kept by the combinator.
type MomentumStrategy struct {
	paramHolder
	logger *zap.Logger
}

// NewMomentumStrategy creates the momentum strategy.
func NewMomentumStrategy(logger *zap.Logger, params types.StrategyParams) *MomentumStrategy {
	s := &MomentumStrategy{logger: logger}
	s.SetParams(params)
	return s
}

func (s *MomentumStrategy) Tag() string { return "momentum" }

func (s *MomentumStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	if len(in.Prices) < momentumSlowPeriod+2 {
		return nil, nil
	}
	p := s.Params()

	rsi := rsiOf(in.Prices, momentumRSIPeriod)
	fastPrev, fastNow := emaPair(in.Prices, momentumFastPeriod)
	slowPrev, slowNow := emaPair(in.Prices, momentumSlowPeriod)

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	switch {
	case crossedUp && rsi < rsiOverbought:
		conf := 0.75 + 0.2*(rsiOverbought-rsi)/rsiOverbought
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionBuy,
			Confidence:        clampConf(conf),
			SuggestedSizeBase: p.BaseOrderSize,
			StrategyTag:       s.Tag(),
			Reason:            "bullish ema cross with rsi headroom",
			GeneratedAt:       time.Now(),
		}, nil
	case crossedDown || rsi > rsiOverbought+10:
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionSell,
			Confidence:        0.8,
			SuggestedSizeBase: decimal.Zero,
			StrategyTag:       s.Tag(),
			Reason:            "bearish cross or exhausted rsi",
			GeneratedAt:       time.Now(),
		}, nil
	}
	return nil, nil
}

func (s *MomentumStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool {
	return sig.Action == types.ActionBuy
}

func (s *MomentumStrategy) ShouldExit(pos *types.Position, in *Input) bool {
	if len(in.Prices) < momentumSlowPeriod+2 {
		return false
	}
	_, fastNow := emaPair(in.Prices, momentumFastPeriod)
	_, slowNow := emaPair(in.Prices, momentumSlowPeriod)
	return fastNow.LessThan(slowNow) || rsiOf(in.Prices, momentumRSIPeriod) > rsiOverbought+10
}

func clampConf(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// rsiOf computes RSI from the plain (unsmoothed) sums of gains and losses over
// the last period price changes.
func rsiOf(prices []PricePoint, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}
	start := len(prices) - period - 1
	gain := decimal.Zero
	loss := decimal.Zero
	for i := start + 1; i < len(prices); i++ {
		change := prices[i].Price.Sub(prices[i-1].Price)
		if change.IsPositive() {
			gain = gain.Add(change)
		} else {
			loss = loss.Add(change.Abs())
		}
	}
	if loss.IsZero() {
		return 100
	}
	rs, _ := gain.Div(loss).Float64()
	return 100 - 100/(1+rs)
}

// emaPair returns the EMA as of the previous and the latest sample.
func emaPair(prices []PricePoint, period int) (prev, now decimal.Decimal) {
	if len(prices) == 0 {
		return decimal.Zero, decimal.Zero
	}
	mult := decimal.NewFromFloat(2).Div(decimal.NewFromInt(int64(period + 1)))
	one := decimal.NewFromInt(1)

	ema := prices[0].Price
	prev = ema
	for i := 1; i < len(prices); i++ {
		prev = ema
		ema = prices[i].Price.Mul(mult).Add(ema.Mul(one.Sub(mult)))
	}
	return prev, ema
}
