package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// SnipeStrategy enters very new mints, gated on minimum liquidity and
// maximum age. Freshness is the edge: confidence decays with age.
type SnipeStrategy struct {
	paramHolder
	logger *zap.Logger
}

// NewSnipeStrategy creates the snipe strategy.
func NewSnipeStrategy(logger *zap.Logger, params types.StrategyParams) *SnipeStrategy {
	s := &SnipeStrategy{logger: logger}
	s.SetParams(params)
	return s
}

func (s *SnipeStrategy) Tag() string { return "snipe" }

func (s *SnipeStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	p := s.Params()

	age := time.Since(in.Event.DiscoveredAt)
	if p.MaxTokenAge > 0 && age > p.MaxTokenAge {
		return nil, nil
	}
	if in.Event.InitialLiquidityBase < p.MinLiquidityBase {
		return nil, nil
	}

	// Confidence starts at 0.95 for an instant observation and decays
	// linearly to the threshold at max age.
	conf := 0.95
	if p.MaxTokenAge > 0 {
		conf = 0.95 - 0.25*float64(age)/float64(p.MaxTokenAge)
	}

	liqBonus := decimal.NewFromInt(1)
	if in.Event.InitialLiquidityBase >= 2*p.MinLiquidityBase {
		liqBonus = decimal.NewFromFloat(1.25)
	}

	return &types.StrategySignal{
		Mint:              in.Event.Mint,
		Action:            types.ActionBuy,
		Confidence:        conf,
		SuggestedSizeBase: p.BaseOrderSize.Mul(liqBonus),
		StrategyTag:       s.Tag(),
		Reason:            fmt.Sprintf("fresh mint on %s, age %s", in.Event.Platform, age.Truncate(time.Second)),
		GeneratedAt:       time.Now(),
	}, nil
}

func (s *SnipeStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool {
	return sig.Action == types.ActionBuy
}

// ShouldExit leaves exits to the stop/take/timeout machinery: a snipe is a
// timed trade by construction.
func (s *SnipeStrategy) ShouldExit(pos *types.Position, in *Input) bool {
	return false
}
