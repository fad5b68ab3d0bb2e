package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// WhaleCopyStrategy mirrors trades from a curated wallet set with a
// configurable delay and fractional sizing.
type WhaleCopyStrategy struct {
	paramHolder
	logger  *zap.Logger
	wallets map[types.MintAddress]bool
}

// NewWhaleCopyStrategy creates the whale-copy strategy over the curated set.
func NewWhaleCopyStrategy(logger *zap.Logger, params types.StrategyParams, wallets []types.MintAddress) *WhaleCopyStrategy {
	set := make(map[types.MintAddress]bool, len(wallets))
	for _, w := range wallets {
		set[w] = true
	}
	s := &WhaleCopyStrategy{logger: logger, wallets: set}
	s.SetParams(params)
	return s
}

func (s *WhaleCopyStrategy) Tag() string { return "whale_copy" }

func (s *WhaleCopyStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	p := s.Params()
	now := time.Now()

	var buys, sells int
	copied := decimal.Zero
	for _, t := range in.Whales {
		if !s.wallets[t.Wallet] {
			continue
		}
		// The delay lets the whale's transaction land before mirroring, and
		// skips trades old enough to be stale.
		age := now.Sub(t.At)
		if age < p.CopyDelay || age > p.CopyDelay+30*time.Second {
			continue
		}
		switch t.Action {
		case types.ActionBuy:
			buys++
			copied = copied.Add(t.SizeBase)
		case types.ActionSell:
			sells++
		}
	}

	if sells > 0 {
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionSell,
			Confidence:        0.85,
			SuggestedSizeBase: decimal.Zero,
			StrategyTag:       s.Tag(),
			Reason:            fmt.Sprintf("%d tracked wallets selling", sells),
			GeneratedAt:       now,
		}, nil
	}
	if buys == 0 {
		return nil, nil
	}

	size := copied.Mul(decimal.NewFromFloat(p.CopyFraction))
	conf := 0.7 + 0.1*float64(buys-1)
	return &types.StrategySignal{
		Mint:              in.Event.Mint,
		Action:            types.ActionBuy,
		Confidence:        clampConf(conf),
		SuggestedSizeBase: size,
		StrategyTag:       s.Tag(),
		Reason:            fmt.Sprintf("%d tracked wallets buying", buys),
		GeneratedAt:       now,
	}, nil
}

func (s *WhaleCopyStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool {
	return sig.Action == types.ActionBuy && sig.SuggestedSizeBase.IsPositive()
}

// ShouldExit mirrors the whales out as well.
func (s *WhaleCopyStrategy) ShouldExit(pos *types.Position, in *Input) bool {
	for _, t := range in.Whales {
		if s.wallets[t.Wallet] && t.Action == types.ActionSell && t.At.After(pos.EntryTime) {
			return true
		}
	}
	return false
}
