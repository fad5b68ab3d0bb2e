package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// SocialStrategy trades on the scraper feed, gated on virality, sentiment
// and bot-ratio thresholds. The feed itself is an external collaborator.
type SocialStrategy struct {
	paramHolder
	logger *zap.Logger
}

// NewSocialStrategy creates the social-signals strategy.
func NewSocialStrategy(logger *zap.Logger, params types.StrategyParams) *SocialStrategy {
	s := &SocialStrategy{logger: logger}
	s.SetParams(params)
	return s
}

func (s *SocialStrategy) Tag() string { return "social" }

func (s *SocialStrategy) Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error) {
	if in.Social == nil {
		return nil, nil
	}
	p := s.Params()
	snap := in.Social

	if snap.BotRatio > p.MaxBotRatio {
		// Bot-inflated hype is a sell tell when we hold, noise otherwise.
		return &types.StrategySignal{
			Mint:              in.Event.Mint,
			Action:            types.ActionSell,
			Confidence:        0.75,
			StrategyTag:       s.Tag(),
			Reason:            fmt.Sprintf("bot ratio %.2f above cap", snap.BotRatio),
			GeneratedAt:       time.Now(),
		}, nil
	}
	if snap.Virality < p.MinVirality || snap.Sentiment < p.MinSentiment {
		return nil, nil
	}

	conf := 0.6 + 0.2*snap.Virality + 0.2*snap.Sentiment - 0.3*snap.BotRatio
	return &types.StrategySignal{
		Mint:              in.Event.Mint,
		Action:            types.ActionBuy,
		Confidence:        clampConf(conf),
		SuggestedSizeBase: p.BaseOrderSize,
		StrategyTag:       s.Tag(),
		Reason:            fmt.Sprintf("virality %.2f sentiment %.2f", snap.Virality, snap.Sentiment),
		GeneratedAt:       time.Now(),
	}, nil
}

func (s *SocialStrategy) ShouldEnter(sig *types.StrategySignal, in *Input) bool {
	return sig.Action == types.ActionBuy
}

// ShouldExit fires when the hype collapses under the entry gates.
func (s *SocialStrategy) ShouldExit(pos *types.Position, in *Input) bool {
	if in.Social == nil {
		return false
	}
	p := s.Params()
	return in.Social.Virality < p.MinVirality/2 || in.Social.BotRatio > p.MaxBotRatio
}
