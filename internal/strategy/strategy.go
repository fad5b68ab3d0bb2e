// Package strategy provides the signal generators and the combinator that
// resolves their outputs into a single trade intent per mint.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// PricePoint is one sample of a mint's short price history.
type PricePoint struct {
	At    time.Time
	Price decimal.Decimal
}

// WhaleTrade is one observed trade from the curated wallet set.
type WhaleTrade struct {
	Wallet   types.MintAddress
	Mint     types.MintAddress
	Action   types.SignalAction
	SizeBase decimal.Decimal
	At       time.Time
}

// SocialSnapshot is the scraper feed's view of a mint. The scraper itself is
// an external collaborator; only this shape is pinned.
type SocialSnapshot struct {
	Virality  float64
	Sentiment float64
	BotRatio  float64
	Mentions  int
	At        time.Time
}

// WhaleFeed supplies recent curated-wallet trades.
type WhaleFeed interface {
	RecentTrades(mint types.MintAddress) []WhaleTrade
}

// SocialFeed supplies social snapshots.
type SocialFeed interface {
	Snapshot(mint types.MintAddress) (SocialSnapshot, bool)
}

// Input is the enriched view a strategy analyzes in one decision cycle.
type Input struct {
	Event  *types.TokenEvent
	Report *types.ThreatReport
	Prices []PricePoint // oldest first
	Whales []WhaleTrade
	Social *SocialSnapshot
}

// LastPrice returns the most recent price, zero when no history exists.
func (in *Input) LastPrice() decimal.Decimal {
	if len(in.Prices) == 0 {
		return decimal.Zero
	}
	return in.Prices[len(in.Prices)-1].Price
}

// Strategy is the capability set every signal generator implements. A new
// strategy is a value implementing these operations plus its parameter set;
// there is no inheritance hierarchy.
type Strategy interface {
	Tag() string
	Params() types.StrategyParams
	SetParams(p types.StrategyParams)
	// Analyze produces at most one signal for the cycle; nil means HOLD.
	Analyze(ctx context.Context, in *Input) (*types.StrategySignal, error)
	// ShouldEnter is the final gate on a signal this strategy produced.
	ShouldEnter(sig *types.StrategySignal, in *Input) bool
	// ShouldExit is consulted by the position manager for positions this
	// strategy owns.
	ShouldExit(pos *types.Position, in *Input) bool
}

// paramHolder gives each strategy the same mutex-guarded parameter storage.
type paramHolder struct {
	mu     sync.RWMutex
	params types.StrategyParams
}

func (p *paramHolder) Params() types.StrategyParams {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

func (p *paramHolder) SetParams(np types.StrategyParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = np
}

// Registry holds the enabled strategies keyed by tag.
type Registry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy
	order      []string
	// snapshot retains the pre-override parameters for STRATEGY_RESET.
	snapshot map[string]types.StrategyParams
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger,
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy. Registration order is decision order.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.strategies[s.Tag()]; !dup {
		r.order = append(r.order, s.Tag())
	}
	r.strategies[s.Tag()] = s
}

// Get returns the strategy for a tag.
func (r *Registry) Get(tag string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[tag]
	return s, ok
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, tag := range r.order {
		out = append(out, r.strategies[tag])
	}
	return out
}

// Tags returns the registered tags in order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Override atomically swaps in new parameter values for the named
// strategies, retaining a snapshot of the originals for Reset. A second
// Override before a Reset keeps the first snapshot: Reset always restores
// the pre-override state.
func (r *Registry) Override(params map[string]types.StrategyParams) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot == nil {
		r.snapshot = make(map[string]types.StrategyParams, len(r.strategies))
		for tag, s := range r.strategies {
			r.snapshot[tag] = s.Params()
		}
	}
	for tag, p := range params {
		if s, ok := r.strategies[tag]; ok {
			s.SetParams(p)
			r.logger.Info("strategy parameters overridden", zap.String("strategy", tag))
		}
	}
}

// Reset restores the snapshot taken by the first Override since the last
// Reset. A Reset with no prior Override is a no-op.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot == nil {
		return
	}
	for tag, p := range r.snapshot {
		if s, ok := r.strategies[tag]; ok {
			s.SetParams(p)
		}
	}
	r.snapshot = nil
	r.logger.Info("strategy parameters reset to snapshot")
}
