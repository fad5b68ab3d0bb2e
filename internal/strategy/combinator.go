package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// CapitalView is the combinator's read-side of the capital pool, updated by
// the position manager on every fill.
type CapitalView interface {
	Available() decimal.Decimal
	Exposure() decimal.Decimal
}

// EntryGate reports whether new entries are administratively blocked
// (PAUSE or EMERGENCY_STOP).
type EntryGate interface {
	EntriesBlocked() bool
}

// Combinator runs all enabled strategies on each decision cycle and resolves
// their signals into at most one trade intent per mint.
type Combinator struct {
	logger   *zap.Logger
	capCfg   types.CapitalConfig
	damping  bool
	registry *Registry
	capital  CapitalView
	gate     EntryGate
	metrics  *metrics.Metrics

	Stats  *StatsBook
	Prices *PriceBook

	whales WhaleFeed
	social SocialFeed
}

// NewCombinator wires the aggregation pipeline. whales and social may be nil
// when those feeds are not configured.
func NewCombinator(
	logger *zap.Logger,
	capCfg types.CapitalConfig,
	stratCfg types.StrategiesConfig,
	registry *Registry,
	capital CapitalView,
	gate EntryGate,
	whales WhaleFeed,
	social SocialFeed,
	m *metrics.Metrics,
) (*Combinator, error) {
	prices, err := NewPriceBook(4096)
	if err != nil {
		return nil, err
	}
	return &Combinator{
		logger:   logger,
		capCfg:   capCfg,
		damping:  stratCfg.RiskDamping,
		registry: registry,
		capital:  capital,
		gate:     gate,
		metrics:  m,
		Stats:    NewStatsBook(),
		Prices:   prices,
		whales:   whales,
		social:   social,
	}, nil
}

// BuildInput assembles the enriched view for one decision cycle.
func (c *Combinator) BuildInput(ev *types.TokenEvent, report *types.ThreatReport) *Input {
	in := &Input{
		Event:  ev,
		Report: report,
		Prices: c.Prices.History(ev.Mint),
	}
	if c.whales != nil {
		in.Whales = c.whales.RecentTrades(ev.Mint)
	}
	if c.social != nil {
		if snap, ok := c.social.Snapshot(ev.Mint); ok {
			in.Social = &snap
		}
	}
	return in
}

// Decide runs every enabled strategy and aggregates the surviving signals.
// A nil return means HOLD: either no strategy fired, or policy rejected the
// cycle (which is normal operation, not an error).
func (c *Combinator) Decide(ctx context.Context, ev *types.TokenEvent, report *types.ThreatReport) *types.TradeIntent {
	in := c.BuildInput(ev, report)

	var buys, sells []*types.StrategySignal
	for _, s := range c.registry.All() {
		p := s.Params()
		if !p.Enabled {
			continue
		}
		sig, err := s.Analyze(ctx, in)
		if err != nil {
			c.logger.Debug("strategy analyze failed",
				zap.String("strategy", s.Tag()),
				zap.Error(err),
			)
			continue
		}
		if sig == nil || sig.Action == types.ActionHold {
			continue
		}

		// Gate: per-strategy confidence threshold plus the strategy's own
		// final entry check.
		if sig.Confidence < p.ConfidenceThreshold {
			continue
		}
		if sig.Action == types.ActionBuy && !s.ShouldEnter(sig, in) {
			continue
		}

		c.Stats.RecordSignal(sig)
		switch sig.Action {
		case types.ActionBuy:
			buys = append(buys, sig)
		case types.ActionSell:
			sells = append(sells, sig)
		}
	}

	// Veto by risk: HIGH or CRITICAL drops every BUY. SELL is never vetoed;
	// getting out safely dominates getting in early.
	if report != nil && (report.RiskLevel == types.RiskHigh || report.RiskLevel == types.RiskCritical) {
		if len(buys) > 0 && c.metrics != nil {
			c.metrics.SignalsVetoed.Add(float64(len(buys)))
		}
		buys = nil
	}

	// Conflict resolution: SELL wins.
	if len(sells) > 0 {
		return c.sellIntent(ev.Mint, sells)
	}
	if len(buys) == 0 {
		return nil
	}

	if c.gate != nil && c.gate.EntriesBlocked() {
		c.logger.Debug("entries blocked, dropping buy intent", zap.String("mint", ev.Mint.String()))
		return nil
	}
	return c.buyIntent(ev.Mint, buys, report)
}

func (c *Combinator) sellIntent(mint types.MintAddress, sells []*types.StrategySignal) *types.TradeIntent {
	best := sells[0]
	for _, s := range sells[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	intent := &types.TradeIntent{
		ID:          uuid.NewString(),
		Mint:        mint,
		Action:      types.ActionSell,
		StrategyTag: best.StrategyTag,
		Reason:      aggregateReason(sells),
		CreatedAt:   time.Now(),
	}
	if c.metrics != nil {
		c.metrics.IntentsEmitted.WithLabelValues(string(types.ActionSell)).Inc()
	}
	return intent
}

func (c *Combinator) buyIntent(mint types.MintAddress, buys []*types.StrategySignal, report *types.ThreatReport) *types.TradeIntent {
	// Aggregated size: confidence-weighted sum, with each strategy's
	// contribution capped by its allocation ceiling.
	size := decimal.Zero
	best := buys[0]
	for _, sig := range buys {
		if sig.Confidence > best.Confidence {
			best = sig
		}
		contrib := sig.SuggestedSizeBase.Mul(decimal.NewFromFloat(sig.Confidence))
		if s, ok := c.registry.Get(sig.StrategyTag); ok {
			if ceiling := s.Params().AllocationCeiling; ceiling.IsPositive() && contrib.GreaterThan(ceiling) {
				contrib = ceiling
			}
		}
		size = size.Add(contrib)
	}

	// Per-mint ceiling.
	if c.capCfg.PerMintCeiling.IsPositive() && size.GreaterThan(c.capCfg.PerMintCeiling) {
		size = c.capCfg.PerMintCeiling
	}

	// Portfolio exposure ceiling.
	if c.capCfg.ExposureCeiling.IsPositive() {
		headroom := c.capCfg.ExposureCeiling.Sub(c.capital.Exposure())
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		if size.GreaterThan(headroom) {
			size = headroom
		}
	}

	// Kelly-style damping by the risk composite.
	if c.damping && report != nil {
		size = size.Mul(decimal.NewFromFloat(1 - report.Composite))
	}

	// Scale down to available capital.
	if avail := c.capital.Available(); size.GreaterThan(avail) {
		size = avail
	}

	if size.LessThan(c.capCfg.MinTradeBase) {
		c.logger.Debug("aggregated size below minimum, dropping",
			zap.String("mint", mint.String()),
			zap.String("size", size.String()),
		)
		return nil
	}

	intent := &types.TradeIntent{
		ID:          uuid.NewString(),
		Mint:        mint,
		Action:      types.ActionBuy,
		SizeBase:    size,
		StrategyTag: best.StrategyTag,
		Reason:      aggregateReason(buys),
		CreatedAt:   time.Now(),
	}
	if c.metrics != nil {
		c.metrics.IntentsEmitted.WithLabelValues(string(types.ActionBuy)).Inc()
	}
	return intent
}

// ShouldExit consults the owning strategy of a position.
func (c *Combinator) ShouldExit(pos *types.Position, ev *types.TokenEvent, report *types.ThreatReport) bool {
	s, ok := c.registry.Get(pos.StrategyTag)
	if !ok {
		return false
	}
	return s.ShouldExit(pos, c.BuildInput(ev, report))
}

func aggregateReason(signals []*types.StrategySignal) string {
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		parts = append(parts, fmt.Sprintf("%s(%.2f): %s", s.StrategyTag, s.Confidence, s.Reason))
	}
	return strings.Join(parts, "; ")
}
