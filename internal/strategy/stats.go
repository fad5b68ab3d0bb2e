package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// StatsBook accumulates per-strategy performance, surfaced by the console's
// status read.
type StatsBook struct {
	mu    sync.Mutex
	stats map[string]*statsEntry
}

type statsEntry struct {
	trades     int
	wins       int
	losses     int
	totalPnL   decimal.Decimal
	totalHold  time.Duration
	confSum    float64
	confCount  int
}

// NewStatsBook creates an empty book.
func NewStatsBook() *StatsBook {
	return &StatsBook{stats: make(map[string]*statsEntry)}
}

func (b *StatsBook) entry(tag string) *statsEntry {
	e, ok := b.stats[tag]
	if !ok {
		e = &statsEntry{totalPnL: decimal.Zero}
		b.stats[tag] = e
	}
	return e
}

// RecordSignal folds one surviving signal's confidence into the average.
func (b *StatsBook) RecordSignal(sig *types.StrategySignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(sig.StrategyTag)
	e.confSum += sig.Confidence
	e.confCount++
}

// RecordClose folds one closed position into the owning strategy's record.
func (b *StatsBook) RecordClose(tag string, pnl decimal.Decimal, hold time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(tag)
	e.trades++
	if pnl.IsPositive() {
		e.wins++
	} else {
		e.losses++
	}
	e.totalPnL = e.totalPnL.Add(pnl)
	e.totalHold += hold
}

// Snapshot returns the stats for every tracked strategy.
func (b *StatsBook) Snapshot() []types.StrategyStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.StrategyStats, 0, len(b.stats))
	for tag, e := range b.stats {
		s := types.StrategyStats{
			Tag:      tag,
			Trades:   e.trades,
			Wins:     e.wins,
			Losses:   e.losses,
			TotalPnL: e.totalPnL,
		}
		if e.trades > 0 {
			s.AvgHold = e.totalHold / time.Duration(e.trades)
		}
		if e.confCount > 0 {
			s.AvgConfidence = e.confSum / float64(e.confCount)
		}
		out = append(out, s)
	}
	return out
}
