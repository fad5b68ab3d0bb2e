// Package threat implements the scoring engine: all heuristics run
// concurrently under one deadline and fuse into the composite risk index
// with confidence bounds and temporal trend.
package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/internal/workers"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

const (
	weightRisk      = 0.4
	weightTechnical = 0.3
	weightMarket    = 0.3

	// emptyBucketPrior scores a bucket with zero usable heuristics.
	// Absence of evidence is evidence of risk.
	emptyBucketPrior = 0.75

	topFactorCount = 8
)

type cachedReport struct {
	report *types.ThreatReport
	at     time.Time
}

// Engine produces ThreatReports.
type Engine struct {
	logger     *zap.Logger
	cfg        types.ThreatConfig
	metrics    *metrics.Metrics
	reader     ChainReader
	reputation *ReputationStore
	pool       *workers.Pool
	trend      *TrendTracker
	heuristics []Heuristic
	blacklist  map[string]bool

	cacheMu sync.Mutex
	cache   *lru.Cache[types.MintAddress, cachedReport]

	alerts chan types.ThreatAlert

	// observations reports the cross-source confirmation count for a mint;
	// wired to the listener fan-in.
	observations func(types.MintAddress) int
}

// NewEngine constructs the scoring engine. cfg.BlacklistCreators must be
// non-nil: an explicit empty slice means no static blacklist. reputation may
// be nil, in which case the reputation heuristic reports unknown.
func NewEngine(
	logger *zap.Logger,
	cfg types.ThreatConfig,
	reader ChainReader,
	reputation *ReputationStore,
	pool *workers.Pool,
	m *metrics.Metrics,
) (*Engine, error) {
	if cfg.BlacklistCreators == nil {
		return nil, fmt.Errorf("threat: BlacklistCreators must be set explicitly (use an empty slice)")
	}
	if cfg.HeuristicDeadline <= 0 {
		cfg.HeuristicDeadline = 1500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 4096
	}

	cache, err := lru.New[types.MintAddress, cachedReport](cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	trend, err := NewTrendTracker(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	blacklist := make(map[string]bool, len(cfg.BlacklistCreators))
	for _, addr := range cfg.BlacklistCreators {
		blacklist[addr] = true
	}

	return &Engine{
		logger:     logger,
		cfg:        cfg,
		metrics:    m,
		reader:     reader,
		reputation: reputation,
		pool:       pool,
		trend:      trend,
		heuristics: defaultHeuristics(),
		blacklist:  blacklist,
		cache:      cache,
		alerts:     make(chan types.ThreatAlert, 64),
	}, nil
}

// SetObservationSource wires the cross-source confirmation counter.
func (e *Engine) SetObservationSource(fn func(types.MintAddress) int) {
	e.observations = fn
}

// Alerts is the fire-and-forget channel consumed by the position manager.
func (e *Engine) Alerts() <-chan types.ThreatAlert {
	return e.alerts
}

// Score produces a report for the token, serving the 60s cache unless force
// is set (the combinator forces a fresh report for pre-trade confirmation).
func (e *Engine) Score(ctx context.Context, ev *types.TokenEvent, force bool) (*types.ThreatReport, error) {
	if !force {
		e.cacheMu.Lock()
		if c, ok := e.cache.Get(ev.Mint); ok && time.Since(c.at) < e.cfg.CacheTTL {
			e.cacheMu.Unlock()
			return c.report, nil
		}
		e.cacheMu.Unlock()
	}

	report := e.scoreFresh(ctx, ev)

	e.cacheMu.Lock()
	e.cache.Add(ev.Mint, cachedReport{report: report, at: time.Now()})
	e.cacheMu.Unlock()

	if e.metrics != nil {
		e.metrics.ReportsGenerated.Inc()
	}
	e.emitAlerts(ev.Mint, report)
	return report, nil
}

type heuristicResult struct {
	h       Heuristic
	score   float64
	unknown bool
}

func (e *Engine) scoreFresh(ctx context.Context, ev *types.TokenEvent) *types.ThreatReport {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HeuristicDeadline)
	defer cancel()

	subject := e.gatherSubject(ctx, ev)
	results := e.runHeuristics(ctx, subject)
	return e.fuse(ev.Mint, results)
}

// gatherSubject fetches the inputs every heuristic reads: chain facts,
// creator reputation, and the graph analysis. Each fetch may independently
// miss the deadline; dependent heuristics then contribute unknown.
func (e *Engine) gatherSubject(ctx context.Context, ev *types.TokenEvent) *Subject {
	s := &Subject{
		Event:              ev,
		Age:                time.Since(ev.DiscoveredAt),
		BlacklistedCreator: e.blacklist[ev.Creator.String()],
		WashCycles:         -1,
		CoordShare:         -1,
	}
	if e.observations != nil {
		s.Observations = e.observations(ev.Mint)
	}
	if s.Observations == 0 {
		s.Observations = ev.Observations
	}

	var g errgroup.Group

	g.Go(func() error {
		facts, err := e.reader.TokenFacts(ctx, ev.Mint)
		if err != nil {
			e.logger.Debug("fact fetch failed",
				zap.String("mint", ev.Mint.String()),
				zap.Error(err),
			)
			return nil
		}
		s.Facts = facts

		// Graph analysis needs the facts; run it inside the same deadline.
		res := analyzeGraph(ctx, e.pool, facts)
		s.WashCycles = res.washCycles
		s.CoordShare = res.coordShare
		return nil
	})

	g.Go(func() error {
		if e.reputation == nil {
			return nil
		}
		rec, ok, err := e.reputation.Get(ctx, ev.Creator)
		if err != nil || !ok {
			return nil
		}
		s.Reputation = &rec
		return nil
	})

	_ = g.Wait()
	return s
}

// runHeuristics dispatches every heuristic in parallel. A heuristic that
// misses the deadline contributes unknown.
func (e *Engine) runHeuristics(ctx context.Context, s *Subject) []heuristicResult {
	results := make([]heuristicResult, len(e.heuristics))
	var wg sync.WaitGroup

	for i, h := range e.heuristics {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan heuristicResult, 1)
			go func() {
				score, err := h.Fn(s)
				done <- heuristicResult{h: h, score: score, unknown: err != nil}
			}()
			select {
			case r := <-done:
				results[i] = r
			case <-ctx.Done():
				results[i] = heuristicResult{h: h, unknown: true}
				if e.metrics != nil {
					e.metrics.HeuristicTimeouts.WithLabelValues(h.Name).Inc()
				}
			}
		}()
	}
	wg.Wait()
	return results
}

// fuse folds heuristic results into bucket scores, the composite, the
// confidence interval and the ordered factor explanation.
func (e *Engine) fuse(mint types.MintAddress, results []heuristicResult) *types.ThreatReport {
	type bucketAcc struct {
		weighted float64
		weight   float64
	}
	acc := map[Bucket]*bucketAcc{
		BucketRisk:      {},
		BucketTechnical: {},
		BucketMarket:    {},
	}

	unknown := 0
	factors := make([]types.FactorContribution, 0, len(results))
	for _, r := range results {
		if r.unknown {
			unknown++
			continue
		}
		a := acc[r.h.Bucket]
		a.weighted += r.score * r.h.Weight
		a.weight += r.h.Weight
		factors = append(factors, types.FactorContribution{
			Bucket:       string(r.h.Bucket),
			Factor:       r.h.Name,
			Contribution: r.score * r.h.Weight,
		})
	}

	bucketScore := func(b Bucket) float64 {
		a := acc[b]
		if a.weight == 0 {
			return emptyBucketPrior
		}
		return a.weighted / a.weight
	}

	total := len(results)
	report := &types.ThreatReport{
		Mint:         mint,
		UnknownCount: unknown,
		TotalCount:   total,
		GeneratedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	if unknown == total {
		// A completely empty report is CRITICAL by policy.
		report.ScoreRisk, report.ScoreTechnical, report.ScoreMarket = 1, 1, 1
		report.Composite = 1
		report.RiskLevel = types.RiskCritical
		report.Confidence = types.ConfidenceInterval{Lower: 0, Upper: 1, Uncertainty: types.UncertaintyHigh}
		return report
	}

	report.ScoreRisk = bucketScore(BucketRisk)
	report.ScoreTechnical = bucketScore(BucketTechnical)
	report.ScoreMarket = bucketScore(BucketMarket)
	report.Composite = weightRisk*report.ScoreRisk +
		weightTechnical*report.ScoreTechnical +
		weightMarket*report.ScoreMarket
	report.RiskLevel = types.RiskLevelFor(report.Composite)

	// Interval width grows with missing evidence and with disagreement
	// across buckets.
	unknownFrac := float64(unknown) / float64(total)
	spread := maxOf(report.ScoreRisk, report.ScoreTechnical, report.ScoreMarket) -
		minOf(report.ScoreRisk, report.ScoreTechnical, report.ScoreMarket)
	width := 0.5*unknownFrac + 0.25*spread

	report.Confidence = types.ConfidenceInterval{
		Lower:       clamp01(report.Composite - width/2),
		Upper:       clamp01(report.Composite + width/2),
		Uncertainty: uncertaintyClass(unknownFrac),
	}

	sort.Slice(factors, func(i, j int) bool {
		return factors[i].Contribution > factors[j].Contribution
	})
	if len(factors) > topFactorCount {
		factors = factors[:topFactorCount]
	}
	report.TopFactors = factors
	return report
}

func uncertaintyClass(unknownFrac float64) types.UncertaintyClass {
	switch {
	case unknownFrac > 0.3:
		return types.UncertaintyHigh
	case unknownFrac >= 0.1:
		return types.UncertaintyMed
	default:
		return types.UncertaintyLow
	}
}

// emitAlerts pushes trend and criticality alerts without ever blocking the
// scoring path.
func (e *Engine) emitAlerts(mint types.MintAddress, report *types.ThreatReport) {
	trend, accel := e.trend.Observe(mint, report.Composite, report.GeneratedAt)

	if report.RiskLevel == types.RiskCritical {
		e.pushAlert(types.ThreatAlert{
			Mint:      mint,
			Severity:  types.AlertCritical,
			Composite: report.Composite,
			Trend:     trend,
			Message:   "composite crossed critical",
			At:        time.Now(),
		})
		return
	}
	if trend > 0.05 && accel > 0 {
		e.pushAlert(types.ThreatAlert{
			Mint:      mint,
			Severity:  types.AlertWarning,
			Composite: report.Composite,
			Trend:     trend,
			Message:   "risk rising and accelerating",
			At:        time.Now(),
		})
	}
}

func (e *Engine) pushAlert(a types.ThreatAlert) {
	select {
	case e.alerts <- a:
	default:
		e.logger.Warn("alert channel full, dropping",
			zap.String("mint", a.Mint.String()),
			zap.String("severity", string(a.Severity)),
		)
	}
}

// History exposes the retained composite scores for a mint.
func (e *Engine) History(mint types.MintAddress) []float64 {
	return e.trend.History(mint)
}

// ErrNoReport is returned by callers that require a cached report.
var ErrNoReport = errors.New("no threat report available")

func maxOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
