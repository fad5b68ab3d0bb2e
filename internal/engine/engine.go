// Package engine runs the decision pipeline: token events in, threat
// reports, aggregated intents, positions out.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/internal/threat"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Scorer is the threat engine's surface the pipeline drives.
type Scorer interface {
	Score(ctx context.Context, ev *types.TokenEvent, force bool) (*types.ThreatReport, error)
}

// Engine connects the fan-in stream to the threat engine, the combinator and
// the position manager. It is also the reputation store's writer: every
// observed launch, graduation and failed position flows into the creator's
// record here.
type Engine struct {
	logger     *zap.Logger
	events     <-chan types.TokenEvent
	threat     Scorer
	combinator *strategy.Combinator
	manager    *position.Manager
	reputation *threat.ReputationStore

	// lastEvent retains the originating event per mint so the exit advisor
	// and the rug attribution can recover the creator.
	mu        sync.RWMutex
	lastEvent map[types.MintAddress]types.TokenEvent
}

// New wires the pipeline and installs the exit advisor and failure hook on
// the manager. reputation may be nil when the store is unavailable.
func New(
	logger *zap.Logger,
	events <-chan types.TokenEvent,
	te Scorer,
	comb *strategy.Combinator,
	mgr *position.Manager,
	reputation *threat.ReputationStore,
) *Engine {
	e := &Engine{
		logger:     logger,
		events:     events,
		threat:     te,
		combinator: comb,
		manager:    mgr,
		reputation: reputation,
		lastEvent:  make(map[types.MintAddress]types.TokenEvent),
	}
	mgr.SetExitAdvisor(e.shouldExit)
	mgr.SetFailureHook(e.recordRug)
	return e
}

// Run consumes token events until ctx is cancelled or the stream closes.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev types.TokenEvent) {
	e.mu.Lock()
	e.lastEvent[ev.Mint] = ev
	e.mu.Unlock()

	e.recordCreator(ctx, &ev)

	report, err := e.threat.Score(ctx, &ev, false)
	if err != nil {
		e.logger.Warn("scoring failed",
			zap.String("mint", ev.Mint.String()),
			zap.Error(err),
		)
		return
	}

	intent := e.combinator.Decide(ctx, &ev, report)
	if intent == nil {
		return
	}

	// A pre-trade confirmation forces a fresh report before capital moves.
	if intent.Action == types.ActionBuy {
		fresh, err := e.threat.Score(ctx, &ev, true)
		if err == nil && (fresh.RiskLevel == types.RiskHigh || fresh.RiskLevel == types.RiskCritical) {
			e.logger.Info("pre-trade confirmation vetoed entry",
				zap.String("mint", ev.Mint.String()),
				zap.Float64("composite", fresh.Composite),
			)
			return
		}
	}

	if err := e.manager.Submit(*intent); err != nil {
		// Policy rejections are normal operation.
		e.logger.Debug("intent not accepted",
			zap.String("mint", ev.Mint.String()),
			zap.String("action", string(intent.Action)),
			zap.Error(err),
		)
	}
}

// recordCreator folds one observed token into its creator's record: a
// graduated-AMM sighting counts as a graduation, anything else as a launch.
func (e *Engine) recordCreator(ctx context.Context, ev *types.TokenEvent) {
	if e.reputation == nil {
		return
	}
	var err error
	if ev.Platform == types.PlatformGraduatedAMM {
		err = e.reputation.RecordGraduation(ctx, ev.Creator, ev.DiscoveredAt)
	} else {
		err = e.reputation.RecordLaunch(ctx, ev.Creator, ev.DiscoveredAt)
	}
	if err != nil {
		e.logger.Debug("reputation write failed",
			zap.String("creator", ev.Creator.String()),
			zap.Error(err),
		)
	}
}

// recordRug attributes a FAILED position to its creator. Invoked from the
// manager's failure hook off the position task.
func (e *Engine) recordRug(mint types.MintAddress) {
	if e.reputation == nil {
		return
	}
	e.mu.RLock()
	ev, ok := e.lastEvent[mint]
	e.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.reputation.RecordRug(ctx, ev.Creator, time.Now()); err != nil {
		e.logger.Debug("rug attribution failed",
			zap.String("creator", ev.Creator.String()),
			zap.Error(err),
		)
	}
}

// shouldExit consults the owning strategy for an open position.
func (e *Engine) shouldExit(pos *types.Position) bool {
	e.mu.RLock()
	ev, ok := e.lastEvent[pos.Mint]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return e.combinator.ShouldExit(pos, &ev, nil)
}
