// Package position turns trade intents into confirmed on-chain positions,
// monitors them, triggers exits and tracks P&L. Each mint's lifecycle runs
// on its own task; across mints there is no shared lock except the capital
// pool's mutex.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/events"
	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Fill is a confirmed execution.
type Fill struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Signature string
	At        time.Time
}

// Trader is the execution surface the manager drives. Implemented by the
// transaction bundler.
type Trader interface {
	Buy(ctx context.Context, mint types.MintAddress, sizeBase, slippagePct decimal.Decimal, priority bool) (*Fill, error)
	Sell(ctx context.Context, mint types.MintAddress, quantity, slippagePct decimal.Decimal, priority bool) (*Fill, error)
	// Probe checks on-chain whether a holding exists after an unconfirmed
	// buy; the returned fill carries the observed quantity and price.
	Probe(ctx context.Context, mint types.MintAddress) (*Fill, bool, error)
	Price(ctx context.Context, mint types.MintAddress) (decimal.Decimal, error)
}

// StatsSink receives closed-trade results (the combinator's stats book).
type StatsSink interface {
	RecordClose(tag string, pnl decimal.Decimal, hold time.Duration)
}

// PriceSink receives monitored prices (the combinator's price book).
type PriceSink interface {
	Record(mint types.MintAddress, price decimal.Decimal, at time.Time)
}

// AdminState is the console's view of administrative flags.
type AdminState interface {
	EmergencyStopped() bool
	Paused() bool
}

// Manager owns every position task.
type Manager struct {
	logger    *zap.Logger
	cfg       types.PositionConfig
	metrics   *metrics.Metrics
	trader    Trader
	capital   *CapitalPool
	blacklist *Blacklist
	bus       *events.Bus

	admin       AdminState
	stats       StatsSink
	prices      PriceSink
	exitAdvisor func(pos *types.Position) bool
	failureHook func(mint types.MintAddress)

	mu    sync.Mutex
	tasks map[types.MintAddress]*task

	runCtx context.Context
	wg     sync.WaitGroup
}

// NewManager wires the lifecycle manager.
func NewManager(
	logger *zap.Logger,
	cfg types.PositionConfig,
	trader Trader,
	capital *CapitalPool,
	blacklist *Blacklist,
	bus *events.Bus,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		logger:    logger,
		cfg:       cfg,
		metrics:   m,
		trader:    trader,
		capital:   capital,
		blacklist: blacklist,
		bus:       bus,
		tasks:     make(map[types.MintAddress]*task),
	}
}

// SetAdminState wires the console's administrative flags.
func (m *Manager) SetAdminState(a AdminState) { m.admin = a }

// SetStatsSink wires per-strategy stats accounting.
func (m *Manager) SetStatsSink(s StatsSink) { m.stats = s }

// SetPriceSink wires the monitored-price feed.
func (m *Manager) SetPriceSink(p PriceSink) { m.prices = p }

// SetExitAdvisor wires the owning strategy's should_exit check.
func (m *Manager) SetExitAdvisor(fn func(pos *types.Position) bool) { m.exitAdvisor = fn }

// SetFailureHook wires a fire-and-forget callback invoked when a position
// reaches FAILED. The reputation layer uses it to attribute rugs.
func (m *Manager) SetFailureHook(fn func(mint types.MintAddress)) { m.failureHook = fn }

// Start consumes threat alerts until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, alerts <-chan types.ThreatAlert) {
	m.runCtx = ctx
	if alerts == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-alerts:
				if !ok {
					return
				}
				if a.Severity == types.AlertCritical {
					m.requestExit(a.Mint, types.ExitEmergency, true)
				}
			}
		}
	}()
}

// Wait blocks until every task has drained after cancellation.
func (m *Manager) Wait() { m.wg.Wait() }

// Submit routes one trade intent. Policy rejections (blacklist, emergency
// stop, duplicate position) are returned with a reason; they are normal
// operation.
func (m *Manager) Submit(intent types.TradeIntent) error {
	switch intent.Action {
	case types.ActionBuy:
		return m.submitBuy(intent)
	case types.ActionSell:
		return m.submitSell(intent)
	default:
		return fmt.Errorf("position: unsupported action %q", intent.Action)
	}
}

func (m *Manager) submitBuy(intent types.TradeIntent) error {
	if m.admin != nil && m.admin.EmergencyStopped() {
		return fmt.Errorf("policy: emergency stop active")
	}
	if m.admin != nil && m.admin.Paused() && !intent.Manual {
		return fmt.Errorf("policy: entries paused")
	}
	if m.blacklist.Contains(intent.Mint) {
		return fmt.Errorf("policy: mint blacklisted")
	}

	m.mu.Lock()
	if _, exists := m.tasks[intent.Mint]; exists {
		m.mu.Unlock()
		return fmt.Errorf("policy: position already open for mint")
	}

	if err := m.capital.Debit(intent.SizeBase); err != nil {
		m.mu.Unlock()
		return err
	}

	t := newTask(m, intent)
	m.tasks[intent.Mint] = t
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PositionsOpen.Inc()
		m.metrics.CapitalAvailable.Set(toFloat(m.capital.Available()))
	}

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.run(ctx)
		m.finish(t)
	}()
	return nil
}

func (m *Manager) submitSell(intent types.TradeIntent) error {
	reason := types.ExitManual
	if !intent.Manual {
		reason = types.ExitStrategy
	}
	if !m.requestExit(intent.Mint, reason, intent.Priority) {
		return fmt.Errorf("policy: no open position for mint")
	}
	return nil
}

// requestExit signals a task; returns false when no task owns the mint.
func (m *Manager) requestExit(mint types.MintAddress, reason types.ExitReason, priority bool) bool {
	m.mu.Lock()
	t, ok := m.tasks[mint]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.signalExit(reason, priority)
	return true
}

// EmergencyStopAll forces every live position into CLOSING with maximum
// priority. Idempotent: tasks already closing ignore the repeat signal.
func (m *Manager) EmergencyStopAll() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.signalExit(types.ExitEmergency, true)
	}
	m.logger.Warn("emergency stop: all positions forced to closing",
		zap.Int("positions", len(tasks)),
	)
}

// ClosePosition routes a console CLOSE_POSITION command.
func (m *Manager) ClosePosition(mint types.MintAddress) error {
	if !m.requestExit(mint, types.ExitEmergency, true) {
		return fmt.Errorf("policy: no open position for mint")
	}
	return nil
}

// finish removes a terminal task.
func (m *Manager) finish(t *task) {
	m.mu.Lock()
	delete(m.tasks, t.pos.Mint)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.PositionsOpen.Dec()
		m.metrics.CapitalAvailable.Set(toFloat(m.capital.Available()))
	}
}

// Positions snapshots every live position.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Capital exposes the pool for the status surface.
func (m *Manager) Capital() *CapitalPool { return m.capital }

func (m *Manager) publishState(pos types.Position) {
	if m.bus != nil {
		m.bus.Publish(events.TypeStateChange, pos)
	}
}

func (m *Manager) publishTrade(pos types.Position, action types.SignalAction, fill *Fill) {
	if m.bus != nil {
		m.bus.Publish(events.TypeTrade, map[string]any{
			"mint":      pos.Mint,
			"action":    action,
			"price":     fill.Price,
			"quantity":  fill.Quantity,
			"signature": fill.Signature,
			"strategy":  pos.StrategyTag,
		})
	}
	if m.metrics != nil {
		m.metrics.TradesExecuted.WithLabelValues(string(action), "filled").Inc()
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
