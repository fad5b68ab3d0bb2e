package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrel-hq/kestrel/internal/events"
	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

type exitSignal struct {
	reason   types.ExitReason
	priority bool
}

// task serializes one mint's state machine. All position mutations happen on
// the task goroutine; snapshot() is the only cross-task read, behind mu.
type task struct {
	m      *Manager
	intent types.TradeIntent

	mu  sync.Mutex
	pos types.Position

	exitCh chan exitSignal

	// alertLimiter rate-caps the CRITICAL stuck-in-closing alert so network
	// incidents do not flood operators.
	alertLimiter *rate.Limiter
}

func newTask(m *Manager, intent types.TradeIntent) *task {
	t := &task{
		m:      m,
		intent: intent,
		exitCh: make(chan exitSignal, 4),
		pos: types.Position{
			Mint:             intent.Mint,
			StrategyTag:      intent.StrategyTag,
			CapitalCommitted: intent.SizeBase,
			State:            types.PositionOpening,
		},
		alertLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	return t
}

func (t *task) snapshot() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *task) update(fn func(p *types.Position)) types.Position {
	t.mu.Lock()
	fn(&t.pos)
	snap := t.pos
	t.mu.Unlock()
	return snap
}

func (t *task) signalExit(reason types.ExitReason, priority bool) {
	select {
	case t.exitCh <- exitSignal{reason: reason, priority: priority}:
	default:
		// An exit is already pending; the first signal wins.
	}
}

// run drives OPENING → OPEN → CLOSING → CLOSED / FAILED.
func (t *task) run(ctx context.Context) {
	fill, ok := t.open(ctx)
	if !ok {
		t.fail()
		return
	}

	snap := t.update(func(p *types.Position) {
		p.State = types.PositionOpen
		p.EntryPrice = fill.Price
		p.EntryTime = fill.At
		p.Quantity = fill.Quantity
		p.CurrentPrice = fill.Price
		p.TrailingHigh = fill.Price
		p.StopLossPrice = fill.Price.Mul(decimal.NewFromInt(1).Sub(t.m.cfg.StopLossPct))
		p.TakeProfitPrice = fill.Price.Mul(decimal.NewFromInt(1).Add(t.m.cfg.TakeProfitPct))
		p.MaxHoldDeadline = fill.At.Add(t.m.cfg.MaxHold)
	})
	t.m.publishState(snap)
	t.m.publishTrade(snap, types.ActionBuy, fill)

	sig, ok := t.monitor(ctx)
	if !ok {
		return // shutdown while open; position survives the process
	}

	t.close(ctx, sig)
}

// open submits the buy and awaits confirmation. A deadline without
// confirmation probes the chain before deciding: the transaction may have
// landed.
func (t *task) open(ctx context.Context) (*Fill, bool) {
	buyCtx, cancel := context.WithTimeout(ctx, t.m.cfg.FillDeadline)
	defer cancel()

	fill, err := t.m.trader.Buy(buyCtx, t.intent.Mint, t.intent.SizeBase, t.entrySlippage(), t.intent.Priority)
	if err == nil {
		return fill, true
	}

	kind := rpcpool.KindOf(err)
	if kind != rpcpool.KindTransientTransport && kind != rpcpool.KindStaleState &&
		!errors.Is(err, context.DeadlineExceeded) {
		t.m.logger.Warn("buy failed definitively",
			zap.String("mint", t.intent.Mint.String()),
			zap.Error(err),
		)
		return nil, false
	}

	// Unknown outcome: probe, then decide. Never silently hang.
	probeCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	fill, exists, probeErr := t.m.trader.Probe(probeCtx, t.intent.Mint)
	if probeErr != nil || !exists {
		return nil, false
	}
	return fill, true
}

func (t *task) entrySlippage() decimal.Decimal {
	if t.intent.SlippagePct.IsPositive() {
		return t.intent.SlippagePct
	}
	return t.m.cfg.BuySlippagePct
}

// monitor watches the open position until an exit trigger fires. It returns
// (signal, false) only on shutdown.
func (t *task) monitor(ctx context.Context) (exitSignal, bool) {
	interval := t.m.cfg.MonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	priceFailures := 0
	for {
		select {
		case <-ctx.Done():
			return exitSignal{}, false

		case sig := <-t.exitCh:
			// Emergency and manual exits pre-empt price triggers.
			return sig, true

		case <-ticker.C:
			price, err := t.fetchPrice(ctx)
			if err != nil {
				priceFailures++
				if priceFailures == 3 {
					// Push feed looks dead; fall back to the slower pull
					// cadence until it recovers.
					ticker.Reset(t.m.cfg.FallbackInterval)
				}
				continue
			}
			if priceFailures >= 3 {
				ticker.Reset(interval)
			}
			priceFailures = 0

			snap := t.update(func(p *types.Position) {
				p.CurrentPrice = price
				if price.GreaterThan(p.TrailingHigh) {
					p.TrailingHigh = price // monotonic high-water mark
				}
			})
			if t.m.prices != nil {
				t.m.prices.Record(snap.Mint, price, time.Now())
			}

			if reason, hit := t.evaluateTriggers(snap); hit {
				return exitSignal{reason: reason, priority: reason == types.ExitEmergency}, true
			}
		}
	}
}

func (t *task) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return t.m.trader.Price(pctx, t.intent.Mint)
}

// evaluateTriggers applies the exit triggers in their strict order; the
// first match wins. Emergency exits arrive on the signal channel instead.
func (t *task) evaluateTriggers(p types.Position) (types.ExitReason, bool) {
	one := decimal.NewFromInt(1)

	if p.CurrentPrice.LessThanOrEqual(p.StopLossPrice) {
		return types.ExitStopLoss, true
	}
	trailingFloor := p.TrailingHigh.Mul(one.Sub(t.m.cfg.TrailingPct))
	if p.CurrentPrice.LessThanOrEqual(trailingFloor) {
		return types.ExitTrailingStop, true
	}
	if p.CurrentPrice.GreaterThanOrEqual(p.TakeProfitPrice) {
		return types.ExitTakeProfit, true
	}
	if time.Now().After(p.MaxHoldDeadline) {
		return types.ExitMaxHold, true
	}
	if t.m.exitAdvisor != nil && t.m.exitAdvisor(&p) {
		return types.ExitStrategy, true
	}
	return "", false
}

// close submits the sell with escalating slippage and priority fee. After
// max_exit_retries it keeps retrying on exponential backoff forever — a
// position is never abandoned — while raising a rate-limited CRITICAL alert.
func (t *task) close(ctx context.Context, sig exitSignal) {
	snap := t.update(func(p *types.Position) { p.State = types.PositionClosing })
	t.m.publishState(snap)
	t.m.logger.Info("closing position",
		zap.String("mint", snap.Mint.String()),
		zap.String("reason", string(sig.reason)),
	)

	slippage := t.m.cfg.SellSlippagePct
	priority := sig.priority

	var fill *Fill
	for attempt := 0; attempt < t.m.cfg.MaxExitRetries; attempt++ {
		if attempt > 0 {
			slippage = t.escalate(slippage)
			priority = true
			if t.m.metrics != nil {
				t.m.metrics.ExitRetries.Inc()
			}
		}
		var err error
		fill, err = t.sellOnce(ctx, slippage, priority)
		if err == nil {
			t.finalize(sig.reason, fill)
			return
		}
		if ctx.Err() != nil {
			return // shutdown: stays CLOSING
		}
		t.m.logger.Warn("exit attempt failed",
			zap.String("mint", snap.Mint.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	// All bounded retries failed: alert and keep trying.
	t.raiseStuckAlert(snap)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry forever

	for ctx.Err() == nil {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
		slippage = t.escalate(slippage)
		if t.m.metrics != nil {
			t.m.metrics.ExitRetries.Inc()
		}
		fill, err := t.sellOnce(ctx, slippage, true)
		if err == nil {
			t.finalize(sig.reason, fill)
			return
		}
		t.raiseStuckAlert(snap)
	}
}

func (t *task) sellOnce(ctx context.Context, slippage decimal.Decimal, priority bool) (*Fill, error) {
	sctx, cancel := context.WithTimeout(ctx, t.m.cfg.FillDeadline)
	defer cancel()
	snap := t.snapshot()
	return t.m.trader.Sell(sctx, snap.Mint, snap.Quantity, slippage, priority)
}

// escalate doubles slippage tolerance up to the hard cap.
func (t *task) escalate(current decimal.Decimal) decimal.Decimal {
	next := current.Mul(decimal.NewFromInt(2))
	if next.GreaterThan(t.m.cfg.SlippageCapPct) {
		return t.m.cfg.SlippageCapPct
	}
	return next
}

func (t *task) raiseStuckAlert(p types.Position) {
	if !t.alertLimiter.Allow() {
		return
	}
	if t.m.bus != nil {
		t.m.bus.Publish(events.TypeAlert, types.ThreatAlert{
			Mint:     p.Mint,
			Severity: types.AlertCritical,
			Message:  "position stuck in closing, retrying with backoff",
			At:       time.Now(),
		})
	}
	t.m.logger.Error("position stuck in closing",
		zap.String("mint", p.Mint.String()),
	)
}

// finalize completes P&L accounting. This path runs to completion even when
// the surrounding context is cancelled.
func (t *task) finalize(reason types.ExitReason, fill *Fill) {
	snap := t.snapshot()
	pnl := fill.Price.Sub(snap.EntryPrice).Mul(snap.Quantity)

	snap = t.update(func(p *types.Position) {
		p.State = types.PositionClosed
		p.CurrentPrice = fill.Price
		p.RealizedPnL = pnl
	})

	if err := t.m.capital.Settle(snap.CapitalCommitted, pnl); err != nil {
		t.m.logger.Error("capital settle failed", zap.Error(err))
	}
	if t.m.stats != nil {
		t.m.stats.RecordClose(snap.StrategyTag, pnl, fill.At.Sub(snap.EntryTime))
	}

	t.m.publishState(snap)
	t.m.publishTrade(snap, types.ActionSell, fill)
	t.m.logger.Info("position closed",
		zap.String("mint", snap.Mint.String()),
		zap.String("reason", string(reason)),
		zap.String("pnl", pnl.String()),
	)
}

// fail marks the position FAILED, releases capital and blacklists the mint
// for the session window.
func (t *task) fail() {
	snap := t.update(func(p *types.Position) { p.State = types.PositionFailed })

	if err := t.m.capital.Credit(snap.CapitalCommitted); err != nil {
		t.m.logger.Error("capital release failed", zap.Error(err))
	}
	t.m.blacklist.Add(snap.Mint, t.m.cfg.BlacklistDuration)
	if t.m.metrics != nil {
		t.m.metrics.TradesExecuted.WithLabelValues(string(types.ActionBuy), "failed").Inc()
	}
	if t.m.failureHook != nil {
		go t.m.failureHook(snap.Mint)
	}

	t.m.publishState(snap)
	t.m.logger.Warn("position failed, mint blacklisted",
		zap.String("mint", snap.Mint.String()),
	)
}
