// Package override implements the manual-override console. Commands arrive
// on a single bounded channel and are applied in arrival order on the
// control task, giving administrative state changes a total order.
package override

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/events"
	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// CommandType enumerates the override commands.
type CommandType string

const (
	CmdEmergencyStop    CommandType = "emergency_stop"
	CmdPause            CommandType = "pause"
	CmdResume           CommandType = "resume"
	CmdReset            CommandType = "reset"
	CmdManualBuy        CommandType = "manual_buy"
	CmdManualSell       CommandType = "manual_sell"
	CmdClosePosition    CommandType = "close_position"
	CmdStrategyOverride CommandType = "strategy_override"
	CmdStrategyReset    CommandType = "strategy_reset"
)

// Command is one console instruction.
type Command struct {
	Type     CommandType
	Mint     types.MintAddress
	Size     decimal.Decimal
	Slippage decimal.Decimal
	Params   map[string]types.StrategyParams

	reply chan error
}

// Callbacks are fire-and-forget observer hooks. Observer failures are
// logged, never propagated.
type Callbacks struct {
	OnStateChange   func(state string)
	OnEmergencyStop func()
	OnTradeExecuted func(intent types.TradeIntent)
}

// Console accepts out-of-band commands that pre-empt automated behavior.
type Console struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	cmds chan Command

	emergency atomic.Bool
	paused    atomic.Bool

	registry *strategy.Registry
	manager  *position.Manager
	bus      *events.Bus

	mu        sync.RWMutex
	callbacks Callbacks

	defaultBuySize decimal.Decimal
}

// NewConsole wires the console to the combinator's registry and the position
// manager.
func NewConsole(
	logger *zap.Logger,
	registry *strategy.Registry,
	manager *position.Manager,
	bus *events.Bus,
	defaultBuySize decimal.Decimal,
	m *metrics.Metrics,
) *Console {
	return &Console{
		logger:         logger,
		metrics:        m,
		cmds:           make(chan Command, 64),
		registry:       registry,
		manager:        manager,
		bus:            bus,
		defaultBuySize: defaultBuySize,
	}
}

// SetCallbacks registers the observer hooks.
func (c *Console) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cb
}

// EmergencyStopped reports the global entry-blocking flag.
func (c *Console) EmergencyStopped() bool { return c.emergency.Load() }

// Paused reports whether automated entries are paused.
func (c *Console) Paused() bool { return c.paused.Load() }

// EntriesBlocked implements the combinator's entry gate.
func (c *Console) EntriesBlocked() bool { return c.emergency.Load() || c.paused.Load() }

// Run applies commands in arrival order until ctx is cancelled.
func (c *Console) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			err := c.apply(cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// Submit enqueues a command without blocking. A full channel yields a
// capacity error, the 429-equivalent for the caller.
func (c *Console) Submit(cmd Command) error {
	select {
	case c.cmds <- cmd:
		return nil
	default:
		if c.metrics != nil {
			c.metrics.CommandsRejected.Inc()
		}
		return fmt.Errorf("capacity: override channel full")
	}
}

// Execute enqueues a command and waits for it to be applied.
func (c *Console) Execute(cmd Command) error {
	cmd.reply = make(chan error, 1)
	if err := c.Submit(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("override command timed out")
	}
}

func (c *Console) apply(cmd Command) error {
	switch cmd.Type {
	case CmdEmergencyStop:
		// Idempotent: a repeated stop is a no-op.
		if !c.emergency.Swap(true) {
			c.manager.EmergencyStopAll()
			c.fireEmergencyStop()
		}
		c.announce("emergency_stop")
		return nil

	case CmdPause:
		c.paused.Store(true)
		c.announce("paused")
		return nil

	case CmdResume:
		c.paused.Store(false)
		c.announce("running")
		return nil

	case CmdReset:
		// The only way out of an emergency stop is an explicit reset.
		c.emergency.Store(false)
		c.paused.Store(false)
		c.announce("running")
		return nil

	case CmdManualBuy:
		size := cmd.Size
		if !size.IsPositive() {
			size = c.defaultBuySize
		}
		intent := types.TradeIntent{
			ID:          uuid.NewString(),
			Mint:        cmd.Mint,
			Action:      types.ActionBuy,
			SizeBase:    size,
			SlippagePct: cmd.Slippage,
			StrategyTag: "manual",
			Reason:      "console manual buy",
			Manual:      true,
			CreatedAt:   time.Now(),
		}
		if err := c.manager.Submit(intent); err != nil {
			return err
		}
		c.fireTrade(intent)
		return nil

	case CmdManualSell:
		intent := types.TradeIntent{
			ID:          uuid.NewString(),
			Mint:        cmd.Mint,
			Action:      types.ActionSell,
			SlippagePct: cmd.Slippage,
			StrategyTag: "manual",
			Reason:      "console manual sell",
			Manual:      true,
			Priority:    true,
			CreatedAt:   time.Now(),
		}
		if err := c.manager.Submit(intent); err != nil {
			return err
		}
		c.fireTrade(intent)
		return nil

	case CmdClosePosition:
		return c.manager.ClosePosition(cmd.Mint)

	case CmdStrategyOverride:
		c.registry.Override(cmd.Params)
		c.announce("strategy_override")
		return nil

	case CmdStrategyReset:
		c.registry.Reset()
		c.announce("strategy_reset")
		return nil

	default:
		return fmt.Errorf("unknown override command %q", cmd.Type)
	}
}

// State returns the administrative state string for the status surface.
func (c *Console) State() string {
	switch {
	case c.emergency.Load():
		return "emergency_stop"
	case c.paused.Load():
		return "paused"
	default:
		return "running"
	}
}

func (c *Console) announce(state string) {
	if c.bus != nil {
		c.bus.Publish(events.TypeOverride, map[string]string{"state": state})
	}
	c.mu.RLock()
	cb := c.callbacks.OnStateChange
	c.mu.RUnlock()
	if cb != nil {
		go c.safely(func() { cb(state) })
	}
}

func (c *Console) fireEmergencyStop() {
	c.mu.RLock()
	cb := c.callbacks.OnEmergencyStop
	c.mu.RUnlock()
	if cb != nil {
		go c.safely(cb)
	}
}

func (c *Console) fireTrade(intent types.TradeIntent) {
	c.mu.RLock()
	cb := c.callbacks.OnTradeExecuted
	c.mu.RUnlock()
	if cb != nil {
		go c.safely(func() { cb(intent) })
	}
}

func (c *Console) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("override observer panic", zap.Any("panic", r))
		}
	}()
	fn()
}
