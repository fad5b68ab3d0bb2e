package position

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// CapitalPool tracks committed versus available capital. A single mutex is
// held only for the scalar debit/credit; the invariant
// available + committed == total, available >= 0 holds at all times.
type CapitalPool struct {
	mu        sync.Mutex
	total     decimal.Decimal
	available decimal.Decimal

	// onViolation fires when an accounting operation would break the
	// invariant. Wired to the emergency path.
	onViolation func(error)
}

// NewCapitalPool creates a pool holding total base units.
func NewCapitalPool(total decimal.Decimal) *CapitalPool {
	return &CapitalPool{total: total, available: total}
}

// SetViolationHandler wires the invariant-violation callback.
func (p *CapitalPool) SetViolationHandler(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onViolation = fn
}

// Debit commits capital for an entry. Fails when insufficient capital is
// available; that is a policy condition, not a violation.
func (p *CapitalPool) Debit(amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNegative() {
		return p.violate(fmt.Errorf("capital: negative debit %s", amount))
	}
	if amount.GreaterThan(p.available) {
		return fmt.Errorf("capital: insufficient available (%s < %s)", p.available, amount)
	}
	p.available = p.available.Sub(amount)
	return nil
}

// Credit releases committed capital on close or failure.
func (p *CapitalPool) Credit(amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNegative() {
		return p.violate(fmt.Errorf("capital: negative credit %s", amount))
	}
	next := p.available.Add(amount)
	if next.GreaterThan(p.total) {
		return p.violate(fmt.Errorf("capital: credit overflows pool (%s > %s)", next, p.total))
	}
	p.available = next
	return nil
}

// Settle applies realized P&L to the pool total and releases the committed
// amount in one critical section.
func (p *CapitalPool) Settle(committed, pnl decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = p.total.Add(pnl)
	next := p.available.Add(committed).Add(pnl)
	if next.IsNegative() {
		return p.violate(fmt.Errorf("capital: settle would go negative (%s)", next))
	}
	if next.GreaterThan(p.total) {
		next = p.total
	}
	p.available = next
	return nil
}

func (p *CapitalPool) violate(err error) error {
	if p.onViolation != nil {
		go p.onViolation(err)
	}
	return err
}

// Available returns uncommitted capital.
func (p *CapitalPool) Available() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Exposure returns committed capital.
func (p *CapitalPool) Exposure() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total.Sub(p.available)
}

// Total returns the pool size.
func (p *CapitalPool) Total() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
