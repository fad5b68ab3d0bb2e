package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCapitalConservation(t *testing.T) {
	pool := NewCapitalPool(decimal.NewFromInt(10))

	if err := pool.Debit(decimal.NewFromInt(3)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := pool.Debit(decimal.NewFromInt(2)); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	// available + committed == total.
	if sum := pool.Available().Add(pool.Exposure()); !sum.Equal(pool.Total()) {
		t.Errorf("conservation broken: %s + %s != %s", pool.Available(), pool.Exposure(), pool.Total())
	}

	if err := pool.Credit(decimal.NewFromInt(2)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !pool.Available().Equal(decimal.NewFromInt(7)) {
		t.Errorf("available = %s, want 7", pool.Available())
	}
}

func TestDebitInsufficientIsPolicyNotViolation(t *testing.T) {
	pool := NewCapitalPool(decimal.NewFromInt(1))

	violated := make(chan error, 1)
	pool.SetViolationHandler(func(err error) { violated <- err })

	if err := pool.Debit(decimal.NewFromInt(5)); err == nil {
		t.Fatal("expected insufficient-capital error")
	}
	select {
	case <-violated:
		t.Error("insufficient capital must not count as an invariant violation")
	case <-time.After(50 * time.Millisecond):
	}

	if !pool.Available().Equal(decimal.NewFromInt(1)) {
		t.Errorf("failed debit must not move capital, available = %s", pool.Available())
	}
}

func TestCreditOverflowViolates(t *testing.T) {
	pool := NewCapitalPool(decimal.NewFromInt(1))

	violated := make(chan error, 1)
	pool.SetViolationHandler(func(err error) { violated <- err })

	if err := pool.Credit(decimal.NewFromInt(5)); err == nil {
		t.Fatal("expected overflow error")
	}
	select {
	case <-violated:
	case <-time.After(time.Second):
		t.Error("violation handler never fired")
	}
}

func TestSettleAppliesPnL(t *testing.T) {
	pool := NewCapitalPool(decimal.NewFromInt(10))
	if err := pool.Debit(decimal.NewFromInt(2)); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	if err := pool.Settle(decimal.NewFromInt(2), decimal.NewFromFloat(0.5)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !pool.Total().Equal(decimal.NewFromFloat(10.5)) {
		t.Errorf("total = %s, want 10.5", pool.Total())
	}
	if !pool.Available().Equal(decimal.NewFromFloat(10.5)) {
		t.Errorf("available = %s, want 10.5", pool.Available())
	}
}

func TestBlacklistExpiry(t *testing.T) {
	b := NewBlacklist()
	mint := mintN(1)

	b.Add(mint, 20*time.Millisecond)
	if !b.Contains(mint) {
		t.Fatal("mint should be blacklisted")
	}
	time.Sleep(30 * time.Millisecond)
	if b.Contains(mint) {
		t.Error("blacklist entry should expire")
	}
}
