package wallet

import (
	"context"
	"sync"
)

type appliedOp struct {
	newBalance float64
}

// Memory is an in-process Gateway used by tests and local development.
// A single mutex serializes all mutations, which trivially satisfies the
// per-user serialization guarantee; the applied map gives at-most-once
// semantics per idempotency key.
type Memory struct {
	mu       sync.Mutex
	balances map[string]float64
	applied  map[string]appliedOp

	// Remaining transient failures to inject before an operation is
	// allowed through. Tests use these to exercise retry paths.
	debitFailures  int
	creditFailures int
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]float64),
		applied:  make(map[string]appliedOp),
	}
}

// SetBalance seeds a user's balance.
func (m *Memory) SetBalance(userID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

// FailNextDebits makes the next n debit calls return ErrBusy.
func (m *Memory) FailNextDebits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debitFailures = n
}

// FailNextCredits makes the next n credit calls return ErrBusy.
func (m *Memory) FailNextCredits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditFailures = n
}

// AppliedCount reports how many distinct idempotency keys have been
// applied. Used by tests to assert at-most-once semantics.
func (m *Memory) AppliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func (m *Memory) Debit(ctx context.Context, userID string, amount float64, key string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if op, done := m.applied[key]; done {
		return op.newBalance, nil
	}
	if m.debitFailures > 0 {
		m.debitFailures--
		return 0, ErrBusy
	}
	balance, ok := m.balances[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if balance < amount {
		return balance, ErrInsufficientFunds
	}

	balance -= amount
	m.balances[userID] = balance
	m.applied[key] = appliedOp{newBalance: balance}
	return balance, nil
}

func (m *Memory) Credit(ctx context.Context, userID string, amount float64, key string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if op, done := m.applied[key]; done {
		return op.newBalance, nil
	}
	if m.creditFailures > 0 {
		m.creditFailures--
		return 0, ErrBusy
	}
	balance, ok := m.balances[userID]
	if !ok {
		return 0, ErrNotFound
	}

	balance += amount
	m.balances[userID] = balance
	m.applied[key] = appliedOp{newBalance: balance}
	return balance, nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return balance, nil
}
