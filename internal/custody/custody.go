// Package custody fronts the external collateral ledger. Every debit
// or credit is all-or-nothing: a failure leaves the counterparty
// balance untouched and the caller rolls back its own state.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the
	// owner's balance.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")

	// ErrUnavailable is returned while the remote ledger's circuit
	// breaker is open.
	ErrUnavailable = errors.New("custody: ledger unavailable")
)

// Ledger is the collateral custody interface. Implementations must
// commit each call atomically.
type Ledger interface {
	Debit(ctx context.Context, owner uuid.UUID, amount fixedpoint.FP) error
	Credit(ctx context.Context, owner uuid.UUID, amount fixedpoint.FP) error
	Balance(ctx context.Context, owner uuid.UUID) (fixedpoint.FP, error)
}

// Memory is an in-process Ledger used by tests and single-node
// deployments.
type Memory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]fixedpoint.FP
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[uuid.UUID]fixedpoint.FP)}
}

func (m *Memory) Debit(_ context.Context, owner uuid.UUID, amount fixedpoint.FP) error {
	if amount.IsNegative() {
		return fmt.Errorf("custody: debit amount %s must be non-negative", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[owner]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: owner %s has %s, needs %s", ErrInsufficientFunds, owner, bal, amount)
	}
	next, err := bal.Sub(amount)
	if err != nil {
		return err
	}
	m.balances[owner] = next
	return nil
}

func (m *Memory) Credit(_ context.Context, owner uuid.UUID, amount fixedpoint.FP) error {
	if amount.IsNegative() {
		return fmt.Errorf("custody: credit amount %s must be non-negative", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.balances[owner].Add(amount)
	if err != nil {
		return err
	}
	m.balances[owner] = next
	return nil
}

func (m *Memory) Balance(_ context.Context, owner uuid.UUID) (fixedpoint.FP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}
