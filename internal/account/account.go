// Package account defines the balance collaborator the executor debits and
// credits. The real account system lives outside this engine; Memory is the
// in-process implementation used by tests and single-node deployments.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available
	// balance.
	ErrInsufficientFunds = errors.New("account: insufficient funds")

	// ErrNonPositiveAmount is returned for zero or negative debit/credit
	// amounts.
	ErrNonPositiveAmount = errors.New("account: amount must be positive")
)

// Receipt records one balance movement.
type Receipt struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service is the external balance collaborator.
type Service interface {
	// AvailableBalance returns the owner's spendable balance.
	AvailableBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)

	// Debit removes amount from the owner's balance.
	Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason string) (*Receipt, error)

	// Credit adds amount to the owner's balance.
	Credit(ctx context.Context, ownerID string, amount decimal.Decimal, reason string) (*Receipt, error)
}

// Memory implements Service with an in-memory balance map.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemory creates an empty in-memory account service.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]decimal.Decimal)}
}

// Deposit seeds an owner's balance.
func (m *Memory) Deposit(ownerID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerID] = m.balances[ownerID].Add(amount)
}

func (m *Memory) AvailableBalance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[ownerID], nil
}

func (m *Memory) Debit(_ context.Context, ownerID string, amount decimal.Decimal, reason string) (*Receipt, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositiveAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.balances[ownerID]
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, balance, amount)
	}
	m.balances[ownerID] = balance.Sub(amount)

	return &Receipt{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Amount:    amount.Neg(),
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *Memory) Credit(_ context.Context, ownerID string, amount decimal.Decimal, reason string) (*Receipt, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositiveAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerID] = m.balances[ownerID].Add(amount)

	return &Receipt{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}, nil
}
