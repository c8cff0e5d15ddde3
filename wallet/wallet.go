// Package wallet defines the collaborator that settles the part of a charge
// entitlements did not cover.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/credyt/billing/types"
)

var ErrInsufficientFunds = errors.New("billing: insufficient funds")

// Wallet debits and credits customer balances. ref identifies the billed
// event so implementations can deduplicate retries.
type Wallet interface {
	Debit(ctx context.Context, customerID string, amount types.Money, ref string) error
	Credit(ctx context.Context, customerID string, amount types.Money, ref string) error
}

// Memory is an in-process Wallet. It rejects debits that would take a
// balance below zero unless overdraft is allowed.
type Memory struct {
	mu        sync.Mutex
	balances  map[string]types.Money
	overdraft bool
}

// NewMemory creates an empty in-process wallet.
func NewMemory(allowOverdraft bool) *Memory {
	return &Memory{
		balances:  make(map[string]types.Money),
		overdraft: allowOverdraft,
	}
}

func key(customerID, asset string) string { return customerID + "/" + asset }

// Debit implements Wallet.
func (m *Memory) Debit(_ context.Context, customerID string, amount types.Money, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(customerID, amount.Asset)
	bal, ok := m.balances[k]
	if !ok {
		bal = types.Zero(amount.Asset)
	}
	next := bal.Subtract(amount)
	if next.IsNegative() && !m.overdraft {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, customerID, bal, amount)
	}
	m.balances[k] = next
	return nil
}

// Credit implements Wallet.
func (m *Memory) Credit(_ context.Context, customerID string, amount types.Money, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(customerID, amount.Asset)
	bal, ok := m.balances[k]
	if !ok {
		bal = types.Zero(amount.Asset)
	}
	m.balances[k] = bal.Add(amount)
	return nil
}

// Balance returns the customer's balance in asset.
func (m *Memory) Balance(customerID, asset string) types.Money {
	asset = types.NormalizeAsset(asset)
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[key(customerID, asset)]; ok {
		return bal
	}
	return types.Zero(asset)
}
