// Package bank is the asset transfer primitive the engine pays out through.
// The engine only ever sends assets it already holds and burns forfeited
// penalty shares; deposits arrive with the lock call itself.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/energy-engine/internal/model"
)

var (
	// ErrInvalidRecipient is returned when sending to an empty address.
	ErrInvalidRecipient = errors.New("bank: invalid recipient")

	// ErrBalanceOverflow is returned when a credit would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("bank: balance overflow")
)

// Bank moves assets out of the engine.
type Bank interface {
	// Send transfers amount of asset to the given address.
	Send(ctx context.Context, asset model.Asset, amount *uint256.Int, to string) error

	// Burn destroys amount of asset held by the engine.
	Burn(ctx context.Context, asset model.Asset, amount *uint256.Int) error
}

// MemoryBank credits sends to in-memory balances and tallies burns. Used for
// testing and when the engine runs standalone.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[string]map[model.Asset]*uint256.Int
	burned   map[model.Asset]*uint256.Int
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[string]map[model.Asset]*uint256.Int),
		burned:   make(map[model.Asset]*uint256.Int),
	}
}

func (b *MemoryBank) Send(_ context.Context, asset model.Asset, amount *uint256.Int, to string) error {
	if to == "" {
		return ErrInvalidRecipient
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	held, ok := b.balances[to]
	if !ok {
		held = make(map[model.Asset]*uint256.Int)
		b.balances[to] = held
	}
	sum, err := add(held[asset], amount)
	if err != nil {
		return fmt.Errorf("%w: crediting %s", err, to)
	}
	held[asset] = sum
	return nil
}

func (b *MemoryBank) Burn(_ context.Context, asset model.Asset, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sum, err := add(b.burned[asset], amount)
	if err != nil {
		return fmt.Errorf("%w: burning", err)
	}
	b.burned[asset] = sum
	return nil
}

// Balance returns how much of asset has been sent to addr.
func (b *MemoryBank) Balance(addr string, asset model.Asset) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.balances[addr][asset]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Burned returns the total burned of asset.
func (b *MemoryBank) Burned(asset model.Asset) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.burned[asset]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func add(cur, amount *uint256.Int) (*uint256.Int, error) {
	if cur == nil {
		return amount.Clone(), nil
	}
	z, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return nil, fmt.Errorf("%w: adding %s to %s", ErrBalanceOverflow, amount.Dec(), cur.Dec())
	}
	return z, nil
}
