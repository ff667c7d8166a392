package engine

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/model"
)

// Energy returns the user's energy at the current epoch. It never changes
// the stored entry.
func (e *Engine) Energy(user string) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.energy.View(user, e.clock.CurrentEpoch(), e.positions.ByOwner(user))
}

// EnergyEntry returns the stored entry as of its last update.
func (e *Engine) EnergyEntry(user string) (model.EnergyEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.energy.Entry(user)
}

// Positions returns the user's live positions ordered by id.
func (e *Engine) Positions(user string) []model.LockPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.ByOwner(user)
}

// Position returns one position by id.
func (e *Engine) Position(id uint64) (model.LockPosition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.Read(id)
}

// PenaltyAmount quotes the penalty on amount for shortening the remaining lock
// time from prevRemaining to newRemaining epochs (0 for a full exit).
func (e *Engine) PenaltyAmount(amount *uint256.Int, prevRemaining, newRemaining uint64) *uint256.Int {
	return e.calc.PenaltyAmount(amount, prevRemaining, newRemaining)
}

// PenaltyBps is the rate PenaltyAmount applies, in basis points.
func (e *Engine) PenaltyBps(prevRemaining, newRemaining uint64) uint64 {
	return e.calc.ReductionBps(prevRemaining, newRemaining)
}

// LockOptions returns the configured option table, shortest first.
func (e *Engine) LockOptions() []model.LockOption {
	return e.calc.Options()
}

// PendingFees returns the open weekly fee buckets.
func (e *Engine) PendingFees() []model.PendingFee {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees.Pending()
}

// Unbonding returns the user's unbonding records, earliest first.
func (e *Engine) Unbonding(user string) []model.UnbondingRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unbonding.Pending(user)
}

// TotalLocked returns the sum of every live position.
func (e *Engine) TotalLocked() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.TotalLocked()
}

// Paused reports whether user operations are rejected.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// CurrentEpoch returns the clock's epoch.
func (e *Engine) CurrentEpoch() uint64 {
	return e.clock.CurrentEpoch()
}

// History returns the journaled operations a user initiated or received.
func (e *Engine) History(ctx context.Context, user string) ([]model.Operation, error) {
	return e.journal.ListOperationsByUser(ctx, user)
}

// FeeFlushes returns every recorded weekly fee flush.
func (e *Engine) FeeFlushes(ctx context.Context) ([]model.FeeFlush, error) {
	return e.journal.ListFeeFlushes(ctx)
}
