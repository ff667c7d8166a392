// Package store defines the persistence interface for the energy engine: an
// append-only journal of committed operations plus the history of weekly fee
// flushes. Implementations include PostgreSQL, SQLite (embedded), Redis
// (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/model"
)

// ErrDuplicate is returned when an operation with the same sequence number or
// id is already recorded.
var ErrDuplicate = errors.New("store: duplicate record")

// Store is the persistence interface. The operation journal is the source of
// truth: engine state is rebuilt by replaying it in sequence order.
type Store interface {
	// --- Operation journal ---

	// InsertOperation appends an immutable operation record.
	InsertOperation(ctx context.Context, op *model.Operation) error

	// ListOperations returns every operation ordered by sequence number.
	ListOperations(ctx context.Context) ([]model.Operation, error)

	// ListOperationsByUser returns the operations a user initiated or
	// received, ordered by sequence number.
	ListOperationsByUser(ctx context.Context, user string) ([]model.Operation, error)

	// --- Fee flushes ---

	// InsertFeeFlush records a bucket handed to the fee collector.
	InsertFeeFlush(ctx context.Context, flush *model.FeeFlush) error

	// ListFeeFlushes returns every recorded flush, oldest first.
	ListFeeFlushes(ctx context.Context) ([]model.FeeFlush, error)
}

// amountText encodes an amount for NUMERIC/TEXT columns. nil encodes as "0".
func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// opColumns is the shared column order of the operations table, minus the
// timestamp, whose representation differs per backend.
const opColumns = `id, seq, kind, user_addr, recipient, position_id, token, token_nonce,
	amount, lock_epochs, epoch, result_position_id, penalty, released, energy_delta`

// opRow holds one scanned operations row with its numeric columns as text.
type opRow struct {
	op                                     model.Operation
	amount, penalty, released, energyDelta string
}

func (r *opRow) dest() []interface{} {
	return []interface{}{
		&r.op.ID, &r.op.Seq, &r.op.Kind, &r.op.User, &r.op.Recipient, &r.op.PositionID,
		&r.op.Asset.Token, &r.op.Asset.Nonce,
		&r.amount, &r.op.LockEpochs, &r.op.Epoch, &r.op.ResultPositionID,
		&r.penalty, &r.released, &r.energyDelta,
	}
}

func (r *opRow) decode() (model.Operation, error) {
	op := r.op
	var err error
	if op.Amount, err = parseAmount(r.amount); err != nil {
		return op, err
	}
	if op.Penalty, err = parseAmount(r.penalty); err != nil {
		return op, err
	}
	if op.Released, err = parseAmount(r.released); err != nil {
		return op, err
	}
	if op.EnergyDelta, err = decimal.NewFromString(r.energyDelta); err != nil {
		return op, fmt.Errorf("parse energy delta %q: %w", r.energyDelta, err)
	}
	return op, nil
}

// opArgs returns the insert arguments in opColumns order. Counters are bound
// as int64, the widest integer both drivers accept.
func opArgs(op *model.Operation) []interface{} {
	return []interface{}{
		op.ID, int64(op.Seq), op.Kind, op.User, op.Recipient, int64(op.PositionID),
		op.Asset.Token, int64(op.Asset.Nonce),
		amountText(op.Amount), int64(op.LockEpochs), int64(op.Epoch), int64(op.ResultPositionID),
		amountText(op.Penalty), amountText(op.Released), op.EnergyDelta.String(),
	}
}

// flushArgs returns the fee_flushes insert arguments, timestamp excluded.
func flushArgs(f *model.FeeFlush) []interface{} {
	return []interface{}{
		f.ID, f.Token, int64(f.TokenNonce), int64(f.UnlockEpoch), int64(f.WeekID),
		amountText(f.Amount), int64(f.Epoch),
	}
}

// rowScanner is satisfied by both pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}
