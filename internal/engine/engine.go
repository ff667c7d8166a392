// Package engine is the lock engine: it composes the position store, the
// energy ledger, the penalty calculator and the weekly fee batcher behind the
// public lock operations.
//
// Every operation runs in three phases under one mutex:
//
//  1. plan: preconditions are checked and the outcome (penalty, released
//     amount, energy delta, resulting position) is computed without touching
//     any state. A failure here leaves everything unchanged.
//  2. commit: the operation is appended to the journal, then applied to the
//     in-memory state. Applying cannot fail.
//  3. settle: payouts, burns and fee notifications are sent. A settlement
//     failure is reported but does not undo the committed operation.
//
// Replay re-runs phases 1 and 2 for every journaled operation, which rebuilds
// the exact state the engine had before a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/bank"
	"github.com/atmx/energy-engine/internal/energy"
	"github.com/atmx/energy-engine/internal/epoch"
	"github.com/atmx/energy-engine/internal/fees"
	"github.com/atmx/energy-engine/internal/metrics"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/penalty"
	"github.com/atmx/energy-engine/internal/position"
	"github.com/atmx/energy-engine/internal/store"
	"github.com/atmx/energy-engine/internal/unbond"
)

var (
	// ErrNotYetMature is returned when unlocking before the unlock epoch.
	ErrNotYetMature = errors.New("engine: position not yet mature")

	// ErrPaused is returned for user operations while the engine is paused.
	ErrPaused = errors.New("engine: operations are paused")

	// ErrInvalidAmount is returned for a zero or missing lock amount, and for
	// amounts whose merge into a position, fee bucket or claim would overflow.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrNotOwner is returned when the caller does not own the position.
	ErrNotOwner = errors.New("engine: caller does not own the position")

	// ErrNothingToClaim is returned when no unbonding record has matured.
	ErrNothingToClaim = errors.New("engine: nothing to claim")

	// ErrInvalidRecipient is returned for a transfer to nobody or to oneself.
	ErrInvalidRecipient = errors.New("engine: invalid transfer recipient")

	// ErrSettlement wraps payout and notification failures of an operation
	// that has already committed.
	ErrSettlement = errors.New("engine: settlement failed")

	// ErrReplayDiverged is returned when a replayed operation produces a
	// different outcome than the one journaled.
	ErrReplayDiverged = errors.New("engine: replay diverged from journal")

	// ErrNotFresh is returned when replaying into an engine that already
	// holds state.
	ErrNotFresh = errors.New("engine: replay requires a fresh engine")

	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("engine: invalid configuration")
)

// Config is the read-only configuration surface of the engine.
type Config struct {
	Asset             model.Asset
	Options           []model.LockOption
	Schedule          epoch.Schedule
	UnbondEpochs      uint64 // delay before early-exit proceeds can be claimed
	UnlockDelayEpochs uint64 // delay before matured unlocks can be claimed; 0 pays out at once
	FeesBurnBps       uint64 // share of every penalty burned instead of batched
}

// Validate checks everything except the option table, which NewCalculator
// validates.
func (c Config) Validate() error {
	if c.Asset.Token == "" {
		return fmt.Errorf("%w: lockable token is required", ErrInvalidConfig)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.FeesBurnBps > penalty.MaxBps {
		return fmt.Errorf("%w: burn share %d bps exceeds %d", ErrInvalidConfig, c.FeesBurnBps, penalty.MaxBps)
	}
	return nil
}

// Engine serializes every operation with a mutex (single instance). For
// horizontal scaling the journal would need a distributed sequencer.
type Engine struct {
	mu sync.RWMutex

	cfg       Config
	calc      *penalty.Calculator
	positions *position.Store
	energy    *energy.Ledger
	fees      *fees.Batcher
	unbonding *unbond.Queue

	journal   store.Store
	bank      bank.Bank
	collector fees.Collector
	clock     epoch.Clock

	paused    bool
	seq       uint64
	lastEpoch uint64
	observers []func(model.Operation)
}

// New creates an engine with empty state. Call Replay before serving traffic
// to restore state from the journal.
func New(cfg Config, journal store.Store, bk bank.Bank, collector fees.Collector, clock epoch.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calc, err := penalty.NewCalculator(cfg.Options)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		calc:      calc,
		positions: position.NewStore(cfg.Asset),
		energy:    energy.NewLedger(),
		fees:      fees.NewBatcher(),
		unbonding: unbond.NewQueue(),
		journal:   journal,
		bank:      bk,
		collector: collector,
		clock:     clock,
	}, nil
}

// OnCommit registers fn to be called with every committed operation. Calls
// happen with the engine locked; fn must not call back into the engine.
func (e *Engine) OnCommit(fn func(model.Operation)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// payout is one asset transfer owed by a committed operation.
type payout struct {
	to     string
	asset  model.Asset
	amount *uint256.Int
}

// plan is the validated, not yet applied, form of an operation.
type plan struct {
	apply func() []model.PendingFee // mutates state; returns flushed fee buckets
	sends []payout
	burn  *uint256.Int
}

// submit stamps a new operation and runs it.
func (e *Engine) submit(ctx context.Context, op model.Operation) (model.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, _, err := e.run(ctx, op)
	return op, err
}

// run executes a live operation. The caller holds e.mu.
func (e *Engine) run(ctx context.Context, op model.Operation) (model.Operation, []model.PendingFee, error) {
	start := time.Now()
	op.ID = uuid.New().String()
	op.Epoch = e.clock.CurrentEpoch()
	op.Timestamp = start.UTC()

	flushed, err := e.execute(ctx, &op, true)
	metrics.OperationLatency.WithLabelValues(op.Kind).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrSettlement) {
		metrics.OperationsTotal.WithLabelValues(op.Kind, "rejected").Inc()
		slog.Debug("operation rejected", "op", op.Kind, "user", op.User, "err", err)
		return model.Operation{}, nil, err
	}

	metrics.OperationsTotal.WithLabelValues(op.Kind, "committed").Inc()
	if !isZero(op.Penalty) {
		metrics.PenaltiesTotal.WithLabelValues(op.Kind).Add(toFloat(op.Penalty))
	}
	slog.Info("operation committed",
		"op", op.Kind,
		"seq", op.Seq,
		"user", op.User,
		"position_id", op.PositionID,
		"result_position_id", op.ResultPositionID,
		"amount", amountString(op.Amount),
		"penalty", amountString(op.Penalty),
		"released", amountString(op.Released),
		"energy_delta", op.EnergyDelta.String(),
		"epoch", op.Epoch,
	)
	for _, fn := range e.observers {
		fn(op)
	}
	return op, flushed, err
}

// execute validates, journals (when live), applies and settles (when live)
// one operation. The caller holds e.mu.
func (e *Engine) execute(ctx context.Context, op *model.Operation, live bool) ([]model.PendingFee, error) {
	if op.Epoch < e.lastEpoch {
		return nil, fmt.Errorf("%w: operation at %d after %d", energy.ErrEpochRegression, op.Epoch, e.lastEpoch)
	}
	if e.paused && userOperation(op.Kind) {
		return nil, ErrPaused
	}
	p, err := e.plan(op)
	if err != nil {
		return nil, err
	}

	if live {
		op.Seq = e.seq + 1
		if err := e.journal.InsertOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("engine: journal %s: %w", op.Kind, err)
		}
	}
	e.seq = op.Seq
	e.lastEpoch = op.Epoch
	flushed := p.apply()
	metrics.LockedPositions.Set(float64(e.positions.Len()))
	metrics.PendingFeeBuckets.Set(float64(e.fees.Len()))

	if !live {
		return flushed, nil
	}
	return flushed, e.settle(ctx, op, p, flushed)
}

func (e *Engine) settle(ctx context.Context, op *model.Operation, p *plan, flushed []model.PendingFee) error {
	var errs []error
	if !isZero(p.burn) {
		if err := e.bank.Burn(ctx, op.Asset, p.burn); err != nil {
			errs = append(errs, fmt.Errorf("burn %s: %w", p.burn.Dec(), err))
		}
	}
	for _, s := range p.sends {
		if err := e.bank.Send(ctx, s.asset, s.amount, s.to); err != nil {
			errs = append(errs, fmt.Errorf("send %s to %s: %w", s.amount.Dec(), s.to, err))
		}
	}
	for _, f := range flushed {
		if err := e.flush(ctx, op, f); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	metrics.SettlementFailures.Inc()
	err := errors.Join(errs...)
	slog.Error("settlement failed", "op", op.Kind, "seq", op.Seq, "user", op.User, "err", err)
	return fmt.Errorf("%w: %v", ErrSettlement, err)
}

func (e *Engine) flush(ctx context.Context, op *model.Operation, f model.PendingFee) error {
	asset := model.Asset{Token: f.Key.Token, Nonce: f.Key.TokenNonce}
	if err := e.collector.NotifyFees(ctx, asset, f.AccumulatedAmount, f.Key.UnlockEpoch); err != nil {
		return fmt.Errorf("notify fees for week %d: %w", f.WeekID, err)
	}
	record := model.FeeFlush{
		ID:          uuid.New().String(),
		Token:       f.Key.Token,
		TokenNonce:  f.Key.TokenNonce,
		UnlockEpoch: f.Key.UnlockEpoch,
		WeekID:      f.WeekID,
		Amount:      f.AccumulatedAmount,
		Epoch:       op.Epoch,
		Timestamp:   op.Timestamp,
	}
	if err := e.journal.InsertFeeFlush(ctx, &record); err != nil {
		return fmt.Errorf("record fee flush: %w", err)
	}
	metrics.FeeFlushes.Inc()
	metrics.FeesFlushedTotal.Add(toFloat(f.AccumulatedAmount))
	slog.Info("weekly fees flushed",
		"token", f.Key.Token,
		"unlock_epoch", f.Key.UnlockEpoch,
		"week", f.WeekID,
		"amount", f.AccumulatedAmount.Dec(),
	)
	return nil
}

// Replay rebuilds state from the journal without sending anything. It must
// be called on a fresh engine, before any live operation.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seq != 0 || e.positions.Len() != 0 {
		return 0, ErrNotFresh
	}
	ops, err := e.journal.ListOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: load journal: %w", err)
	}
	for _, want := range ops {
		got := want
		if _, err := e.execute(ctx, &got, false); err != nil {
			return 0, fmt.Errorf("engine: replay seq %d (%s): %w", want.Seq, want.Kind, err)
		}
		if err := sameOutcome(want, got); err != nil {
			return 0, fmt.Errorf("%w: seq %d (%s): %v", ErrReplayDiverged, want.Seq, want.Kind, err)
		}
	}
	metrics.LockedPositions.Set(float64(e.positions.Len()))
	metrics.PendingFeeBuckets.Set(float64(e.fees.Len()))
	slog.Info("journal replayed", "operations", len(ops), "positions", e.positions.Len(), "paused", e.paused)
	return len(ops), nil
}

func sameOutcome(want, got model.Operation) error {
	switch {
	case want.ResultPositionID != got.ResultPositionID:
		return fmt.Errorf("result position %d, journaled %d", got.ResultPositionID, want.ResultPositionID)
	case !amountEq(want.Amount, got.Amount):
		return fmt.Errorf("amount %s, journaled %s", amountString(got.Amount), amountString(want.Amount))
	case !amountEq(want.Penalty, got.Penalty):
		return fmt.Errorf("penalty %s, journaled %s", amountString(got.Penalty), amountString(want.Penalty))
	case !amountEq(want.Released, got.Released):
		return fmt.Errorf("released %s, journaled %s", amountString(got.Released), amountString(want.Released))
	case !want.EnergyDelta.Equal(got.EnergyDelta):
		return fmt.Errorf("energy delta %s, journaled %s", got.EnergyDelta, want.EnergyDelta)
	}
	return nil
}

func userOperation(kind string) bool {
	switch kind {
	case model.OpSweepFees, model.OpPause, model.OpUnpause:
		return false
	}
	return true
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

func amountEq(a, b *uint256.Int) bool {
	if isZero(a) || isZero(b) {
		return isZero(a) && isZero(b)
	}
	return a.Eq(b)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func toFloat(v *uint256.Int) float64 {
	return decimal.NewFromBigInt(v.ToBig(), 0).InexactFloat64()
}
