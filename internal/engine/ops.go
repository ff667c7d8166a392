package engine

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/energy"
	"github.com/atmx/energy-engine/internal/fees"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/penalty"
)

// Lock deposits payment for lockEpochs. The position matures at the start of
// the month containing now+lockEpochs and merges into any position of the
// user maturing at the same epoch.
func (e *Engine) Lock(ctx context.Context, user string, payment model.Payment, lockEpochs uint64) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpLock,
		User:       user,
		Asset:      payment.Asset,
		Amount:     payment.Amount,
		LockEpochs: lockEpochs,
	})
}

// Unlock withdraws amount (nil or zero for all) of a matured position.
func (e *Engine) Unlock(ctx context.Context, user string, positionID uint64, amount *uint256.Int) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpUnlock,
		User:       user,
		PositionID: positionID,
		Amount:     amount,
	})
}

// UnlockEarly withdraws amount (nil or zero for all) before maturity, paying
// the early-exit penalty.
func (e *Engine) UnlockEarly(ctx context.Context, user string, positionID uint64, amount *uint256.Int) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpUnlockEarly,
		User:       user,
		PositionID: positionID,
		Amount:     amount,
	})
}

// ReduceLockPeriod moves amount (nil or zero for all) of a position to the
// shorter lockEpochs option, paying the reduction penalty.
func (e *Engine) ReduceLockPeriod(ctx context.Context, user string, positionID uint64, amount *uint256.Int, lockEpochs uint64) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpReducePeriod,
		User:       user,
		PositionID: positionID,
		Amount:     amount,
		LockEpochs: lockEpochs,
	})
}

// ExtendLockPeriod moves amount (nil or zero for all) of a position to the
// longer lockEpochs option. There is no penalty.
func (e *Engine) ExtendLockPeriod(ctx context.Context, user string, positionID uint64, amount *uint256.Int, lockEpochs uint64) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpExtendPeriod,
		User:       user,
		PositionID: positionID,
		Amount:     amount,
		LockEpochs: lockEpochs,
	})
}

// ClaimUnbonded pays out every unbonding record of the user that has matured.
func (e *Engine) ClaimUnbonded(ctx context.Context, user string) (model.Operation, error) {
	return e.submit(ctx, model.Operation{Kind: model.OpClaimUnbonded, User: user})
}

// Transfer moves amount (nil or zero for all) of a position, with its energy,
// to another user.
func (e *Engine) Transfer(ctx context.Context, from, to string, positionID uint64, amount *uint256.Int) (model.Operation, error) {
	return e.submit(ctx, model.Operation{
		Kind:       model.OpTransfer,
		User:       from,
		Recipient:  to,
		PositionID: positionID,
		Amount:     amount,
	})
}

// SweepFees flushes every fee bucket left over from an earlier week. It is a
// no-op, and journals nothing, when no bucket is due.
func (e *Engine) SweepFees(ctx context.Context) ([]model.PendingFee, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fees.Due(e.cfg.Schedule.WeekOf(e.clock.CurrentEpoch())) == 0 {
		return nil, nil
	}
	_, flushed, err := e.run(ctx, model.Operation{Kind: model.OpSweepFees})
	return flushed, err
}

// Pause rejects user operations until Unpause. Queries keep working.
func (e *Engine) Pause(ctx context.Context) error {
	_, err := e.submit(ctx, model.Operation{Kind: model.OpPause})
	return err
}

// Unpause resumes user operations.
func (e *Engine) Unpause(ctx context.Context) error {
	_, err := e.submit(ctx, model.Operation{Kind: model.OpUnpause})
	return err
}

func (e *Engine) plan(op *model.Operation) (*plan, error) {
	switch op.Kind {
	case model.OpLock:
		return e.planLock(op)
	case model.OpUnlock:
		return e.planUnlock(op)
	case model.OpUnlockEarly:
		return e.planUnlockEarly(op)
	case model.OpReducePeriod:
		return e.planReduce(op)
	case model.OpExtendPeriod:
		return e.planExtend(op)
	case model.OpClaimUnbonded:
		return e.planClaim(op)
	case model.OpTransfer:
		return e.planTransfer(op)
	case model.OpSweepFees:
		week := e.cfg.Schedule.WeekOf(op.Epoch)
		return &plan{apply: func() []model.PendingFee { return e.fees.Sweep(week) }}, nil
	case model.OpPause, model.OpUnpause:
		paused := op.Kind == model.OpPause
		return &plan{apply: func() []model.PendingFee { e.paused = paused; return nil }}, nil
	}
	return nil, fmt.Errorf("engine: unknown operation kind %q", op.Kind)
}

func (e *Engine) planLock(op *model.Operation) (*plan, error) {
	if isZero(op.Amount) {
		return nil, ErrInvalidAmount
	}
	if err := e.positions.CheckAsset(op.Asset); err != nil {
		return nil, err
	}
	if err := e.calc.CheckLockOption(op.LockEpochs); err != nil {
		return nil, err
	}
	now := op.Epoch
	unlock, err := e.targetUnlock(now, op.LockEpochs)
	if err != nil {
		return nil, err
	}

	amount := op.Amount.Clone()
	if err := e.positions.CheckMerge(op.User, op.Asset, unlock, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	delta := energy.Of(amount, unlock-now)
	op.ResultPositionID = e.positions.Resolve(op.User, op.Asset, unlock)
	op.EnergyDelta = delta

	user, asset, want := op.User, op.Asset, op.ResultPositionID
	return &plan{apply: func() []model.PendingFee {
		e.decay(user, now)
		e.mustCreate(user, amount, unlock, asset, want)
		e.energy.ApplyDelta(user, delta)
		return nil
	}}, nil
}

func (e *Engine) planUnlock(op *model.Operation) (*plan, error) {
	pos, amount, err := e.ownedPosition(op)
	if err != nil {
		return nil, err
	}
	now := op.Epoch
	if now < pos.UnlockEpoch {
		return nil, fmt.Errorf("%w: position %d unlocks at %d, now %d", ErrNotYetMature, pos.ID, pos.UnlockEpoch, now)
	}

	op.Released = amount.Clone()
	op.EnergyDelta = decimal.Zero
	op.ResultPositionID = remainderID(pos, amount)

	p := &plan{}
	user, asset := op.User, op.Asset
	delay := e.cfg.UnlockDelayEpochs
	if delay == 0 {
		p.sends = []payout{{to: user, asset: asset, amount: amount}}
	}
	p.apply = func() []model.PendingFee {
		e.decay(user, now)
		e.mustSplit(pos.ID, amount)
		if delay > 0 {
			e.unbonding.Add(user, asset, amount, now+delay)
		}
		return nil
	}
	return p, nil
}

func (e *Engine) planUnlockEarly(op *model.Operation) (*plan, error) {
	pos, amount, err := e.ownedPosition(op)
	if err != nil {
		return nil, err
	}
	now := op.Epoch
	pen := e.calc.EarlyExitPenalty(amount, now, pos.UnlockEpoch)
	released := new(uint256.Int).Sub(amount, pen)
	burn, keep := fees.SplitBurn(pen, e.cfg.FeesBurnBps)
	key := feeKey(op.Asset, pos.UnlockEpoch)
	week := e.cfg.Schedule.WeekOf(now)
	if err := e.fees.CheckAccumulate(key, keep, week); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	delta := energy.Of(amount, pos.Remaining(now)).Neg()

	op.Penalty = pen
	op.Released = released
	op.EnergyDelta = delta
	op.ResultPositionID = remainderID(pos, amount)

	p := &plan{burn: burn}
	user, asset := op.User, op.Asset
	delay := e.cfg.UnbondEpochs
	if delay == 0 {
		p.sends = []payout{{to: user, asset: asset, amount: released}}
	}
	p.apply = func() []model.PendingFee {
		e.decay(user, now)
		e.mustSplit(pos.ID, amount)
		e.energy.ApplyDelta(user, delta)
		if delay > 0 {
			e.unbonding.Add(user, asset, released, now+delay)
		}
		return e.accumulate(key, keep, week)
	}
	return p, nil
}

func (e *Engine) planReduce(op *model.Operation) (*plan, error) {
	pos, amount, err := e.ownedPosition(op)
	if err != nil {
		return nil, err
	}
	if err := e.calc.CheckLockOption(op.LockEpochs); err != nil {
		return nil, err
	}
	now := op.Epoch
	target, err := e.targetUnlock(now, op.LockEpochs)
	if err != nil {
		return nil, err
	}
	pen, err := e.calc.ReductionPenalty(amount, now, pos.UnlockEpoch, target)
	if err != nil {
		return nil, fmt.Errorf("%w: position %d unlocks at %d, requested %d", err, pos.ID, pos.UnlockEpoch, target)
	}
	kept := new(uint256.Int).Sub(amount, pen)
	if err := e.positions.CheckMerge(op.User, op.Asset, target, kept); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	burn, keep := fees.SplitBurn(pen, e.cfg.FeesBurnBps)
	key := feeKey(op.Asset, pos.UnlockEpoch)
	week := e.cfg.Schedule.WeekOf(now)
	if err := e.fees.CheckAccumulate(key, keep, week); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	delta := energy.Of(kept, remaining(now, target)).Sub(energy.Of(amount, pos.Remaining(now)))

	op.Penalty = pen
	op.EnergyDelta = delta
	op.ResultPositionID = 0
	if !kept.IsZero() {
		op.ResultPositionID = e.positions.Resolve(op.User, op.Asset, target)
	}

	user, asset, want := op.User, op.Asset, op.ResultPositionID
	return &plan{burn: burn, apply: func() []model.PendingFee {
		e.decay(user, now)
		e.mustSplit(pos.ID, amount)
		if !kept.IsZero() {
			e.mustCreate(user, kept, target, asset, want)
		}
		e.energy.ApplyDelta(user, delta)
		return e.accumulate(key, keep, week)
	}}, nil
}

func (e *Engine) planExtend(op *model.Operation) (*plan, error) {
	pos, amount, err := e.ownedPosition(op)
	if err != nil {
		return nil, err
	}
	if err := e.calc.CheckLockOption(op.LockEpochs); err != nil {
		return nil, err
	}
	now := op.Epoch
	target, err := e.targetUnlock(now, op.LockEpochs)
	if err != nil {
		return nil, err
	}
	if err := penalty.ValidateExtend(pos.UnlockEpoch, target); err != nil {
		return nil, fmt.Errorf("%w: position %d unlocks at %d, requested %d", err, pos.ID, pos.UnlockEpoch, target)
	}
	if err := e.positions.CheckMerge(op.User, op.Asset, target, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	delta := energy.Of(amount, remaining(now, target)).Sub(energy.Of(amount, pos.Remaining(now)))

	op.EnergyDelta = delta
	op.ResultPositionID = e.positions.Resolve(op.User, op.Asset, target)

	user, asset, want := op.User, op.Asset, op.ResultPositionID
	return &plan{apply: func() []model.PendingFee {
		e.decay(user, now)
		e.mustSplit(pos.ID, amount)
		e.mustCreate(user, amount, target, asset, want)
		e.energy.ApplyDelta(user, delta)
		return nil
	}}, nil
}

func (e *Engine) planClaim(op *model.Operation) (*plan, error) {
	now := op.Epoch
	payments, err := e.unbonding.Claimable(op.User, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if len(payments) == 0 {
		return nil, fmt.Errorf("%w: user %s at %d", ErrNothingToClaim, op.User, now)
	}

	total := new(uint256.Int)
	p := &plan{}
	for _, pay := range payments {
		if _, overflow := total.AddOverflow(total, pay.Amount); overflow {
			return nil, fmt.Errorf("%w: claim total of %s overflows", ErrInvalidAmount, op.User)
		}
		p.sends = append(p.sends, payout{to: op.User, asset: pay.Asset, amount: pay.Amount})
	}
	op.Asset = payments[0].Asset
	op.Released = total
	op.EnergyDelta = decimal.Zero

	user := op.User
	p.apply = func() []model.PendingFee {
		e.unbonding.Claim(user, now)
		return nil
	}
	return p, nil
}

func (e *Engine) planTransfer(op *model.Operation) (*plan, error) {
	if op.Recipient == "" || op.Recipient == op.User {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, op.Recipient)
	}
	pos, amount, err := e.ownedPosition(op)
	if err != nil {
		return nil, err
	}
	now := op.Epoch
	if err := e.positions.CheckMerge(op.Recipient, op.Asset, pos.UnlockEpoch, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	moved := energy.Of(amount, pos.Remaining(now))

	op.EnergyDelta = moved.Neg()
	op.ResultPositionID = e.positions.Resolve(op.Recipient, op.Asset, pos.UnlockEpoch)

	from, to, want := op.User, op.Recipient, op.ResultPositionID
	return &plan{apply: func() []model.PendingFee {
		e.decay(from, now)
		e.decay(to, now)
		id, err := e.positions.Transfer(pos.ID, amount, to)
		if err != nil || id != want {
			panic(fmt.Sprintf("engine: validated transfer of position %d failed: id %d, want %d, err %v", pos.ID, id, want, err))
		}
		e.energy.ApplyDelta(from, moved.Neg())
		e.energy.ApplyDelta(to, moved)
		return nil
	}}, nil
}

// targetUnlock returns the month-rounded unlock epoch for a new lock period,
// which must still lie in the future.
func (e *Engine) targetUnlock(now, lockEpochs uint64) (uint64, error) {
	target := e.cfg.Schedule.UnlockEpochFor(now, lockEpochs)
	if target <= now {
		return 0, fmt.Errorf("%w: %d epochs at %d unlocks at %d", penalty.ErrInvalidLockChoice, lockEpochs, now, target)
	}
	return target, nil
}

// ownedPosition loads the operation's position, checks ownership and resolves
// the amount (nil or zero meaning the whole balance). It normalizes op.Amount
// and op.Asset so the journal records what was actually moved.
func (e *Engine) ownedPosition(op *model.Operation) (model.LockPosition, *uint256.Int, error) {
	pos, err := e.positions.Read(op.PositionID)
	if err != nil {
		return model.LockPosition{}, nil, err
	}
	if pos.Owner != op.User {
		return model.LockPosition{}, nil, fmt.Errorf("%w: position %d", ErrNotOwner, pos.ID)
	}
	amount := pos.Amount.Clone()
	if !isZero(op.Amount) {
		amount = op.Amount.Clone()
	}
	if err := e.positions.CheckSplit(pos.ID, amount); err != nil {
		return model.LockPosition{}, nil, err
	}
	op.Amount = amount
	op.Asset = model.Asset{Token: pos.OriginalToken, Nonce: pos.OriginalTokenNonce}
	return pos, amount, nil
}

// decay brings the user's energy to now. Every operation checks the epoch
// against the last committed one first, so regression here is a bug.
func (e *Engine) decay(user string, now uint64) {
	if err := e.energy.DecayTo(user, now, e.positions.ByOwner(user)); err != nil {
		panic(fmt.Sprintf("engine: %v", err))
	}
}

func (e *Engine) mustCreate(owner string, amount *uint256.Int, unlock uint64, asset model.Asset, want uint64) {
	id, _, err := e.positions.CreateOrMerge(owner, amount, unlock, asset)
	if err != nil || id != want {
		panic(fmt.Sprintf("engine: validated deposit for %s failed: id %d, want %d, err %v", owner, id, want, err))
	}
}

func (e *Engine) mustSplit(id uint64, amount *uint256.Int) {
	if _, _, err := e.positions.SplitPartial(id, amount); err != nil {
		panic(fmt.Sprintf("engine: validated split of position %d failed: %v", id, err))
	}
}

func (e *Engine) accumulate(key model.FeeBucketKey, amount *uint256.Int, week uint64) []model.PendingFee {
	if flushed := e.fees.Accumulate(key, amount, week); flushed != nil {
		return []model.PendingFee{*flushed}
	}
	return nil
}

func feeKey(asset model.Asset, unlockEpoch uint64) model.FeeBucketKey {
	return model.FeeBucketKey{Token: asset.Token, TokenNonce: asset.Nonce, UnlockEpoch: unlockEpoch}
}

// remainderID is the id left holding the rest of a partially moved position,
// or 0 when the whole position moves.
func remainderID(pos model.LockPosition, amount *uint256.Int) uint64 {
	if amount.Lt(pos.Amount) {
		return pos.ID
	}
	return 0
}

func remaining(now, unlock uint64) uint64 {
	if unlock <= now {
		return 0
	}
	return unlock - now
}
