// Package penalty computes the token penalty owed when a lock position's
// maturity is shortened, either by a full early exit or by a lock-period
// reduction, from a configured table of lock options.
//
// Rates are in basis points. The full-exit rate for a number of remaining
// epochs is the piecewise-linear interpolation of the option table anchored
// at (0 epochs, 0 bps), so inside the first tier it is simply
//
//	bps(remaining) = tierBps * remaining / tierEpochs
//
// and it reaches 0 at maturity. A reduction charges the share of the exit
// penalty attributable to the shortened part:
//
//	(bps(old) - bps(new)) * 10000 / (10000 - bps(new))
//
// Every division truncates. The remainder stays with the user, so several
// small operations can concede slightly less than one large one.
package penalty

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/energy-engine/internal/model"
)

// MaxBps is 100% in basis points.
const MaxBps uint64 = 10_000

var (
	// ErrInvalidLockChoice is returned when a duration is not a configured option.
	ErrInvalidLockChoice = errors.New("penalty: invalid lock choice")

	// ErrMustLengthenPeriod is returned when an extension does not move the
	// unlock epoch strictly later.
	ErrMustLengthenPeriod = errors.New("penalty: new lock period must be longer than the current one")

	// ErrMustShortenPeriod is returned when a reduction does not move the
	// unlock epoch strictly earlier.
	ErrMustShortenPeriod = errors.New("penalty: new lock period must be shorter than the current one")

	// ErrInvalidOptions is returned for an unusable option table.
	ErrInvalidOptions = errors.New("penalty: invalid lock option table")
)

// Calculator is stateless apart from its immutable option table.
type Calculator struct {
	options []model.LockOption
}

// NewCalculator validates the option table and returns a calculator over a
// sorted copy of it. Durations must be distinct and positive, penalties must
// be at most MaxBps and non-decreasing with duration.
func NewCalculator(options []model.LockOption) (*Calculator, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no options", ErrInvalidOptions)
	}
	sorted := make([]model.LockOption, len(options))
	copy(sorted, options)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LockEpochs < sorted[j].LockEpochs })

	var prev model.LockOption
	for i, opt := range sorted {
		if opt.LockEpochs == 0 {
			return nil, fmt.Errorf("%w: zero lock epochs", ErrInvalidOptions)
		}
		if opt.PenaltyBps > MaxBps {
			return nil, fmt.Errorf("%w: penalty %d bps exceeds %d", ErrInvalidOptions, opt.PenaltyBps, MaxBps)
		}
		if i > 0 && opt.LockEpochs == prev.LockEpochs {
			return nil, fmt.Errorf("%w: duplicate option %d", ErrInvalidOptions, opt.LockEpochs)
		}
		if opt.PenaltyBps < prev.PenaltyBps {
			return nil, fmt.Errorf("%w: penalty must not decrease with lock duration", ErrInvalidOptions)
		}
		prev = opt
	}
	return &Calculator{options: sorted}, nil
}

// Options returns a copy of the option table, shortest first.
func (c *Calculator) Options() []model.LockOption {
	out := make([]model.LockOption, len(c.options))
	copy(out, c.options)
	return out
}

// IsLockOption reports whether lockEpochs is a configured duration.
func (c *Calculator) IsLockOption(lockEpochs uint64) bool {
	for _, opt := range c.options {
		if opt.LockEpochs == lockEpochs {
			return true
		}
	}
	return false
}

// CheckLockOption returns ErrInvalidLockChoice for unconfigured durations.
func (c *Calculator) CheckLockOption(lockEpochs uint64) error {
	if !c.IsLockOption(lockEpochs) {
		return fmt.Errorf("%w: %d epochs", ErrInvalidLockChoice, lockEpochs)
	}
	return nil
}

// FullUnlockBps returns the full early-exit rate for a position with
// `remaining` epochs left.
func (c *Calculator) FullUnlockBps(remaining uint64) uint64 {
	if remaining == 0 {
		return 0
	}
	var prev model.LockOption
	for _, opt := range c.options {
		if remaining <= opt.LockEpochs {
			span := opt.LockEpochs - prev.LockEpochs
			rise := opt.PenaltyBps - prev.PenaltyBps
			return prev.PenaltyBps + mulDiv64(rise, remaining-prev.LockEpochs, span)
		}
		prev = opt
	}
	// Longer than the longest option: capped at its rate.
	return prev.PenaltyBps
}

// ReductionBps returns the rate charged when the remaining lock time shrinks
// from prevRemaining to newRemaining. With newRemaining == 0 it equals the
// full early-exit rate.
func (c *Calculator) ReductionBps(prevRemaining, newRemaining uint64) uint64 {
	prevBps := c.FullUnlockBps(prevRemaining)
	newBps := c.FullUnlockBps(newRemaining)
	if prevBps <= newBps || newBps >= MaxBps {
		return 0
	}
	return mulDiv64(prevBps-newBps, MaxBps, MaxBps-newBps)
}

// PenaltyAmount is the token penalty on amount for shortening the remaining
// lock time from prevRemaining to newRemaining (0 for a full exit).
func (c *Calculator) PenaltyAmount(amount *uint256.Int, prevRemaining, newRemaining uint64) *uint256.Int {
	return ApplyBps(amount, c.ReductionBps(prevRemaining, newRemaining))
}

// EarlyExitPenalty is the penalty for withdrawing amount at currentEpoch from
// a position maturing at unlockEpoch.
func (c *Calculator) EarlyExitPenalty(amount *uint256.Int, currentEpoch, unlockEpoch uint64) *uint256.Int {
	return c.PenaltyAmount(amount, remaining(currentEpoch, unlockEpoch), 0)
}

// ReductionPenalty is the penalty for moving amount's maturity from
// unlockEpoch to the earlier targetUnlockEpoch.
func (c *Calculator) ReductionPenalty(amount *uint256.Int, currentEpoch, unlockEpoch, targetUnlockEpoch uint64) (*uint256.Int, error) {
	if err := ValidateReduce(unlockEpoch, targetUnlockEpoch); err != nil {
		return nil, err
	}
	return c.PenaltyAmount(amount,
		remaining(currentEpoch, unlockEpoch),
		remaining(currentEpoch, targetUnlockEpoch)), nil
}

// ValidateReduce requires target to be strictly earlier than current.
func ValidateReduce(currentUnlock, targetUnlock uint64) error {
	if targetUnlock >= currentUnlock {
		return ErrMustShortenPeriod
	}
	return nil
}

// ValidateExtend requires target to be strictly later than current.
func ValidateExtend(currentUnlock, targetUnlock uint64) error {
	if targetUnlock <= currentUnlock {
		return ErrMustLengthenPeriod
	}
	return nil
}

// ApplyBps returns floor(amount * bps / MaxBps).
func ApplyBps(amount *uint256.Int, bps uint64) *uint256.Int {
	if amount == nil || bps == 0 {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), uint256.NewInt(MaxBps))
	if overflow {
		panic(fmt.Sprintf("penalty: overflow applying %d bps to %s", bps, amount.Dec()))
	}
	return z
}

func remaining(current, unlock uint64) uint64 {
	if unlock <= current {
		return 0
	}
	return unlock - current
}

// mulDiv64 computes floor(a*b/d) without intermediate overflow.
func mulDiv64(a, b, d uint64) uint64 {
	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d))
	if overflow || !z.IsUint64() {
		panic(fmt.Sprintf("penalty: %d*%d/%d overflows uint64", a, b, d))
	}
	return z.Uint64()
}
