// Package model defines the core domain types shared across the energy engine.
// Token quantities are *uint256.Int, energy is a signed decimal. Never float64.
package model

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Asset identifies a fungible (nonce 0) or semi-fungible token instance.
type Asset struct {
	Token string `json:"token"`
	Nonce uint64 `json:"nonce"`
}

// Payment is a quantity of an asset received by or sent from the engine.
type Payment struct {
	Asset  Asset        `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

// LockPosition is one lock-token instance: an amount that matures at UnlockEpoch.
// Positions with the same owner, asset and unlock epoch are always merged.
type LockPosition struct {
	ID                 uint64       `json:"id"`
	Owner              string       `json:"owner"`
	Amount             *uint256.Int `json:"amount"`
	UnlockEpoch        uint64       `json:"unlock_epoch"`
	OriginalToken      string       `json:"original_token"`
	OriginalTokenNonce uint64       `json:"original_token_nonce"`
}

// Clone returns a deep copy, so callers never alias store internals.
func (p LockPosition) Clone() LockPosition {
	c := p
	if p.Amount != nil {
		c.Amount = p.Amount.Clone()
	}
	return c
}

// Remaining returns the number of epochs left until maturity (0 once matured).
func (p LockPosition) Remaining(now uint64) uint64 {
	if p.UnlockEpoch <= now {
		return 0
	}
	return p.UnlockEpoch - now
}

// EnergyEntry is a user's running energy, correct as of LastUpdateEpoch.
type EnergyEntry struct {
	User            string          `json:"user"`
	Amount          decimal.Decimal `json:"amount"`
	LastUpdateEpoch uint64          `json:"last_update_epoch"`
}

// LockOption is one supported lock duration and its maximum early-exit penalty.
type LockOption struct {
	LockEpochs uint64 `json:"lock_epochs" yaml:"lock_epochs"`
	PenaltyBps uint64 `json:"penalty_bps" yaml:"penalty_bps"`
}

// FeeBucketKey groups forfeited penalties: the underlying asset plus the unlock
// epoch the forfeited tokens carry.
type FeeBucketKey struct {
	Token       string `json:"token"`
	TokenNonce  uint64 `json:"token_nonce"`
	UnlockEpoch uint64 `json:"unlock_epoch"`
}

// PendingFee is the accumulation of one bucket during one week.
type PendingFee struct {
	Key               FeeBucketKey `json:"key"`
	WeekID            uint64       `json:"week_id"`
	AccumulatedAmount *uint256.Int `json:"accumulated_amount"`
}

// Clone returns a deep copy.
func (f PendingFee) Clone() PendingFee {
	c := f
	if f.AccumulatedAmount != nil {
		c.AccumulatedAmount = f.AccumulatedAmount.Clone()
	}
	return c
}

// UnbondingRecord is an amount owed to a user that becomes claimable at ClaimableEpoch.
type UnbondingRecord struct {
	User           string       `json:"user"`
	Asset          Asset        `json:"asset"`
	Amount         *uint256.Int `json:"amount"`
	ClaimableEpoch uint64       `json:"claimable_epoch"`
}

// Operation kinds recorded in the journal.
const (
	OpLock          = "lock"
	OpUnlock        = "unlock"
	OpUnlockEarly   = "unlock_early"
	OpReducePeriod  = "reduce_period"
	OpExtendPeriod  = "extend_period"
	OpClaimUnbonded = "claim_unbonded"
	OpTransfer      = "transfer"
	OpSweepFees     = "sweep_fees"
	OpPause         = "pause"
	OpUnpause       = "unpause"
)

// Operation is an immutable journal record of one committed engine operation.
// The input fields are enough to re-execute it; the outcome fields describe
// what it did. Once appended, operations are never modified or deleted.
type Operation struct {
	ID         string       `json:"id" db:"id"`
	Seq        uint64       `json:"seq" db:"seq"`
	Kind       string       `json:"kind" db:"kind"`
	User       string       `json:"user" db:"user_addr"`
	Recipient  string       `json:"recipient,omitempty" db:"recipient"`
	PositionID uint64       `json:"position_id,omitempty" db:"position_id"`
	Asset      Asset        `json:"asset"`
	Amount     *uint256.Int `json:"amount,omitempty" db:"amount"`
	LockEpochs uint64       `json:"lock_epochs,omitempty" db:"lock_epochs"`
	Epoch      uint64       `json:"epoch" db:"epoch"`

	ResultPositionID uint64          `json:"result_position_id,omitempty" db:"result_position_id"`
	Penalty          *uint256.Int    `json:"penalty,omitempty" db:"penalty"`
	Released         *uint256.Int    `json:"released,omitempty" db:"released"`
	EnergyDelta      decimal.Decimal `json:"energy_delta" db:"energy_delta"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// FeeFlush records one bucket handed to the fee collector.
type FeeFlush struct {
	ID          string       `json:"id" db:"id"`
	Token       string       `json:"token" db:"token"`
	TokenNonce  uint64       `json:"token_nonce" db:"token_nonce"`
	UnlockEpoch uint64       `json:"unlock_epoch" db:"unlock_epoch"`
	WeekID      uint64       `json:"week_id" db:"week_id"`
	Amount      *uint256.Int `json:"amount" db:"amount"`
	Epoch       uint64       `json:"epoch" db:"epoch"`
	Timestamp   time.Time    `json:"timestamp" db:"timestamp"`
}
