// Package unbond tracks amounts owed to users that only become claimable after
// an unbonding delay.
package unbond

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/energy-engine/internal/model"
)

// ErrClaimOverflow is returned when a user's claimable total exceeds 2^256-1.
var ErrClaimOverflow = errors.New("unbond: claim overflow")

// Queue is not safe for concurrent use; the engine serializes access.
type Queue struct {
	records map[string][]model.UnbondingRecord
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{records: make(map[string][]model.UnbondingRecord)}
}

// Add schedules amount of asset for user, claimable from claimableEpoch.
func (q *Queue) Add(user string, asset model.Asset, amount *uint256.Int, claimableEpoch uint64) {
	if amount == nil || amount.IsZero() {
		return
	}
	q.records[user] = append(q.records[user], model.UnbondingRecord{
		User:           user,
		Asset:          asset,
		Amount:         amount.Clone(),
		ClaimableEpoch: claimableEpoch,
	})
}

// Claimable returns, per asset, the total the user could claim at now.
func (q *Queue) Claimable(user string, now uint64) ([]model.Payment, error) {
	return total(q.records[user], func(r model.UnbondingRecord) bool { return r.ClaimableEpoch <= now })
}

// Claim removes every record of the user claimable at now and returns the
// totals per asset. Call Claimable first; an overflowing claim panics.
func (q *Queue) Claim(user string, now uint64) []model.Payment {
	records := q.records[user]
	out, err := total(records, func(r model.UnbondingRecord) bool { return r.ClaimableEpoch <= now })
	if err != nil {
		panic(err.Error())
	}

	var kept []model.UnbondingRecord
	for _, r := range records {
		if r.ClaimableEpoch > now {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(q.records, user)
	} else {
		q.records[user] = kept
	}
	return out
}

// Pending returns copies of every record of the user, earliest first.
func (q *Queue) Pending(user string) []model.UnbondingRecord {
	records := q.records[user]
	out := make([]model.UnbondingRecord, 0, len(records))
	for _, r := range records {
		c := r
		c.Amount = r.Amount.Clone()
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClaimableEpoch < out[j].ClaimableEpoch })
	return out
}

func total(records []model.UnbondingRecord, include func(model.UnbondingRecord) bool) ([]model.Payment, error) {
	sums := make(map[model.Asset]*uint256.Int)
	var order []model.Asset
	for _, r := range records {
		if !include(r) {
			continue
		}
		cur, ok := sums[r.Asset]
		if !ok {
			cur = new(uint256.Int)
			sums[r.Asset] = cur
			order = append(order, r.Asset)
		}
		if _, overflow := cur.AddOverflow(cur, r.Amount); overflow {
			return nil, fmt.Errorf("%w: summing claims of %s", ErrClaimOverflow, r.User)
		}
	}
	out := make([]model.Payment, 0, len(order))
	for _, a := range order {
		out = append(out, model.Payment{Asset: a, Amount: sums[a]})
	}
	return out, nil
}
