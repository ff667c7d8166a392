// Package fees batches forfeited penalty tokens per week and hands each
// finished week to an external fee collector.
//
// A bucket is opened by the first penalty of a week and absorbs every later
// penalty of that week. Week boundaries are observed lazily: the next
// Accumulate on the same bucket key, or an explicit Sweep, flushes a bucket
// left over from an earlier week. There is no timer.
package fees

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/energy-engine/internal/model"
)

// ErrBucketOverflow is returned when a penalty would push a bucket past
// 2^256-1.
var ErrBucketOverflow = errors.New("fees: bucket overflow")

// Collector absorbs flushed weekly fees.
type Collector interface {
	NotifyFees(ctx context.Context, asset model.Asset, amount *uint256.Int, unlockEpoch uint64) error
}

// Batcher holds at most one pending bucket per key. It is not safe for
// concurrent use; the engine serializes access.
type Batcher struct {
	buckets map[model.FeeBucketKey]*model.PendingFee
}

// NewBatcher creates an empty batcher.
func NewBatcher() *Batcher {
	return &Batcher{buckets: make(map[model.FeeBucketKey]*model.PendingFee)}
}

// Accumulate adds amount to the bucket for key in currentWeek. If that bucket
// belongs to an earlier week it is removed and returned for flushing before a
// fresh bucket is started. A zero amount only performs the boundary check.
func (b *Batcher) Accumulate(key model.FeeBucketKey, amount *uint256.Int, currentWeek uint64) (flushed *model.PendingFee) {
	if cur, ok := b.buckets[key]; ok && cur.WeekID < currentWeek {
		out := cur.Clone()
		flushed = &out
		delete(b.buckets, key)
	}
	if amount == nil || amount.IsZero() {
		return flushed
	}

	cur, ok := b.buckets[key]
	if !ok {
		b.buckets[key] = &model.PendingFee{
			Key:               key,
			WeekID:            currentWeek,
			AccumulatedAmount: amount.Clone(),
		}
		return flushed
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur.AccumulatedAmount, amount)
	if overflow {
		panic(fmt.Sprintf("fees: bucket overflow for %+v", key))
	}
	cur.AccumulatedAmount = sum
	return flushed
}

// CheckAccumulate reports whether Accumulate(key, amount, currentWeek) would
// overflow the bucket, without mutating.
func (b *Batcher) CheckAccumulate(key model.FeeBucketKey, amount *uint256.Int, currentWeek uint64) error {
	cur, ok := b.buckets[key]
	if !ok || cur.WeekID < currentWeek || amount == nil {
		return nil
	}
	if _, overflow := new(uint256.Int).AddOverflow(cur.AccumulatedAmount, amount); overflow {
		return fmt.Errorf("%w: week %d holds %s, adding %s", ErrBucketOverflow, currentWeek, cur.AccumulatedAmount.Dec(), amount.Dec())
	}
	return nil
}

// Sweep removes and returns every bucket from a week before currentWeek.
func (b *Batcher) Sweep(currentWeek uint64) []model.PendingFee {
	var out []model.PendingFee
	for key, cur := range b.buckets {
		if cur.WeekID < currentWeek {
			out = append(out, cur.Clone())
			delete(b.buckets, key)
		}
	}
	sortFees(out)
	return out
}

// Due returns how many buckets a Sweep at currentWeek would flush.
func (b *Batcher) Due(currentWeek uint64) int {
	n := 0
	for _, cur := range b.buckets {
		if cur.WeekID < currentWeek {
			n++
		}
	}
	return n
}

// Pending returns copies of every open bucket.
func (b *Batcher) Pending() []model.PendingFee {
	out := make([]model.PendingFee, 0, len(b.buckets))
	for _, cur := range b.buckets {
		out = append(out, cur.Clone())
	}
	sortFees(out)
	return out
}

// Len returns the number of open buckets.
func (b *Batcher) Len() int {
	return len(b.buckets)
}

// Total returns the sum held across all open buckets.
func (b *Batcher) Total() *uint256.Int {
	total := new(uint256.Int)
	for _, cur := range b.buckets {
		total.Add(total, cur.AccumulatedAmount)
	}
	return total
}

func sortFees(fees []model.PendingFee) {
	sort.Slice(fees, func(i, j int) bool {
		a, b := fees[i].Key, fees[j].Key
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		if a.TokenNonce != b.TokenNonce {
			return a.TokenNonce < b.TokenNonce
		}
		return a.UnlockEpoch < b.UnlockEpoch
	})
}

// SplitBurn divides a penalty into the burned share (floor of burnBps) and the
// share kept for the fee collector.
func SplitBurn(penalty *uint256.Int, burnBps uint64) (burn, keep *uint256.Int) {
	burn, overflow := new(uint256.Int).MulDivOverflow(penalty, uint256.NewInt(burnBps), uint256.NewInt(10_000))
	if overflow || burn.Gt(penalty) {
		panic(fmt.Sprintf("fees: invalid burn share %d bps of %s", burnBps, penalty.Dec()))
	}
	return burn, new(uint256.Int).Sub(penalty, burn)
}
