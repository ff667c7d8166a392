// Package energy keeps one running energy value per user,
//
//	energy = Σ amount × max(unlock_epoch − epoch, 0)
//
// maintained incrementally. An entry is only ever changed through DecayTo,
// which carries it forward to a later epoch, and ApplyDelta, which records the
// effect of a position mutation performed at that epoch. A full rescan of the
// user's positions happens only when the entry is first created.
package energy

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/model"
)

// ErrEpochRegression is returned when decaying to an epoch earlier than the
// entry's last update.
var ErrEpochRegression = errors.New("energy: cannot decay to an earlier epoch")

type entry struct {
	amount    decimal.Decimal
	lastEpoch uint64
}

// Ledger is not safe for concurrent use; the engine serializes access.
type Ledger struct {
	entries map[string]*entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

// DecayTo brings the user's entry to epoch now. positions must be the user's
// live positions, unchanged since the entry's last update. Each position loses
// amount × elapsed epochs, but never more than it still contributed, so a
// matured position contributes zero from its unlock epoch on.
func (l *Ledger) DecayTo(user string, now uint64, positions []model.LockPosition) error {
	e, ok := l.entries[user]
	if !ok {
		l.entries[user] = &entry{amount: Weight(positions, now), lastEpoch: now}
		return nil
	}
	amount, err := decayed(e, now, positions)
	if err != nil {
		return fmt.Errorf("%w: user %s at %d, last update %d", err, user, now, e.lastEpoch)
	}
	e.amount = amount
	e.lastEpoch = now
	return nil
}

// ApplyDelta adds a signed change to an entry already decayed to the epoch of
// the mutation. Calling it for a user never decayed is a programming error.
func (l *Ledger) ApplyDelta(user string, delta decimal.Decimal) {
	e, ok := l.entries[user]
	if !ok {
		panic(fmt.Sprintf("energy: delta applied to user %s before decay", user))
	}
	e.amount = e.amount.Add(delta)
	if e.amount.IsNegative() {
		panic(fmt.Sprintf("energy: user %s went negative (%s)", user, e.amount.String()))
	}
}

// View returns the energy the user would have at now without changing the
// stored entry.
func (l *Ledger) View(user string, now uint64, positions []model.LockPosition) (decimal.Decimal, error) {
	e, ok := l.entries[user]
	if !ok {
		return Weight(positions, now), nil
	}
	return decayed(e, now, positions)
}

// Entry returns the stored entry as of its last update.
func (l *Ledger) Entry(user string) (model.EnergyEntry, bool) {
	e, ok := l.entries[user]
	if !ok {
		return model.EnergyEntry{}, false
	}
	return model.EnergyEntry{User: user, Amount: e.amount, LastUpdateEpoch: e.lastEpoch}, true
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

func decayed(e *entry, now uint64, positions []model.LockPosition) (decimal.Decimal, error) {
	if now < e.lastEpoch {
		return decimal.Decimal{}, ErrEpochRegression
	}
	elapsed := now - e.lastEpoch
	if elapsed == 0 {
		return e.amount, nil
	}
	loss := decimal.Zero
	for _, p := range positions {
		left := p.Remaining(e.lastEpoch)
		if left > elapsed {
			left = elapsed
		}
		loss = loss.Add(Of(p.Amount, left))
	}
	return e.amount.Sub(loss), nil
}

// Weight is the energy of positions at epoch now, computed by full scan.
func Weight(positions []model.LockPosition, now uint64) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(Of(p.Amount, p.Remaining(now)))
	}
	return total
}

// Of returns amount × epochs as an energy value.
func Of(amount *uint256.Int, epochs uint64) decimal.Decimal {
	if amount == nil || epochs == 0 {
		return decimal.Zero
	}
	a := decimal.NewFromBigInt(amount.ToBig(), 0)
	return a.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(epochs), 0))
}
