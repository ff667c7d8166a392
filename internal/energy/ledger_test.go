package energy

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/model"
)

func pos(amount, unlock uint64) model.LockPosition {
	return model.LockPosition{Amount: uint256.NewInt(amount), UnlockEpoch: unlock}
}

func e(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func TestDecayTo_FirstTouchScansPositions(t *testing.T) {
	l := NewLedger()
	positions := []model.LockPosition{pos(500, 360), pos(100, 30)}
	if err := l.DecayTo("alice", 0, positions); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := l.Entry("alice")
	if !got.Amount.Equal(e(500*360 + 100*30)) {
		t.Errorf("expected %d, got %s", 500*360+100*30, got.Amount)
	}
}

func TestDecayTo_Linear(t *testing.T) {
	l := NewLedger()
	positions := []model.LockPosition{pos(500, 360)}
	l.DecayTo("alice", 1, positions)

	for k := uint64(0); k <= 359; k += 37 {
		if err := l.DecayTo("alice", 1+k, positions); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := l.Entry("alice")
		want := e(500 * int64(359-k))
		if !got.Amount.Equal(want) {
			t.Errorf("at epoch %d expected %s, got %s", 1+k, want, got.Amount)
		}
	}
}

func TestDecayTo_ClampsAtMaturity(t *testing.T) {
	l := NewLedger()
	positions := []model.LockPosition{pos(500, 360), pos(10, 30)}
	l.DecayTo("alice", 0, positions)

	l.DecayTo("alice", 100, positions)
	got, _ := l.Entry("alice")
	if !got.Amount.Equal(e(500 * 260)) {
		t.Errorf("expected the matured position to contribute zero, got %s", got.Amount)
	}

	l.DecayTo("alice", 1_000, positions)
	got, _ = l.Entry("alice")
	if !got.Amount.IsZero() {
		t.Errorf("expected zero energy after every maturity, got %s", got.Amount)
	}
}

func TestDecayTo_RejectsRegression(t *testing.T) {
	l := NewLedger()
	l.DecayTo("alice", 10, nil)
	if err := l.DecayTo("alice", 9, nil); !errors.Is(err, ErrEpochRegression) {
		t.Errorf("expected ErrEpochRegression, got %v", err)
	}
}

func TestApplyDelta_MatchesRescan(t *testing.T) {
	l := NewLedger()
	positions := []model.LockPosition{pos(500, 360)}
	l.DecayTo("alice", 0, positions)

	// At epoch 50 a second position of 200 maturing at 390 is created.
	l.DecayTo("alice", 50, positions)
	positions = append(positions, pos(200, 390))
	l.ApplyDelta("alice", Of(uint256.NewInt(200), 340))

	got, _ := l.Entry("alice")
	if !got.Amount.Equal(Weight(positions, 50)) {
		t.Errorf("incremental %s != rescan %s", got.Amount, Weight(positions, 50))
	}
}

func TestApplyDelta_WithoutDecayPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewLedger().ApplyDelta("ghost", e(1))
}

func TestApplyDelta_NegativePanics(t *testing.T) {
	l := NewLedger()
	l.DecayTo("alice", 0, nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on negative energy")
		}
	}()
	l.ApplyDelta("alice", e(-1))
}

func TestView_DoesNotMutate(t *testing.T) {
	l := NewLedger()
	positions := []model.LockPosition{pos(10, 100)}
	l.DecayTo("alice", 0, positions)

	v, err := l.View("alice", 40, positions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equal(e(600)) {
		t.Errorf("expected 600, got %s", v)
	}
	got, _ := l.Entry("alice")
	if got.LastUpdateEpoch != 0 || !got.Amount.Equal(e(1_000)) {
		t.Errorf("view mutated the entry: %+v", got)
	}
}

func TestOf_LargeValues(t *testing.T) {
	big := new(uint256.Int).SetAllOne()
	got := Of(big, 2)
	want := decimal.NewFromBigInt(big.ToBig(), 0).Mul(e(2))
	if !got.Equal(want) {
		t.Errorf("expected exact product, got %s", got)
	}
}
