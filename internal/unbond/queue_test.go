package unbond

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/atmx/energy-engine/internal/model"
)

var mex = model.Asset{Token: "MEX-455c57"}

func TestQueue_ClaimOnlyMatured(t *testing.T) {
	q := NewQueue()
	q.Add("alice", mex, uint256.NewInt(100), 10)
	q.Add("alice", mex, uint256.NewInt(50), 20)

	if got := q.Claim("alice", 9); len(got) != 0 {
		t.Fatalf("nothing should be claimable at 9, got %+v", got)
	}

	got := q.Claim("alice", 10)
	if len(got) != 1 || !got[0].Amount.Eq(uint256.NewInt(100)) {
		t.Fatalf("expected 100 claimable at 10, got %+v", got)
	}
	pending := q.Pending("alice")
	if len(pending) != 1 || pending[0].ClaimableEpoch != 20 {
		t.Errorf("expected the epoch-20 record to remain, got %+v", pending)
	}

	got = q.Claim("alice", 25)
	if len(got) != 1 || !got[0].Amount.Eq(uint256.NewInt(50)) {
		t.Errorf("expected 50 at 25, got %+v", got)
	}
	if len(q.Pending("alice")) != 0 {
		t.Error("queue should be empty")
	}
}

func TestQueue_ClaimSumsPerAsset(t *testing.T) {
	q := NewQueue()
	other := model.Asset{Token: "MEX-455c57", Nonce: 3}
	q.Add("alice", mex, uint256.NewInt(1), 1)
	q.Add("alice", other, uint256.NewInt(2), 1)
	q.Add("alice", mex, uint256.NewInt(3), 2)

	got, err := q.Claimable("alice", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assets, got %+v", got)
	}
	if got[0].Asset != mex || !got[0].Amount.Eq(uint256.NewInt(4)) {
		t.Errorf("unexpected first payment %+v", got[0])
	}
	if len(q.Pending("alice")) != 3 {
		t.Error("Claimable must not remove records")
	}
}

func TestQueue_ZeroAmountIgnored(t *testing.T) {
	q := NewQueue()
	q.Add("alice", mex, new(uint256.Int), 1)
	if len(q.Pending("alice")) != 0 {
		t.Error("zero amount must not be queued")
	}
}

func TestQueue_ClaimableOverflow(t *testing.T) {
	q := NewQueue()
	q.Add("alice", mex, new(uint256.Int).SetAllOne(), 1)
	q.Add("alice", mex, uint256.NewInt(1), 2)

	if _, err := q.Claimable("alice", 1); err != nil {
		t.Fatalf("unexpected error before the second record matures: %v", err)
	}
	if _, err := q.Claimable("alice", 2); !errors.Is(err, ErrClaimOverflow) {
		t.Fatalf("expected ErrClaimOverflow, got %v", err)
	}
	if len(q.Pending("alice")) != 2 {
		t.Error("a failed check must not remove records")
	}
}
