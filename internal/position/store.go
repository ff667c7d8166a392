// Package position holds the open lock positions of every owner. Positions are
// keyed by (owner, asset, unlock epoch) so deposits that mature together merge
// into one record, which keeps the number of live positions bounded by the
// number of distinct maturities rather than the number of deposits.
package position

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/model"
)

var (
	// ErrInvalidAsset is returned when a deposit is not the lockable asset.
	ErrInvalidAsset = errors.New("position: invalid payment token")

	// ErrUnknownPosition is returned for ids that name no live position.
	ErrUnknownPosition = errors.New("position: unknown position")

	// ErrInsufficientBalance is returned when removing more than a position holds.
	ErrInsufficientBalance = errors.New("position: insufficient balance")

	// ErrAmountOverflow is returned when a merge would exceed 2^256-1.
	ErrAmountOverflow = errors.New("position: amount overflow")
)

type mergeKey struct {
	owner       string
	token       string
	nonce       uint64
	unlockEpoch uint64
}

// Store is the in-memory position book. It is not safe for concurrent use;
// the engine serializes every operation.
type Store struct {
	asset     model.Asset
	nextID    uint64
	positions map[uint64]*model.LockPosition
	byKey     map[mergeKey]uint64
	byOwner   map[string]map[uint64]struct{}
}

// NewStore creates an empty store accepting only the given lockable asset.
func NewStore(lockable model.Asset) *Store {
	return &Store{
		asset:     lockable,
		nextID:    1,
		positions: make(map[uint64]*model.LockPosition),
		byKey:     make(map[mergeKey]uint64),
		byOwner:   make(map[string]map[uint64]struct{}),
	}
}

// Asset returns the lockable asset.
func (s *Store) Asset() model.Asset {
	return s.asset
}

// CheckAsset returns ErrInvalidAsset unless asset is the lockable asset.
func (s *Store) CheckAsset(asset model.Asset) error {
	if asset != s.asset {
		return fmt.Errorf("%w: %s-%d", ErrInvalidAsset, asset.Token, asset.Nonce)
	}
	return nil
}

// CreateOrMerge adds amount to the owner's position maturing at unlockEpoch,
// creating it with a fresh id if none exists. It reports whether an existing
// position absorbed the deposit.
func (s *Store) CreateOrMerge(owner string, amount *uint256.Int, unlockEpoch uint64, asset model.Asset) (uint64, bool, error) {
	if err := s.CheckAsset(asset); err != nil {
		return 0, false, err
	}
	key := mergeKey{owner: owner, token: asset.Token, nonce: asset.Nonce, unlockEpoch: unlockEpoch}
	if id, ok := s.byKey[key]; ok {
		p := s.positions[id]
		sum, err := addChecked(p, amount)
		if err != nil {
			return 0, false, err
		}
		p.Amount = sum
		return id, true, nil
	}

	id := s.nextID
	s.nextID++
	s.positions[id] = &model.LockPosition{
		ID:                 id,
		Owner:              owner,
		Amount:             amount.Clone(),
		UnlockEpoch:        unlockEpoch,
		OriginalToken:      asset.Token,
		OriginalTokenNonce: asset.Nonce,
	}
	s.byKey[key] = id
	owned, ok := s.byOwner[owner]
	if !ok {
		owned = make(map[uint64]struct{})
		s.byOwner[owner] = owned
	}
	owned[id] = struct{}{}
	return id, false, nil
}

// Resolve returns the id CreateOrMerge would use for a deposit maturing at
// unlockEpoch: the existing position's id, or the next fresh id.
func (s *Store) Resolve(owner string, asset model.Asset, unlockEpoch uint64) uint64 {
	key := mergeKey{owner: owner, token: asset.Token, nonce: asset.Nonce, unlockEpoch: unlockEpoch}
	if id, ok := s.byKey[key]; ok {
		return id
	}
	return s.nextID
}

// CheckMerge reports the error CreateOrMerge would return for the deposit,
// without mutating.
func (s *Store) CheckMerge(owner string, asset model.Asset, unlockEpoch uint64, amount *uint256.Int) error {
	if err := s.CheckAsset(asset); err != nil {
		return err
	}
	key := mergeKey{owner: owner, token: asset.Token, nonce: asset.Nonce, unlockEpoch: unlockEpoch}
	if id, ok := s.byKey[key]; ok {
		_, err := addChecked(s.positions[id], amount)
		return err
	}
	return nil
}

// SplitPartial removes amount from a position. When the whole balance is
// removed the position is destroyed and remainderID is 0; otherwise the
// position keeps its id, which is returned as remainderID.
func (s *Store) SplitPartial(id uint64, amount *uint256.Int) (remainderID uint64, removed *uint256.Int, err error) {
	p, ok := s.positions[id]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	if amount.Gt(p.Amount) {
		return 0, nil, fmt.Errorf("%w: position %d holds %s, requested %s",
			ErrInsufficientBalance, id, p.Amount.Dec(), amount.Dec())
	}
	if amount.Eq(p.Amount) {
		s.destroy(p)
		return 0, amount.Clone(), nil
	}
	p.Amount = new(uint256.Int).Sub(p.Amount, amount)
	return id, amount.Clone(), nil
}

// CheckSplit reports the error SplitPartial would return, without mutating.
func (s *Store) CheckSplit(id uint64, amount *uint256.Int) error {
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	if amount.Gt(p.Amount) {
		return fmt.Errorf("%w: position %d holds %s, requested %s",
			ErrInsufficientBalance, id, p.Amount.Dec(), amount.Dec())
	}
	return nil
}

// Read returns a copy of the position.
func (s *Store) Read(id uint64) (model.LockPosition, error) {
	p, ok := s.positions[id]
	if !ok {
		return model.LockPosition{}, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return p.Clone(), nil
}

// ByOwner returns copies of the owner's live positions ordered by id.
func (s *Store) ByOwner(owner string) []model.LockPosition {
	owned := s.byOwner[owner]
	out := make([]model.LockPosition, 0, len(owned))
	for id := range owned {
		out = append(out, s.positions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transfer moves amount of a position to another owner, merging it into the
// recipient's position with the same maturity. It returns the recipient's
// position id.
func (s *Store) Transfer(id uint64, amount *uint256.Int, to string) (uint64, error) {
	p, ok := s.positions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	asset := model.Asset{Token: p.OriginalToken, Nonce: p.OriginalTokenNonce}
	unlock := p.UnlockEpoch
	if err := s.CheckMerge(to, asset, unlock, amount); err != nil {
		return 0, err
	}
	if _, _, err := s.SplitPartial(id, amount); err != nil {
		return 0, err
	}
	newID, _, err := s.CreateOrMerge(to, amount, unlock, asset)
	return newID, err
}

// Len returns the number of live positions.
func (s *Store) Len() int {
	return len(s.positions)
}

// TotalLocked returns the sum of all live position amounts. Each position
// fits in 256 bits but the sum across owners may not, hence decimal.
func (s *Store) TotalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(decimal.NewFromBigInt(p.Amount.ToBig(), 0))
	}
	return total
}

func (s *Store) destroy(p *model.LockPosition) {
	delete(s.positions, p.ID)
	delete(s.byKey, mergeKey{owner: p.Owner, token: p.OriginalToken, nonce: p.OriginalTokenNonce, unlockEpoch: p.UnlockEpoch})
	if owned, ok := s.byOwner[p.Owner]; ok {
		delete(owned, p.ID)
		if len(owned) == 0 {
			delete(s.byOwner, p.Owner)
		}
	}
}

func addChecked(p *model.LockPosition, amount *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(p.Amount, amount)
	if overflow {
		return nil, fmt.Errorf("%w: position %d holds %s, adding %s", ErrAmountOverflow, p.ID, p.Amount.Dec(), amount.Dec())
	}
	return z, nil
}
