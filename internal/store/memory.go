package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/energy-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ops     []model.Operation
	seen    map[string]struct{}
	lastSeq uint64
	flushes []model.FeeFlush
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) InsertOperation(_ context.Context, op *model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[op.ID]; ok {
		return fmt.Errorf("%w: operation %s", ErrDuplicate, op.ID)
	}
	if op.Seq <= s.lastSeq {
		return fmt.Errorf("%w: sequence %d not after %d", ErrDuplicate, op.Seq, s.lastSeq)
	}
	// Store a copy to avoid external mutation.
	s.ops = append(s.ops, cloneOperation(*op))
	s.seen[op.ID] = struct{}{}
	s.lastSeq = op.Seq
	return nil
}

func (s *MemoryStore) ListOperations(_ context.Context) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, cloneOperation(op))
	}
	return out, nil
}

func (s *MemoryStore) ListOperationsByUser(_ context.Context, user string) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Operation
	for _, op := range s.ops {
		if op.User == user || op.Recipient == user {
			result = append(result, cloneOperation(op))
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertFeeFlush(_ context.Context, f *model.FeeFlush) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *f
	if f.Amount != nil {
		c.Amount = f.Amount.Clone()
	}
	s.flushes = append(s.flushes, c)
	return nil
}

func (s *MemoryStore) ListFeeFlushes(_ context.Context) ([]model.FeeFlush, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FeeFlush, len(s.flushes))
	copy(out, s.flushes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func cloneOperation(op model.Operation) model.Operation {
	c := op
	if op.Amount != nil {
		c.Amount = op.Amount.Clone()
	}
	if op.Penalty != nil {
		c.Penalty = op.Penalty.Clone()
	}
	if op.Released != nil {
		c.Released = op.Released.Clone()
	}
	return c
}
