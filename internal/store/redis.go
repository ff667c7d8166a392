package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertOperation(ctx context.Context, op *model.Operation) error {
	if err := s.primary.InsertOperation(ctx, op); err != nil {
		return err
	}
	keys := []string{historyKey(op.User)}
	if op.Recipient != "" {
		keys = append(keys, historyKey(op.Recipient))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) InsertFeeFlush(ctx context.Context, f *model.FeeFlush) error {
	if err := s.primary.InsertFeeFlush(ctx, f); err != nil {
		return err
	}
	s.rdb.Del(ctx, flushesKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOperationsByUser(ctx context.Context, user string) ([]model.Operation, error) {
	data, err := s.rdb.Get(ctx, historyKey(user)).Bytes()
	if err == nil {
		var ops []model.Operation
		if json.Unmarshal(data, &ops) == nil {
			return ops, nil
		}
	}

	// Cache miss.
	ops, err := s.primary.ListOperationsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, historyKey(user), ops)
	return ops, nil
}

func (s *CachedStore) ListFeeFlushes(ctx context.Context) ([]model.FeeFlush, error) {
	data, err := s.rdb.Get(ctx, flushesKey).Bytes()
	if err == nil {
		var flushes []model.FeeFlush
		if json.Unmarshal(data, &flushes) == nil {
			return flushes, nil
		}
	}

	flushes, err := s.primary.ListFeeFlushes(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, flushesKey, flushes)
	return flushes, nil
}

// --- Passthrough (not cached) ---

// ListOperations is only used for replay at startup and always reads the
// primary.
func (s *CachedStore) ListOperations(ctx context.Context) ([]model.Operation, error) {
	return s.primary.ListOperations(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const flushesKey = "fees:flushes"

func historyKey(user string) string { return fmt.Sprintf("history:%s", user) }
