package fees

import (
	"context"
	"strconv"
	"sync"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-engine/internal/model"
)

// Notification is one call received by a MemoryCollector.
type Notification struct {
	Asset       model.Asset
	Amount      *uint256.Int
	UnlockEpoch uint64
}

// MemoryCollector records notifications in memory. Used for testing and when
// no external collector is configured.
type MemoryCollector struct {
	mu    sync.Mutex
	calls []Notification
}

// NewMemoryCollector creates an empty collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

func (c *MemoryCollector) NotifyFees(_ context.Context, asset model.Asset, amount *uint256.Int, unlockEpoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Notification{Asset: asset, Amount: amount.Clone(), UnlockEpoch: unlockEpoch})
	return nil
}

// Notifications returns every recorded call in order.
func (c *MemoryCollector) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.calls))
	copy(out, c.calls)
	return out
}

// Total returns the sum of every notified amount.
func (c *MemoryCollector) Total() *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := new(uint256.Int)
	for _, n := range c.calls {
		total.Add(total, n.Amount)
	}
	return total
}

// RedisCollector publishes flushed fees to a Redis stream consumed by the
// fee-collector service.
type RedisCollector struct {
	rdb    *redis.Client
	stream string
}

// NewRedisCollector creates a collector writing to the given stream.
func NewRedisCollector(rdb *redis.Client, stream string) *RedisCollector {
	if stream == "" {
		stream = "energy:fees"
	}
	return &RedisCollector{rdb: rdb, stream: stream}
}

func (c *RedisCollector) NotifyFees(ctx context.Context, asset model.Asset, amount *uint256.Int, unlockEpoch uint64) error {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{
			"token":        asset.Token,
			"token_nonce":  strconv.FormatUint(asset.Nonce, 10),
			"amount":       amount.Dec(),
			"unlock_epoch": strconv.FormatUint(unlockEpoch, 10),
		},
	}).Err()
}
