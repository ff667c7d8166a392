// Package epoch provides the engine's clock and the calendar arithmetic built
// on it: week ids for fee batching and month-start rounding of unlock epochs.
package epoch

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidSchedule is returned when a schedule has no week length.
var ErrInvalidSchedule = errors.New("epoch: epochs per week must be positive")

// Clock reports the host's current epoch. Successive calls never go backwards.
type Clock interface {
	CurrentEpoch() uint64
}

// ManualClock is a settable clock for tests and journal replay.
type ManualClock struct {
	mu    sync.Mutex
	epoch uint64
}

// NewManualClock creates a clock starting at the given epoch.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{epoch: start}
}

func (c *ManualClock) CurrentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Set moves the clock to epoch. Moving backwards is ignored.
func (c *ManualClock) Set(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch > c.epoch {
		c.epoch = epoch
	}
}

// Advance moves the clock forward by n epochs.
func (c *ManualClock) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch += n
}

// WallClock derives epochs from wall time: epoch = floor((now - genesis) / duration).
type WallClock struct {
	Genesis  time.Time
	Duration time.Duration
	now      func() time.Time
}

// NewWallClock creates a wall clock. A non-positive duration defaults to 24h.
func NewWallClock(genesis time.Time, duration time.Duration) *WallClock {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &WallClock{Genesis: genesis, Duration: duration, now: time.Now}
}

func (c *WallClock) CurrentEpoch() uint64 {
	elapsed := c.now().Sub(c.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.Duration)
}

// Schedule holds the calendar constants.
type Schedule struct {
	EpochsPerWeek       uint64 `json:"epochs_per_week"`
	EpochsPerMonth      uint64 `json:"epochs_per_month"` // 0 disables month rounding
	FirstWeekStartEpoch uint64 `json:"first_week_start_epoch"`
}

// DefaultSchedule is 7-epoch weeks and 30-epoch months starting at epoch 0.
func DefaultSchedule() Schedule {
	return Schedule{EpochsPerWeek: 7, EpochsPerMonth: 30}
}

// Validate checks the schedule can be used for week arithmetic.
func (s Schedule) Validate() error {
	if s.EpochsPerWeek == 0 {
		return ErrInvalidSchedule
	}
	return nil
}

// WeekOf returns the 1-based week id containing epoch. Epochs before the first
// week start belong to week 1.
func (s Schedule) WeekOf(epoch uint64) uint64 {
	if epoch < s.FirstWeekStartEpoch {
		return 1
	}
	return (epoch-s.FirstWeekStartEpoch)/s.EpochsPerWeek + 1
}

// StartOfMonth rounds epoch down to the first epoch of its month.
func (s Schedule) StartOfMonth(epoch uint64) uint64 {
	if s.EpochsPerMonth == 0 {
		return epoch
	}
	return epoch - epoch%s.EpochsPerMonth
}

// UnlockEpochFor returns the unlock epoch of a lock of lockEpochs started at now.
func (s Schedule) UnlockEpochFor(now, lockEpochs uint64) uint64 {
	return s.StartOfMonth(now + lockEpochs)
}
