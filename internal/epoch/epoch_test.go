package epoch

import (
	"testing"
	"time"
)

func TestSchedule_WeekOf(t *testing.T) {
	s := DefaultSchedule()
	tests := []struct {
		epoch, week uint64
	}{
		{0, 1},
		{6, 1},
		{7, 2},
		{13, 2},
		{14, 3},
	}
	for _, tt := range tests {
		if got := s.WeekOf(tt.epoch); got != tt.week {
			t.Errorf("WeekOf(%d) = %d, want %d", tt.epoch, got, tt.week)
		}
	}
}

func TestSchedule_WeekOfBeforeFirstWeek(t *testing.T) {
	s := Schedule{EpochsPerWeek: 7, FirstWeekStartEpoch: 100}
	if got := s.WeekOf(50); got != 1 {
		t.Errorf("expected week 1 before first week start, got %d", got)
	}
	if got := s.WeekOf(107); got != 2 {
		t.Errorf("expected week 2, got %d", got)
	}
}

func TestSchedule_UnlockEpochFor(t *testing.T) {
	s := DefaultSchedule()
	if got := s.UnlockEpochFor(1, 360); got != 360 {
		t.Errorf("expected 360, got %d", got)
	}
	if got := s.UnlockEpochFor(181, 360); got != 540 {
		t.Errorf("expected 540, got %d", got)
	}

	noRounding := Schedule{EpochsPerWeek: 7}
	if got := noRounding.UnlockEpochFor(1, 360); got != 361 {
		t.Errorf("expected 361 without month rounding, got %d", got)
	}
}

func TestSchedule_Validate(t *testing.T) {
	if err := (Schedule{}).Validate(); err != ErrInvalidSchedule {
		t.Errorf("expected ErrInvalidSchedule, got %v", err)
	}
	if err := DefaultSchedule().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestManualClock_NeverGoesBackwards(t *testing.T) {
	c := NewManualClock(10)
	c.Set(5)
	if c.CurrentEpoch() != 10 {
		t.Errorf("clock moved backwards to %d", c.CurrentEpoch())
	}
	c.Advance(3)
	if c.CurrentEpoch() != 13 {
		t.Errorf("expected 13, got %d", c.CurrentEpoch())
	}
}

func TestWallClock_CurrentEpoch(t *testing.T) {
	genesis := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWallClock(genesis, time.Hour)
	c.now = func() time.Time { return genesis.Add(5*time.Hour + 30*time.Minute) }
	if got := c.CurrentEpoch(); got != 5 {
		t.Errorf("expected epoch 5, got %d", got)
	}

	c.now = func() time.Time { return genesis.Add(-time.Hour) }
	if got := c.CurrentEpoch(); got != 0 {
		t.Errorf("expected epoch 0 before genesis, got %d", got)
	}
}
