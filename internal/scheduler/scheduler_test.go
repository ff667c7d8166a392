package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atmx/energy-engine/internal/bank"
	"github.com/atmx/energy-engine/internal/engine"
	"github.com/atmx/energy-engine/internal/epoch"
	"github.com/atmx/energy-engine/internal/fees"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/store"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepFees(context.Context) ([]model.PendingFee, error) {
	s.calls.Add(1)
	return nil, s.err
}

func TestRegisterAll_RejectsBadSpec(t *testing.T) {
	s := NewScheduler(context.Background(), &countingSweeper{})
	require.Error(t, s.RegisterAll("not a cron spec"))
	require.Empty(t, s.Cron.Entries())

	require.NoError(t, s.RegisterAll("0 0 0 * * 1"))
	require.Len(t, s.Cron.Entries(), 1)
}

func TestRunSweepNow(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(context.Background(), sweeper)
	s.RunSweepNow()
	require.Equal(t, int32(1), sweeper.calls.Load())

	sweeper.err = errors.New("collector down")
	s.RunSweepNow()
	require.Equal(t, int32(2), sweeper.calls.Load())
}

func TestScheduler_RunsJobAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sweeper := &countingSweeper{}
	s := NewScheduler(context.Background(), sweeper)
	require.NoError(t, s.RegisterAll("* * * * * *"))
	s.Start()
	require.Eventually(t, func() bool { return sweeper.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestSweepFlushesEngineFees(t *testing.T) {
	asset := model.Asset{Token: "MEX-455c57"}
	clock := epoch.NewManualClock(0)
	collector := fees.NewMemoryCollector()
	eng, err := engine.New(engine.Config{
		Asset:    asset,
		Options:  []model.LockOption{{LockEpochs: 360, PenaltyBps: 4_000}},
		Schedule: epoch.DefaultSchedule(),
	}, store.NewMemoryStore(), bank.NewMemoryBank(), collector, clock)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = eng.Lock(ctx, "alice", model.Payment{Asset: asset, Amount: uint256.NewInt(1000)}, 360)
	require.NoError(t, err)
	_, err = eng.UnlockEarly(ctx, "alice", 1, nil)
	require.NoError(t, err)
	require.Len(t, eng.PendingFees(), 1)

	s := NewScheduler(ctx, eng)
	s.RunSweepNow()
	require.Empty(t, collector.Notifications(), "current week is not due")

	clock.Set(7)
	s.RunSweepNow()
	require.Len(t, collector.Notifications(), 1)
	require.Equal(t, "400", collector.Total().Dec())
	require.Empty(t, eng.PendingFees())
}
