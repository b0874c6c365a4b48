package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgvmax_archiver/config"
	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

type fakeCycler struct {
	mu     sync.Mutex
	forced []bool
	// result decides the outcome of call n (1-based).
	result func(n int) (models.RunStatus, error)
	calls  chan int
}

func newFakeCycler(result func(n int) (models.RunStatus, error)) *fakeCycler {
	return &fakeCycler{result: result, calls: make(chan int, 100)}
}

func (f *fakeCycler) Run(ctx context.Context, force bool) (*models.RefreshRun, error) {
	f.mu.Lock()
	f.forced = append(f.forced, force)
	n := len(f.forced)
	f.mu.Unlock()

	status, err := models.RunStatusCompleted, error(nil)
	if f.result != nil {
		status, err = f.result(n)
	}
	f.calls <- n
	if err != nil {
		status = models.RunStatusFailed
	}
	return &models.RefreshRun{CycleID: "c", Status: status, Forced: force}, err
}

func (f *fakeCycler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forced)
}

type countingWorker struct{ n atomic.Int32 }

func (w *countingWorker) Trigger() { w.n.Add(1) }

func waitCall(t *testing.T, f *fakeCycler, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-f.calls:
			if n >= want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for cycle %d", want)
		}
	}
}

func intervalConfig(d time.Duration) *config.Config {
	return &config.Config{Scheduler: config.SchedulerConfig{Interval: d}}
}

func TestRunCyclesImmediatelyThenOnInterval(t *testing.T) {
	cycler := newFakeCycler(nil)
	s := New(intervalConfig(20*time.Millisecond), cycler, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCall(t, cycler, 3)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, cycler.count(), 3)
	assert.Equal(t, StateIdle, s.State())
	require.NotNil(t, s.LastRun())
}

func TestRunStopsOnFirstCycleError(t *testing.T) {
	boom := &models.StoreError{Op: "commit", Err: errors.New("disk full")}
	cycler := newFakeCycler(func(n int) (models.RunStatus, error) {
		if n == 2 {
			return "", boom
		}
		return models.RunStatusCompleted, nil
	})
	s := New(intervalConfig(10*time.Millisecond), cycler, nil, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Same(t, boom, err)
	assert.Equal(t, 2, cycler.count())
	assert.Equal(t, models.RunStatusFailed, s.LastRun().Status)
}

func TestRunFailsWhenFirstCycleFails(t *testing.T) {
	cycler := newFakeCycler(func(int) (models.RunStatus, error) {
		return "", &models.FetchError{Op: "download", Err: errors.New("503")}
	})
	s := New(intervalConfig(time.Hour), cycler, nil, nil)

	err := s.Run(context.Background())
	var fe *models.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, cycler.count())
}

func TestWorkersTriggeredOnlyAfterCompletedCycles(t *testing.T) {
	cycler := newFakeCycler(func(n int) (models.RunStatus, error) {
		if n == 1 {
			return models.RunStatusCompleted, nil
		}
		return models.RunStatusSkipped, nil
	})
	worker := &countingWorker{}
	s := New(intervalConfig(time.Hour), cycler, nil, nil)
	s.SetWorkers(worker)

	ctx := context.Background()
	require.NoError(t, s.TriggerNow(ctx, false))
	require.NoError(t, s.TriggerNow(ctx, false))
	assert.EqualValues(t, 1, worker.n.Load())
}

func TestStateIsRunningDuringCycle(t *testing.T) {
	release := make(chan struct{})
	cycler := newFakeCycler(func(int) (models.RunStatus, error) {
		<-release
		return models.RunStatusCompleted, nil
	})
	s := New(intervalConfig(time.Hour), cycler, nil, nil)
	assert.Equal(t, StateIdle, s.State())

	done := make(chan error, 1)
	go func() { done <- s.TriggerNow(context.Background(), true) }()

	assert.Eventually(t, func() bool { return s.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "running", s.State().String())
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, s.State())
}

func TestInvalidCronExpression(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Cron: "not a cron"}}
	cycler := newFakeCycler(nil)

	err := New(cfg, cycler, nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
	assert.Zero(t, cycler.count())
}

func TestCronModeRunsImmediately(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Cron: "@hourly"}}
	cycler := newFakeCycler(nil)
	s := New(cfg, cycler, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCall(t, cycler, 1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, cycler.count())
}

func TestNonPositiveIntervalRejected(t *testing.T) {
	err := New(intervalConfig(0), newFakeCycler(nil), nil, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestCommandsFromLedger(t *testing.T) {
	ledger, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer ledger.Close()

	cfg := intervalConfig(time.Hour)
	cfg.Scheduler.CommandPoll = 10 * time.Millisecond
	cycler := newFakeCycler(nil)
	worker := &countingWorker{}
	s := New(cfg, cycler, ledger, nil)
	s.SetWorkers(worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitCall(t, cycler, 1)

	_, err = ledger.EnqueueCommand(models.CmdRefreshNow, &models.CommandParams{Force: true})
	require.NoError(t, err)
	waitCall(t, cycler, 2)

	_, err = ledger.EnqueueCommand(models.CmdPause, nil)
	require.NoError(t, err)
	assert.Eventually(t, s.Paused, 5*time.Second, 5*time.Millisecond)

	_, err = ledger.EnqueueCommand(models.CmdPublish, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return worker.n.Load() == 3 }, 5*time.Second, 5*time.Millisecond)

	_, err = ledger.EnqueueCommand(models.CmdResume, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !s.Paused() }, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	cycler.mu.Lock()
	assert.Equal(t, []bool{false, true}, cycler.forced)
	cycler.mu.Unlock()

	pending, err := ledger.GetPendingCommands()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPausedSchedulerSkipsScheduledCycles(t *testing.T) {
	cycler := newFakeCycler(nil)
	s := New(intervalConfig(time.Hour), cycler, nil, nil)
	s.paused.Store(true)

	require.NoError(t, s.scheduled(context.Background()))
	assert.Zero(t, cycler.count())

	// Manual triggers still run while paused.
	require.NoError(t, s.TriggerNow(context.Background(), false))
	assert.Equal(t, 1, cycler.count())
}
