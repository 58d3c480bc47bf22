package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/lock"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/runner"
	"github.com/livinlefevreloca/cadence/internal/testutil"
)

var tickNow = time.Date(2025, 11, 16, 10, 37, 42, 0, time.UTC)

// =============================================================================
// Fixtures
// =============================================================================

// fakeLocker records acquisitions and can refuse them.
type fakeLocker struct {
	mu       sync.Mutex
	err      error
	acquired []string
	released int
}

func (l *fakeLocker) Acquire(_ context.Context, name string) (lock.Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, name)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	}, nil
}

type fixture struct {
	store  *testutil.MemoryStore
	locker *fakeLocker
	logs   *testutil.TestLogger
	sched  *Scheduler
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.Pipeline{
			Name:                   "orders",
			Granularity:            "1h",
			XDaysBack:              "7d",
			StaleRunTimeoutMinutes: 120,
			Phases: []config.Phase{
				{Name: config.PhasePreValidation},
				{Name: config.PhaseSourceToStage},
			},
		},
		Scheduler: config.SchedulerConfig{
			Schedule: "5 * * * *",
			Janitor:  true,
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewMemoryStore(),
		locker: &fakeLocker{},
		logs:   testutil.NewTestLogger(),
	}
	clock := func() time.Time { return tickNow }
	f.store.SetClock(clock)

	reg := phase.NewRegistry()
	for _, ph := range cfg.Pipeline.Phases {
		require.NoError(t, reg.Register(ph.Name, phase.HandlerFunc(
			func(context.Context, *config.Pipeline, *drive.Record) (phase.Result, error) {
				return phase.Result{}, nil
			})))
	}

	r := runner.New(f.store, reg, nil, f.logs.Logger())
	r.SetClock(clock)
	r.SetIDSuffix(func() string { return "abcd1234" })

	j := runner.NewJanitor(f.store, f.logs.Logger())
	j.SetClock(clock)

	sched, err := New(cfg, r, j, f.locker, f.logs.Logger())
	require.NoError(t, err)
	sched.SetClock(clock)
	f.sched = sched
	return f
}

// =============================================================================
// Schedule parsing
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"five fields", "5 * * * *", false},
		{"descriptor", "@hourly", false},
		{"interval", "@every 15m", false},
		{"seconds field rejected", "0 5 * * * *", true},
		{"garbage", "every hour", true},
		{"never fires", "0 0 30 2 *", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Schedule = "not a schedule"

	_, err := New(cfg, nil, nil, nil, slog.Default())
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	f := newFixture(t, testConfig())

	assert.Equal(t, time.Date(2025, 11, 16, 11, 5, 0, 0, time.UTC), f.sched.Next(tickNow))
	assert.Equal(t, time.Date(2025, 11, 16, 10, 5, 0, 0, time.UTC),
		f.sched.Next(time.Date(2025, 11, 16, 9, 59, 0, 0, time.UTC)))
}

// =============================================================================
// Reload
// =============================================================================

func TestReload_ChangesSchedule(t *testing.T) {
	f := newFixture(t, testConfig())

	cfg := testConfig()
	cfg.Scheduler.Schedule = "*/15 * * * *"
	require.NoError(t, f.sched.Reload(cfg))

	assert.Equal(t, time.Date(2025, 11, 16, 10, 45, 0, 0, time.UTC), f.sched.Next(tickNow))
	assert.True(t, f.logs.Has(slog.LevelInfo, "schedule changed"))
}

func TestReload_InvalidScheduleKeepsCurrent(t *testing.T) {
	f := newFixture(t, testConfig())

	cfg := testConfig()
	cfg.Scheduler.Schedule = "bogus"
	assert.Error(t, f.sched.Reload(cfg))

	assert.Equal(t, time.Date(2025, 11, 16, 11, 5, 0, 0, time.UTC), f.sched.Next(tickNow))
}

func TestReload_AppliesToNextTick(t *testing.T) {
	f := newFixture(t, testConfig())

	cfg := testConfig()
	cfg.Pipeline.Name = "returns"
	require.NoError(t, f.sched.Reload(cfg))

	out, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "returns", out.Pipeline)
	assert.Equal(t, []string{"returns"}, f.locker.acquired)
}

// =============================================================================
// Tick
// =============================================================================

func TestTick_RunsPipeline(t *testing.T) {
	f := newFixture(t, testConfig())

	out, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Succeeded())
	assert.Equal(t, time.Date(2025, 11, 16, 9, 0, 0, 0, time.UTC), out.Window.Start)
	assert.Equal(t, 0, out.RetryNumber)

	runs := f.store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, drive.StatusSuccess, runs[0].Status)

	assert.Equal(t, []string{"orders"}, f.locker.acquired)
	assert.Equal(t, 1, f.locker.released)
}

func TestTick_SkippedWhenLockHeld(t *testing.T) {
	f := newFixture(t, testConfig())
	f.locker.err = errors.Wrap(lock.ErrNotAcquired, "lock cadence:orders")

	_, err := f.sched.Tick(context.Background())
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	assert.Empty(t, f.store.Runs())
	assert.Zero(t, f.store.CountCalls(testutil.OpMarkStaleRuns))
	assert.True(t, f.logs.Has(slog.LevelInfo, "tick skipped, another scheduler holds the lock"))
	assert.False(t, f.logs.HasError())
}

func TestTick_LockErrorIsLogged(t *testing.T) {
	f := newFixture(t, testConfig())
	f.locker.err = errors.New("redis: connection refused")

	_, err := f.sched.Tick(context.Background())
	assert.Error(t, err)

	assert.Empty(t, f.store.Runs())
	assert.True(t, f.logs.Has(slog.LevelError, "failed to acquire tick lock"))
}

func TestTick_SweepsStaleRunsFirst(t *testing.T) {
	f := newFixture(t, testConfig())

	// An attempt at the same window that stopped reporting three hours ago.
	stale := drive.NewRecord("orders_stale", "orders",
		time.Date(2025, 11, 16, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 16, 10, 0, 0, 0, time.UTC),
		0, nil, tickNow.Add(-3*time.Hour))
	f.store.Put(stale)

	out, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.CountCalls(testutil.OpMarkStaleRuns))
	assert.Equal(t, 1, out.RetryNumber)

	prev, err := f.store.GetRun(context.Background(), "orders_stale")
	require.NoError(t, err)
	assert.Equal(t, drive.StatusFailed, prev.Status)
	assert.Contains(t, prev.FailureReason, "stale-run janitor")
}

func TestTick_JanitorDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Janitor = false
	f := newFixture(t, cfg)

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.store.CountCalls(testutil.OpMarkStaleRuns))
}

func TestTick_SweepFailureDoesNotBlockRun(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.FailOnce(testutil.OpMarkStaleRuns, errors.New("database is locked"))

	out, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.True(t, f.logs.Has(slog.LevelError, "stale-run sweep failed"))
}

func TestTick_RunInProgressIsWarning(t *testing.T) {
	f := newFixture(t, testConfig())

	live := drive.NewRecord("orders_live", "orders",
		time.Date(2025, 11, 16, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 16, 10, 0, 0, 0, time.UTC),
		0, nil, tickNow.Add(-time.Minute))
	f.store.Put(live)

	_, err := f.sched.Tick(context.Background())
	assert.ErrorIs(t, err, runner.ErrRunInProgress)
	assert.True(t, f.logs.Has(slog.LevelWarn, "tick skipped, window already running"))
	assert.Equal(t, 1, f.locker.released)
}

// =============================================================================
// Run loop
// =============================================================================

func TestRun_RunOnStartUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.RunOnStart = true
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(f.store.Runs()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, f.logs.Has(slog.LevelInfo, "scheduler stopped"))
}

func TestRun_StopsWithoutTicking(t *testing.T) {
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.sched.Run(ctx))
	assert.Empty(t, f.store.Runs())
}

func TestRun_NoUpcomingFiringDoesNotTick(t *testing.T) {
	f := newFixture(t, testConfig())
	never, err := cron.ParseStandard("0 0 30 2 *")
	require.NoError(t, err)
	f.sched.mu.Lock()
	f.sched.schedule = never
	f.sched.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, f.sched.Run(ctx))

	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	assert.Empty(t, f.locker.acquired)
	assert.Empty(t, f.store.Runs())
	assert.True(t, f.logs.Has(slog.LevelError, "schedule has no upcoming firing, waiting for reload"))
}

func TestRun_ReloadLeavesIdleState(t *testing.T) {
	f := newFixture(t, testConfig())
	never, err := cron.ParseStandard("0 0 30 2 *")
	require.NoError(t, err)
	f.sched.mu.Lock()
	f.sched.schedule = never
	f.sched.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return f.logs.Has(slog.LevelError, "schedule has no upcoming firing, waiting for reload")
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.sched.Reload(testConfig()))
	assert.Eventually(t, func() bool {
		return f.logs.Has(slog.LevelDebug, "next tick")
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Empty(t, f.store.Runs())
}
