package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/runner"
	"github.com/livinlefevreloca/cadence/internal/testutil"
)

var windowStart = time.Date(2025, 11, 16, 9, 0, 0, 0, time.UTC)

var allPhases = []string{
	config.PhasePreValidation,
	config.PhaseSourceToStage,
	config.PhaseStageToTarget,
	config.PhaseAudit,
}

func pipeline() *config.Pipeline {
	cfg := &config.Pipeline{
		Name:                   "orders",
		Granularity:            "1h",
		XDaysBack:              "7d",
		StaleRunTimeoutMinutes: 120,
	}
	for _, name := range allPhases {
		cfg.Phases = append(cfg.Phases, config.Phase{Name: name})
	}
	return cfg
}

func newRun(id string, retry int, created time.Time) *drive.Record {
	return drive.NewRecord(id, "orders", windowStart, windowStart.Add(time.Hour), retry, allPhases, created)
}

// withCounts stores a phase envelope carrying counts on rec.
func withCounts(t *testing.T, rec *drive.Record, name string, counts map[string]int64) {
	t.Helper()
	data := drive.PhaseData{PhaseName: name, Status: drive.PhaseCompleted}
	for k, v := range counts {
		data.SetCount(k, v)
	}
	raw, err := data.Marshal()
	require.NoError(t, err)
	rec.PhaseData[name] = raw
}

func withSkip(t *testing.T, rec *drive.Record, name, reason string) {
	t.Helper()
	raw, err := drive.PhaseData{PhaseName: name, Status: drive.PhaseSkipped, SkipReason: reason}.Marshal()
	require.NoError(t, err)
	rec.PhaseData[name] = raw
}

func TestRegisterBuiltins(t *testing.T) {
	reg := phase.NewRegistry()
	logger := testutil.NewTestLogger().Logger()

	require.NoError(t, RegisterBuiltins(reg, testutil.NewMemoryStore(), logger))
	assert.Equal(t, []string{"audit", "pre_validation", "stale_pipeline_handling"}, reg.Names())

	h, ok := reg.Resolve(config.Phase{Name: "custom", Command: "true"})
	require.True(t, ok)
	assert.IsType(t, &Command{}, h)

	assert.Error(t, RegisterBuiltins(reg, testutil.NewMemoryStore(), logger), "second registration must fail")
}

// storeOnly hides the sweeper of the memory store.
type storeOnly struct{ drive.Store }

func TestRegisterBuiltins_WithoutSweeper(t *testing.T) {
	reg := phase.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, storeOnly{testutil.NewMemoryStore()}, testutil.NewTestLogger().Logger()))
	assert.Equal(t, []string{"audit", "pre_validation"}, reg.Names())
}

func TestPreValidation_FreshRun(t *testing.T) {
	store := testutil.NewMemoryStore()
	current := newRun("orders_r0", 0, windowStart.Add(time.Hour))
	store.Put(current)

	res, err := NewPreValidation(store, testutil.NewTestLogger().Logger()).
		Execute(context.Background(), pipeline(), current)
	require.NoError(t, err)

	assert.False(t, res.Stop)
	assert.True(t, res.Payload.Flag(FlagFreshRun))
	n, _ := res.Payload.Count(CountPreviousAttempts)
	assert.Zero(t, n)
	assert.Equal(t, []string{}, res.Payload.Values[ValuePhasesToSkip])
}

func TestPreValidation_ContinuationRun(t *testing.T) {
	store := testutil.NewMemoryStore()

	failed := newRun("orders_r0", 0, windowStart.Add(time.Hour))
	failed.Status = drive.StatusFailed
	failed.PhasesCompleted = []string{"pre_validation", "source_to_stage_transfer"}
	failed.PhaseFailed = "stage_to_target_transfer"
	failed.PhasesPending = []string{"audit"}
	store.Put(failed)

	// Another window on the same date and a gap marker are not attempts.
	other := drive.NewRecord("orders_other", "orders", windowStart.Add(-time.Hour), windowStart, 0, allPhases, windowStart)
	other.Status = drive.StatusFailed
	other.PhaseFailed = "audit"
	store.Put(other)
	gap := newRun("orders_gap", 0, windowStart.Add(time.Hour))
	gap.Status = drive.StatusGapDetected
	store.Put(gap)

	current := newRun("orders_r1", 1, windowStart.Add(2*time.Hour))
	store.Put(current)

	res, err := NewPreValidation(store, testutil.NewTestLogger().Logger()).
		Execute(context.Background(), pipeline(), current)
	require.NoError(t, err)

	assert.False(t, res.Payload.Flag(FlagFreshRun))
	n, _ := res.Payload.Count(CountPreviousAttempts)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"pre_validation", "source_to_stage_transfer"}, res.Payload.Values[ValuePhasesToSkip])
	assert.Equal(t, "stage_to_target_transfer", res.Payload.Values[ValuePreviousFailure])
}

func TestPreValidation_StoreError(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.FailOn(testutil.OpQueryByDate, errors.New("boom"))

	_, err := NewPreValidation(store, testutil.NewTestLogger().Logger()).
		Execute(context.Background(), pipeline(), newRun("orders_r0", 0, windowStart))
	require.Error(t, err)
	assert.Equal(t, errclass.Transient, errclass.Classify(err))
}

func TestLossPercent(t *testing.T) {
	assert.Equal(t, 0.0, LossPercent(0, 0))
	assert.Equal(t, 0.0, LossPercent(0, 10))
	assert.Equal(t, 5.0, LossPercent(100, 95))
	assert.Equal(t, -10.0, LossPercent(100, 110))
}

func TestAudit(t *testing.T) {
	tests := []struct {
		name     string
		transfer map[string]int64
		load     map[string]int64
		options  map[string]any
		wantStop bool
		wantMsg  string
	}{
		{
			name:     "within tolerance",
			transfer: map[string]int64{CountSource: 1000, CountStage: 990},
			load:     map[string]int64{CountTarget: 985},
		},
		{
			name:     "source to stage loss",
			transfer: map[string]int64{CountSource: 100, CountStage: 95},
			load:     map[string]int64{CountTarget: 95},
			wantStop: true,
			wantMsg:  "tolerance exceeded: source_to_stage loss 5.00% exceeds 2.00%",
		},
		{
			name:     "stage to target loss",
			transfer: map[string]int64{CountSource: 100, CountStage: 100},
			load:     map[string]int64{CountTarget: 98},
			wantStop: true,
			wantMsg:  "tolerance exceeded: stage_to_target loss 2.00% exceeds 1.00%",
		},
		{
			name:     "custom tolerance",
			transfer: map[string]int64{CountSource: 100, CountStage: 95},
			load:     map[string]int64{CountTarget: 95},
			options:  map[string]any{OptSourceToStageTolerance: 10.0},
		},
		{
			name:     "empty source",
			transfer: map[string]int64{CountSource: 0, CountStage: 0},
			load:     map[string]int64{CountTarget: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pipeline()
			cfg.Phases[3].Options = tt.options
			rec := newRun("orders_r0", 0, windowStart)
			withCounts(t, rec, config.PhaseSourceToStage, tt.transfer)
			withCounts(t, rec, config.PhaseStageToTarget, tt.load)

			res, err := NewAudit(nil, testutil.NewTestLogger().Logger()).Execute(context.Background(), cfg, rec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStop, res.Stop)
			assert.Equal(t, tt.wantMsg, res.ErrorMessage)
			if tt.wantStop {
				assert.Equal(t, "FAILED", res.Payload.Values["validation_status"])
			} else {
				assert.Equal(t, "PASSED", res.Payload.Values["validation_status"])
			}
		})
	}
}

func TestAudit_WithoutLoadPhase(t *testing.T) {
	rec := newRun("orders_r0", 0, windowStart)
	withCounts(t, rec, config.PhaseSourceToStage, map[string]int64{CountSource: 100, CountStage: 100})

	res, err := NewAudit(nil, testutil.NewTestLogger().Logger()).Execute(context.Background(), pipeline(), rec)
	require.NoError(t, err)
	assert.False(t, res.Stop)
	assert.Contains(t, res.Payload.Flags, "source_to_stage_passed")
	assert.NotContains(t, res.Payload.Flags, "stage_to_target_passed")
}

func TestAudit_NothingToCompare(t *testing.T) {
	logs := testutil.NewTestLogger()
	res, err := NewAudit(nil, logs.Logger()).Execute(context.Background(), pipeline(), newRun("orders_r0", 0, windowStart))
	require.NoError(t, err)
	assert.False(t, res.Stop)
	assert.Equal(t, "SKIPPED", res.Payload.Values["validation_status"])
	assert.True(t, logs.HasWarning())
}

func TestAudit_CountsFromEarlierAttempt(t *testing.T) {
	store := testutil.NewMemoryStore()
	earlier := newRun("orders_r0", 0, windowStart.Add(time.Hour))
	earlier.Status = drive.StatusFailed
	withCounts(t, earlier, config.PhaseSourceToStage, map[string]int64{CountSource: 100, CountStage: 90})
	store.Put(earlier)

	current := newRun("orders_r1", 1, windowStart.Add(2*time.Hour))
	withSkip(t, current, config.PhaseSourceToStage, phase.SkipAlreadyCompleted)
	store.Put(current)

	res, err := NewAudit(store, testutil.NewTestLogger().Logger()).Execute(context.Background(), pipeline(), current)
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Contains(t, res.ErrorMessage, "source_to_stage loss 10.00%")
}

func TestAudit_DisabledPhaseIsNotCounted(t *testing.T) {
	rec := newRun("orders_r0", 0, windowStart)
	withSkip(t, rec, config.PhaseSourceToStage, phase.SkipDisabled)

	res, err := NewAudit(testutil.NewMemoryStore(), testutil.NewTestLogger().Logger()).Execute(context.Background(), pipeline(), rec)
	require.NoError(t, err)
	assert.Equal(t, "SKIPPED", res.Payload.Values["validation_status"])
}

func TestAudit_CorruptPhaseData(t *testing.T) {
	rec := newRun("orders_r0", 0, windowStart)
	rec.PhaseData[config.PhaseSourceToStage] = json.RawMessage(`{"counts":`)

	_, err := NewAudit(nil, testutil.NewTestLogger().Logger()).Execute(context.Background(), pipeline(), rec)
	assert.Error(t, err)
}

func TestStaleHandling(t *testing.T) {
	store := testutil.NewMemoryStore()
	now := windowStart.Add(5 * time.Hour)
	stuck := drive.NewRecord("orders_stuck", "orders", windowStart.Add(-2*time.Hour), windowStart.Add(-time.Hour), 0, allPhases, now.Add(-3*time.Hour))
	store.Put(stuck)
	current := newRun("orders_r0", 0, now)
	store.Put(current)

	j := runner.NewJanitor(store, testutil.NewTestLogger().Logger())
	j.SetClock(func() time.Time { return now })

	res, err := NewStaleHandling(j).Execute(context.Background(), pipeline(), current)
	require.NoError(t, err)
	n, _ := res.Payload.Count("records_resolved")
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"orders_stuck"}, res.Payload.Values["resolved_runs"])

	rec, err := store.GetRun(context.Background(), current.RunID)
	require.NoError(t, err)
	assert.Equal(t, drive.StatusRunning, rec.Status)
}

func commandPhase(command string) config.Phase {
	return config.Phase{Name: "load", Command: command}
}

func runCommand(t *testing.T, ph config.Phase, logger *slog.Logger) (phase.Result, error) {
	t.Helper()
	c := NewCommand(ph, logger)
	c.SetRetryPolicy(errclass.RetryPolicy{MaxRetries: ph.Retries, Strategy: errclass.StrategyNone})
	rec := newRun("orders_20251116T0900_r0_abcd1234", 0, windowStart)
	return c.Execute(context.Background(), pipeline(), rec)
}

func TestCommand_ParsesResult(t *testing.T) {
	ph := commandPhase(`sh -c 'echo starting; echo "{\"counts\":{\"source_count\":42},\"flags\":{\"ok\":true}}"'`)

	res, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.False(t, res.Stop)
	n, ok := res.Payload.Count("source_count")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	assert.True(t, res.Payload.Flag("ok"))
}

func TestCommand_Environment(t *testing.T) {
	ph := commandPhase(`sh -c 'printf "{\"values\":{\"start\":\"%s\",\"end\":\"%s\",\"phase\":\"%s\"}}" "$CADENCE_WINDOW_START" "$CADENCE_WINDOW_END" "$CADENCE_PHASE"'`)

	res, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.Equal(t, "2025-11-16T09:00:00Z", res.Payload.Values["start"])
	assert.Equal(t, "2025-11-16T10:00:00Z", res.Payload.Values["end"])
	assert.Equal(t, "load", res.Payload.Values["phase"])
}

func TestCommand_ReadsRecordOnStdin(t *testing.T) {
	ph := commandPhase(`sh -c 'grep -q "\"run_id\":\"orders_20251116T0900_r0_abcd1234\"" && echo "{\"flags\":{\"saw_record\":true}}"'`)

	res, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.True(t, res.Payload.Flag("saw_record"))
}

func TestCommand_StopResult(t *testing.T) {
	ph := commandPhase(`echo '{"stop":true,"error_message":"source is empty"}'`)

	res, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Equal(t, "source is empty", res.ErrorMessage)
}

func TestCommand_PlainOutputIsNoResult(t *testing.T) {
	res, err := runCommand(t, commandPhase("echo copied 10 rows"), testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.Equal(t, phase.Result{}, res)
}

func TestCommand_ResultAfterLargeOutput(t *testing.T) {
	ph := commandPhase(`sh -c 'head -c 1100000 /dev/zero | tr "\0" x; echo; echo "{\"stop\":true,\"error_message\":\"tolerance exceeded\"}"'`)

	res, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Equal(t, "tolerance exceeded", res.ErrorMessage)
}

func runLimited(t *testing.T, command string, limit int) (phase.Result, error) {
	t.Helper()
	c := NewCommand(commandPhase(command), testutil.NewTestLogger().Logger())
	c.SetRetryPolicy(errclass.RetryPolicy{Strategy: errclass.StrategyNone})
	c.outputLimit = limit
	return c.Execute(context.Background(), pipeline(), newRun("orders_r0", 0, windowStart))
}

func TestCommand_ResultKeptWhenOutputDropped(t *testing.T) {
	res, err := runLimited(t, `sh -c 'head -c 5000 /dev/zero | tr "\0" x; echo; echo "{\"stop\":true,\"error_message\":\"late\"}"'`, 64)
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Equal(t, "late", res.ErrorMessage)
}

func TestCommand_DroppedOutputWithoutResultFails(t *testing.T) {
	_, err := runLimited(t, `sh -c 'head -c 5000 /dev/zero | tr "\0" x; echo; echo done'`, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, errOutputTruncated)
	assert.Equal(t, errclass.Permanent, errclass.Classify(err))
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{cap: 4}
	for _, chunk := range []string{"ab", "cdef", "gh"} {
		n, err := b.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, "abcdefgh", b.String())
	assert.False(t, b.Truncated())

	b.Write([]byte("ijk"))
	assert.Equal(t, "abcdhijk", b.String())
	assert.True(t, b.Truncated())
}

func TestCommand_PermanentFailureIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	ph := commandPhase(`sh -c 'echo x >> attempts; echo "column missing" >&2; exit 3'`)
	ph.Retries = 2
	ph.Options = map[string]any{OptDir: dir}

	_, err := runCommand(t, ph, testutil.NewTestLogger().Logger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3: column missing")
	assert.Equal(t, errclass.Permanent, errclass.Classify(err))

	data, err := os.ReadFile(filepath.Join(dir, "attempts"))
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
}

func TestCommand_TransientFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	ph := commandPhase(`sh -c 'if [ -f marker ]; then echo "{\"counts\":{\"target_count\":7}}"; else touch marker; echo "connection refused" >&2; exit 1; fi'`)
	ph.Retries = 1
	ph.Options = map[string]any{OptDir: dir}
	logs := testutil.NewTestLogger()

	res, err := runCommand(t, ph, logs.Logger())
	require.NoError(t, err)
	n, _ := res.Payload.Count("target_count")
	assert.Equal(t, int64(7), n)
	assert.True(t, logs.Has(slog.LevelWarn, "phase command failed, retrying"))
}

func TestCommand_ConfigurationErrors(t *testing.T) {
	logger := testutil.NewTestLogger().Logger()
	for _, command := range []string{"", `sh -c 'unterminated`, "/nonexistent/cadence-phase"} {
		_, err := runCommand(t, commandPhase(command), logger)
		require.Error(t, err, command)
		assert.Equal(t, errclass.Configuration, errclass.Classify(err), command)
	}
}

func TestCommand_Timeout(t *testing.T) {
	c := NewCommand(commandPhase("sleep 5"), testutil.NewTestLogger().Logger())
	c.SetRetryPolicy(errclass.RetryPolicy{Strategy: errclass.StrategyNone})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, pipeline(), newRun("orders_r0", 0, windowStart))
	require.Error(t, err)
	assert.Equal(t, errclass.Transient, errclass.Classify(err))
}
