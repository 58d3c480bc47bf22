package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/testutil"
)

func at(hour int) time.Time {
	return time.Date(2025, 11, 16, hour, 0, 0, 0, time.UTC)
}

func phaseDoc(t *testing.T, status string, start time.Time, d time.Duration) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(drive.PhaseData{
		Status:         status,
		StartTimestamp: start,
		EndTimestamp:   start.Add(d),
	})
	require.NoError(t, err)
	return raw
}

// finished builds a run for the window starting at hour with the given
// status and elapsed time.
func finished(id string, hour int, status drive.Status, elapsed time.Duration) *drive.Record {
	rec := drive.NewRecord(id, "orders", at(hour), at(hour+1), 0, nil, at(hour+1))
	rec.Status = status
	ended := rec.StartedAt.Add(elapsed)
	rec.EndedAt = &ended
	rec.Duration = elapsed
	return rec
}

func TestDurations_MinMaxAvg(t *testing.T) {
	var d Durations
	min, max, avg := d.MinMaxAvg()
	assert.Zero(t, min)
	assert.Zero(t, max)
	assert.Zero(t, avg)

	d.Add(3 * time.Second)
	d.Add(time.Second)
	d.Add(5 * time.Second)

	min, max, avg = d.MinMaxAvg()
	assert.Equal(t, time.Second, min)
	assert.Equal(t, 5*time.Second, max)
	assert.Equal(t, 3*time.Second, avg)
	assert.Equal(t, 3, d.Len())
}

func TestSummary_Add(t *testing.T) {
	s := NewSummary("orders")

	ok := finished("r1", 8, drive.StatusSuccess, 2*time.Minute)
	ok.PhasesCompleted = []string{"pre_validation", "audit"}
	ok.PhaseData = map[string]json.RawMessage{
		"pre_validation": phaseDoc(t, drive.PhaseCompleted, at(9), time.Second),
		"audit":          phaseDoc(t, drive.PhaseCompleted, at(9), 3*time.Second),
	}
	s.Add(ok)

	failed := finished("r2", 9, drive.StatusFailed, 4*time.Minute)
	failed.PhasesCompleted = []string{"pre_validation"}
	failed.PhaseFailed = "audit"
	failed.PhaseData = map[string]json.RawMessage{
		"pre_validation": phaseDoc(t, drive.PhaseCompleted, at(10), 3*time.Second),
		"audit":          phaseDoc(t, drive.PhaseFailed, at(10), time.Second),
	}
	s.Add(failed)

	retry := finished("r3", 9, drive.StatusSuccess, time.Minute)
	retry.RetryNumber = 1
	retry.PhasesSkipped = []string{"pre_validation"}
	retry.PhasesCompleted = []string{"audit"}
	retry.PhaseData = map[string]json.RawMessage{
		"pre_validation": phaseDoc(t, drive.PhaseSkipped, at(10), 0),
		"audit":          phaseDoc(t, drive.PhaseCompleted, at(10), 2*time.Second),
	}
	s.Add(retry)

	gap := drive.NewRecord("g1", "orders", at(6), at(7), 0, nil, at(10))
	gap.Status = drive.StatusGapDetected
	s.Add(gap)

	running := drive.NewRecord("r4", "orders", at(10), at(11), 0, nil, at(11))
	s.Add(running)

	assert.Equal(t, 4, s.Runs)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.Gaps)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, at(10), s.LastSuccessEnd)
	assert.InDelta(t, 66.67, s.SuccessRate(), 0.01)

	min, max, avg := s.Durations.MinMaxAvg()
	assert.Equal(t, time.Minute, min)
	assert.Equal(t, 4*time.Minute, max)
	assert.Equal(t, 140*time.Second, avg)

	assert.Equal(t, []string{"pre_validation", "audit"}, s.PhaseNames())

	pre := s.Phases["pre_validation"]
	assert.Equal(t, 2, pre.Completed)
	assert.Equal(t, 1, pre.Skipped)
	_, _, preAvg := pre.Durations.MinMaxAvg()
	assert.Equal(t, 2*time.Second, preAvg)

	audit := s.Phases["audit"]
	assert.Equal(t, 2, audit.Completed)
	assert.Equal(t, 1, audit.Failed)
	assert.Equal(t, 3, audit.Durations.Len())
}

func TestSummary_UndecodablePhase(t *testing.T) {
	s := NewSummary("orders")
	rec := finished("r1", 8, drive.StatusFailed, time.Minute)
	rec.PhaseFailed = "audit"
	rec.PhaseData = map[string]json.RawMessage{"audit": json.RawMessage(`{"status":`)}

	s.Add(rec)

	assert.Equal(t, 1, s.Undecodable)
	assert.Empty(t, s.PhaseNames())
}

func TestSummary_NoFinishedRuns(t *testing.T) {
	s := NewSummary("orders")
	assert.Zero(t, s.SuccessRate())
	assert.True(t, s.LastSuccessEnd.IsZero())
}

func TestCollect(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.Put(finished("r1", 8, drive.StatusSuccess, time.Minute))
	store.Put(finished("r2", 9, drive.StatusFailed, time.Minute))

	other := finished("x1", 9, drive.StatusSuccess, time.Minute)
	other.PipelineName = "returns"
	store.Put(other)

	s, err := Collect(context.Background(), store, drive.Filter{Pipeline: "orders"})
	require.NoError(t, err)

	assert.Equal(t, "orders", s.Pipeline)
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
}

func TestCollect_StoreError(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.FailOn(testutil.OpListRuns, errors.New("database is locked"))

	_, err := Collect(context.Background(), store, drive.Filter{Pipeline: "orders"})
	assert.ErrorContains(t, err, "listing runs")
}
