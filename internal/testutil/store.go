// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/drive"
)

// Store operation names accepted by FailOn.
const (
	OpCreateRun        = "CreateRun"
	OpGetRun           = "GetRun"
	OpQueryByDate      = "QueryByPipelineAndDate"
	OpQueryLastSuccess = "QueryLastSuccess"
	OpUpdatePhaseField = "UpdatePhaseField"
	OpUpdatePhaseSets  = "UpdatePhaseSets"
	OpFinalize         = "Finalize"
	OpMarkStaleRuns    = "MarkStaleRuns"
	OpListRuns         = "ListRuns"
)

// MemoryStore is an in-memory drive.Store. Records are cloned on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*drive.Record
	order []string
	now   func() time.Time

	failures map[string]error
	failOnce map[string]bool
	calls    []string
}

var (
	_ drive.Store   = (*MemoryStore)(nil)
	_ drive.Lister  = (*MemoryStore)(nil)
	_ drive.Sweeper = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*drive.Record),
		now:      time.Now,
		failures: make(map[string]error),
		failOnce: make(map[string]bool),
	}
}

// SetClock sets the clock used for updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes every call of op return err until cleared with a nil err.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		delete(m.failOnce, op)
		return
	}
	m.failures[op] = err
	m.failOnce[op] = false
}

// FailOnce makes the next call of op return err.
func (m *MemoryStore) FailOnce(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
	m.failOnce[op] = true
}

// Put stores rec as is, bypassing duplicate checks.
func (m *MemoryStore) Put(rec *drive.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; !ok {
		m.order = append(m.order, rec.RunID)
	}
	m.runs[rec.RunID] = rec.Clone()
}

// Runs returns every record in insertion order.
func (m *MemoryStore) Runs() []*drive.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*drive.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runs[id].Clone())
	}
	return out
}

// Calls returns the operation names invoked so far.
func (m *MemoryStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CountCalls returns how many times op was invoked.
func (m *MemoryStore) CountCalls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

// enter records the call and returns the injected failure, if any. Callers
// hold m.mu.
func (m *MemoryStore) enter(op string) error {
	m.calls = append(m.calls, op)
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	if m.failOnce[op] {
		delete(m.failures, op)
		delete(m.failOnce, op)
	}
	return err
}

func (m *MemoryStore) CreateRun(_ context.Context, rec *drive.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateRun); err != nil {
		return err
	}
	if _, ok := m.runs[rec.RunID]; ok {
		return errors.Wrapf(drive.ErrDuplicateRun, "run %s", rec.RunID)
	}
	m.runs[rec.RunID] = rec.Clone()
	m.order = append(m.order, rec.RunID)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*drive.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetRun); err != nil {
		return nil, err
	}
	rec, ok := m.runs[runID]
	if !ok {
		return nil, errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) QueryByPipelineAndDate(_ context.Context, pipeline, date string) ([]*drive.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpQueryByDate); err != nil {
		return nil, err
	}
	return m.list(drive.Filter{Pipeline: pipeline, TargetDate: date}), nil
}

func (m *MemoryStore) QueryLastSuccess(_ context.Context, pipeline string) (*drive.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpQueryLastSuccess); err != nil {
		return nil, err
	}
	var best *drive.Record
	for _, id := range m.order {
		rec := m.runs[id]
		if rec.PipelineName != pipeline || rec.Status != drive.StatusSuccess {
			continue
		}
		if best == nil || rec.WindowEnd.After(best.WindowEnd) {
			best = rec
		}
	}
	if best == nil {
		return nil, errors.Wrapf(drive.ErrNotFound, "no successful run of %s", pipeline)
	}
	return best.Clone(), nil
}

func (m *MemoryStore) UpdatePhaseField(_ context.Context, runID, phase string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdatePhaseField); err != nil {
		return err
	}
	rec, ok := m.runs[runID]
	if !ok {
		return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	rec.PhaseData[phase] = slices.Clone(data)
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) UpdatePhaseSets(_ context.Context, runID, phase string, t drive.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdatePhaseSets); err != nil {
		return err
	}
	rec, ok := m.runs[runID]
	if !ok {
		return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	if err := rec.ApplyTransition(phase, t); err != nil {
		return err
	}
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, runID string, status drive.Status, endedAt time.Time, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFinalize); err != nil {
		return err
	}
	rec, ok := m.runs[runID]
	if !ok {
		return errors.Wrapf(drive.ErrNotFound, "run %s", runID)
	}
	endedAt = endedAt.UTC()
	rec.Status = status
	rec.EndedAt = &endedAt
	rec.Duration = elapsed
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, f drive.Filter) ([]*drive.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListRuns); err != nil {
		return nil, err
	}
	out := m.list(f)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkStaleRuns(_ context.Context, pipeline string, cutoff, now time.Time, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpMarkStaleRuns); err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range m.order {
		rec := m.runs[id]
		if rec.Status != drive.StatusRunning || (pipeline != "" && rec.PipelineName != pipeline) {
			continue
		}
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		ended := now.UTC()
		rec.Status = drive.StatusFailed
		rec.EndedAt = &ended
		rec.Duration = ended.Sub(rec.StartedAt)
		rec.FailureReason = reason
		rec.UpdatedAt = ended
		ids = append(ids, id)
	}
	return ids, nil
}

// list returns matching records newest first. Ties on created_at keep the
// later insert first. Callers hold m.mu.
func (m *MemoryStore) list(f drive.Filter) []*drive.Record {
	type entry struct {
		rec *drive.Record
		seq int
	}
	var matched []entry
	for i, id := range m.order {
		if rec := m.runs[id]; f.Match(rec) {
			matched = append(matched, entry{rec: rec, seq: i})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]*drive.Record, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.rec.Clone())
	}
	return out
}
