// Package stats summarizes a pipeline's run history: outcome counts, run
// durations and per-phase results.
package stats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/drive"
)

// Durations collects duration samples for min/max/avg calculations.
type Durations struct {
	samples []time.Duration
}

// Add appends a sample.
func (d *Durations) Add(v time.Duration) {
	d.samples = append(d.samples, v)
}

// Len returns the number of samples.
func (d *Durations) Len() int {
	return len(d.samples)
}

// MinMaxAvg returns zeros when there are no samples.
func (d *Durations) MinMaxAvg() (min, max, avg time.Duration) {
	if len(d.samples) == 0 {
		return 0, 0, 0
	}

	min = d.samples[0]
	max = d.samples[0]
	var sum time.Duration

	for _, v := range d.samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	avg = sum / time.Duration(len(d.samples))
	return min, max, avg
}

// PhaseStats accumulates one phase's results across runs.
type PhaseStats struct {
	Completed int
	Failed    int
	Skipped   int

	// Durations of executed attempts, completed or failed
	Durations Durations
}

// Summary accumulates statistics over a set of run records.
type Summary struct {
	Pipeline string

	Runs      int
	Succeeded int
	Failed    int
	Running   int
	Gaps      int
	// Retries counts attempts with a non-zero retry number.
	Retries int

	// LastSuccessEnd is the latest window end among successful runs.
	LastSuccessEnd time.Time

	// Durations of finished runs
	Durations Durations

	Phases map[string]*PhaseStats
	// phaseOrder keeps phases in first-seen order
	phaseOrder []string

	// Undecodable counts phase documents that could not be read.
	Undecodable int
}

// NewSummary creates an empty summary for pipeline.
func NewSummary(pipeline string) *Summary {
	return &Summary{
		Pipeline: pipeline,
		Phases:   make(map[string]*PhaseStats),
	}
}

// Add adds one record to the summary. GAP_DETECTED markers are counted as
// gaps only.
func (s *Summary) Add(rec *drive.Record) {
	if rec.Status == drive.StatusGapDetected {
		s.Gaps++
		return
	}

	s.Runs++
	if rec.RetryNumber > 0 {
		s.Retries++
	}
	switch rec.Status {
	case drive.StatusSuccess:
		s.Succeeded++
		if rec.WindowEnd.After(s.LastSuccessEnd) {
			s.LastSuccessEnd = rec.WindowEnd
		}
	case drive.StatusFailed:
		s.Failed++
	case drive.StatusRunning:
		s.Running++
	}
	if rec.EndedAt != nil {
		s.Durations.Add(rec.Duration)
	}

	for _, name := range phaseNames(rec) {
		data, ok, err := rec.Phase(name)
		if err != nil {
			s.Undecodable++
			continue
		}
		if !ok {
			continue
		}
		ps := s.phase(name)
		switch data.Status {
		case drive.PhaseCompleted:
			ps.Completed++
		case drive.PhaseFailed:
			ps.Failed++
		case drive.PhaseSkipped:
			ps.Skipped++
			continue
		}
		if !data.StartTimestamp.IsZero() && data.EndTimestamp.After(data.StartTimestamp) {
			ps.Durations.Add(data.EndTimestamp.Sub(data.StartTimestamp))
		}
	}
}

func (s *Summary) phase(name string) *PhaseStats {
	ps, ok := s.Phases[name]
	if !ok {
		ps = &PhaseStats{}
		s.Phases[name] = ps
		s.phaseOrder = append(s.phaseOrder, name)
	}
	return ps
}

// PhaseNames returns the phases seen, in first-seen order.
func (s *Summary) PhaseNames() []string {
	return append([]string(nil), s.phaseOrder...)
}

// SuccessRate is the share of finished runs that succeeded, in percent.
func (s *Summary) SuccessRate() float64 {
	finished := s.Succeeded + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(finished) * 100
}

// phaseNames returns the phases of rec that have a stored document.
func phaseNames(rec *drive.Record) []string {
	var names []string
	seen := make(map[string]bool, len(rec.PhaseData))
	for _, group := range [][]string{rec.PhasesCompleted, {rec.PhaseFailed}, rec.PhasesSkipped, rec.PhasesPending} {
		for _, name := range group {
			if _, ok := rec.PhaseData[name]; ok && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Collect summarizes the records matching f, oldest first.
func Collect(ctx context.Context, l drive.Lister, f drive.Filter) (*Summary, error) {
	recs, err := l.ListRuns(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	s := NewSummary(f.Pipeline)
	for i := len(recs) - 1; i >= 0; i-- {
		s.Add(recs[i])
	}
	return s, nil
}
