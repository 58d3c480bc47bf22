package drive

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
)

// Transition names the set a phase moves into when it leaves pending.
type Transition int

const (
	TransitionCompleted Transition = iota
	TransitionSkipped
	TransitionFailed
)

func (t Transition) String() string {
	switch t {
	case TransitionCompleted:
		return "COMPLETED"
	case TransitionSkipped:
		return "SKIPPED"
	case TransitionFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Transition(%d)", int(t))
	}
}

// ErrPhaseAlreadyFailed is returned when a second phase is marked failed on
// the same record.
var ErrPhaseAlreadyFailed = errors.New("drive: phase_failed already set")

// ApplyTransition moves phase out of the pending set into the set named by t.
// The three sets stay pairwise disjoint: the phase is removed from every set
// it does not belong to. A failed phase is recorded in PhaseFailed only and
// is not added to completed or skipped. Applying the same transition twice
// is a no-op.
func (r *Record) ApplyTransition(phase string, t Transition) error {
	switch t {
	case TransitionCompleted:
		r.PhasesSkipped = remove(r.PhasesSkipped, phase)
		r.PhasesCompleted = appendUnique(r.PhasesCompleted, phase)
	case TransitionSkipped:
		r.PhasesCompleted = remove(r.PhasesCompleted, phase)
		r.PhasesSkipped = appendUnique(r.PhasesSkipped, phase)
	case TransitionFailed:
		if r.PhaseFailed != "" && r.PhaseFailed != phase {
			return errors.Wrapf(ErrPhaseAlreadyFailed, "run %s: %s already failed, cannot fail %s",
				r.RunID, r.PhaseFailed, phase)
		}
		r.PhaseFailed = phase
		r.PhasesCompleted = remove(r.PhasesCompleted, phase)
		r.PhasesSkipped = remove(r.PhasesSkipped, phase)
	default:
		return errors.Newf("drive: unknown transition %v", t)
	}
	r.PhasesPending = remove(r.PhasesPending, phase)
	return nil
}

func remove(set []string, phase string) []string {
	out := slices.DeleteFunc(slices.Clone(set), func(s string) bool { return s == phase })
	if out == nil {
		return []string{}
	}
	return out
}

func appendUnique(set []string, phase string) []string {
	if slices.Contains(set, phase) {
		return set
	}
	return append(slices.Clone(set), phase)
}
