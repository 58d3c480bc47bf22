// Package window computes the half-open time windows a pipeline processes
// and the gaps left behind when history falls outside the lookback.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Standard errors
var (
	ErrInvalidGranularity = errors.New("window: granularity must be positive")
	ErrEmptyWindow        = errors.New("window: start is not before end")
)

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Empty reports whether the window contains no instant.
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Bounds carries the pipeline settings the calculator consumes.
type Bounds struct {
	Granularity time.Duration
	// Lookback is the furthest a window start may trail the rounded now.
	Lookback time.Duration
	// FetchStart and FetchEnd are optional absolute limits.
	FetchStart *time.Time
	FetchEnd   *time.Time
	// BackfillLookback starts a pipeline with no history at the edge of the
	// lookback instead of at the latest complete window.
	BackfillLookback bool
}

// Validate checks the granularity and the fetch limits.
func (b Bounds) Validate() error {
	if b.Granularity <= 0 {
		return errors.Wrapf(ErrInvalidGranularity, "got %s", b.Granularity)
	}
	if b.Lookback < 0 {
		return errors.Newf("window: lookback must not be negative, got %s", b.Lookback)
	}
	if b.FetchStart != nil && b.FetchEnd != nil && !b.FetchStart.Before(*b.FetchEnd) {
		return errors.Wrapf(ErrEmptyWindow, "acceptable fetch start %s is not before end %s",
			b.FetchStart.Format(time.RFC3339), b.FetchEnd.Format(time.RFC3339))
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without an offset are
// taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("window: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("window: invalid ISO-8601 timestamp %q", s)
}
