package window

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Mode selects the rounding direction.
type Mode int

const (
	RoundDown Mode = iota
	RoundUp
	RoundNearest
)

func (m Mode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	case RoundNearest:
		return "nearest"
	default:
		return "unknown"
	}
}

// Round aligns t to a multiple of g counted from the Unix epoch. The
// arithmetic ignores calendars and DST; the result is returned in t's
// location.
//
// Nearest rounds halves up.
func Round(t time.Time, g time.Duration, mode Mode) (time.Time, error) {
	if g <= 0 {
		return time.Time{}, errors.Wrapf(ErrInvalidGranularity, "got %s", g)
	}

	n := t.UnixNano()
	step := int64(g)
	floor := n - mod(n, step)

	var out int64
	switch mode {
	case RoundDown:
		out = floor
	case RoundUp:
		out = floor
		if floor != n {
			out = floor + step
		}
	case RoundNearest:
		out = floor
		if 2*(n-floor) >= step {
			out = floor + step
		}
	default:
		return time.Time{}, errors.Newf("window: unknown rounding mode %d", int(mode))
	}

	return time.Unix(0, out).In(t.Location()), nil
}

// mod returns the non-negative remainder of n / m.
func mod(n, m int64) int64 {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

// Aligned reports whether t already sits on a boundary of g.
func Aligned(t time.Time, g time.Duration) bool {
	return g > 0 && mod(t.UnixNano(), int64(g)) == 0
}
