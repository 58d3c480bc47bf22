// Package duration parses the human-readable durations used in pipeline
// configuration ("1h", "30m", "7d", "1month") and renders elapsed times.
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Standard errors
var (
	ErrInvalidDurationFormat = errors.New("duration: invalid format")
	ErrZeroDuration          = errors.New("duration: zero duration")
)

// Day, Week and Month are not provided by the time package.
// Month is an approximation of exactly 30 days and is not calendar-aware.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

var (
	simplePattern    = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)$`)
	compositePattern = regexp.MustCompile(`^(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?$`)
)

var units = map[string]time.Duration{
	"ms":          time.Millisecond,
	"msec":        time.Millisecond,
	"millisec":    time.Millisecond,
	"millisecond": time.Millisecond,
	"s":           time.Second,
	"sec":         time.Second,
	"second":      time.Second,
	"m":           time.Minute,
	"min":         time.Minute,
	"minute":      time.Minute,
	"h":           time.Hour,
	"hr":          time.Hour,
	"hour":        time.Hour,
	"d":           Day,
	"day":         Day,
	"w":           Week,
	"week":        Week,
	"mo":          Month,
	"month":       Month,
}

// Parse converts a single-unit duration string such as "1h", "2.5 days" or
// "45millisec" into a time.Duration. Units are case-insensitive and may carry
// a trailing plural "s". A literal zero ("0h") is valid.
func Parse(text string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0, errors.Wrap(ErrInvalidDurationFormat, "empty duration")
	}

	m := simplePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Wrapf(ErrInvalidDurationFormat,
			"%q: expected <number><unit> (e.g. 1h, 30m, 2d, 1month)", text)
	}

	unit, ok := lookupUnit(m[2])
	if !ok {
		return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: unknown unit %q", text, m[2])
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: %v", text, err)
	}

	total := value * float64(unit)
	if total >= math.MaxInt64 {
		return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: out of range", text)
	}
	return time.Duration(math.Round(total)), nil
}

// MustParse is like Parse but panics on error. Intended for constants in tests.
func MustParse(text string) time.Duration {
	d, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return d
}

func lookupUnit(token string) (time.Duration, bool) {
	if u, ok := units[token]; ok {
		return u, true
	}
	if trimmed, found := strings.CutSuffix(token, "s"); found {
		u, ok := units[trimmed]
		return u, ok
	}
	return 0, false
}

// ParseComposite parses the combined "1h 30m 45s" form. Any of the three
// components may be omitted but they must appear in that order. A string in
// which every component is absent or zero fails with ErrZeroDuration.
func ParseComposite(text string) (time.Duration, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, errors.Wrap(ErrInvalidDurationFormat, "empty duration")
	}

	m := compositePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: expected e.g. 1h 30m 45s", text)
	}

	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: %v", text, err)
		}
		if n > (math.MaxInt64-int64(total))/int64(unit) {
			return 0, errors.Wrapf(ErrInvalidDurationFormat, "%q: out of range", text)
		}
		total += time.Duration(n) * unit
	}

	if total == 0 {
		return 0, errors.Wrapf(ErrZeroDuration, "%q", text)
	}
	return total, nil
}

// Format renders d as "1h 30m 45s", dropping zero components. Sub-second
// precision is truncated; zero renders as "0s".
func Format(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

// Exceeded reports whether actual is longer than factor times expected.
func Exceeded(actual, expected time.Duration, factor float64) bool {
	if expected <= 0 {
		return false
	}
	return float64(actual) > float64(expected)*factor
}
