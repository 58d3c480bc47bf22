// Package errclass sorts phase failures into transient, permanent and
// configuration errors.
//
// Classification is a heuristic. An explicit tag attached upstream always
// wins; otherwise timeouts are transient and the error text is matched
// against curated indicator lists. Anything unmatched is permanent.
package errclass

import (
	"context"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind is an error classification.
type Kind int

const (
	Permanent Kind = iota
	Transient
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Configuration:
		return "configuration"
	default:
		return "permanent"
	}
}

// Retryable reports whether retrying the same call may succeed.
func (k Kind) Retryable() bool {
	return k == Transient
}

var transientIndicators = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"network",
	"temporary",
	"lock",
	"busy",
	"throttle",
	"rate limit",
	"unavailable",
}

var configurationIndicators = []string{
	"authentication",
	"permission",
	"denied",
	"unauthorized",
	"credentials",
	"invalid password",
	"access denied",
}

// tagged carries an explicit classification through the error chain.
type tagged struct {
	cause error
	kind  Kind
}

func (e *tagged) Error() string { return e.cause.Error() }
func (e *tagged) Unwrap() error { return e.cause }

// Tag attaches an explicit classification to err. Nil stays nil.
func Tag(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &tagged{cause: err, kind: kind}
}

// AsTransient tags err as transient.
func AsTransient(err error) error { return Tag(err, Transient) }

// AsPermanent tags err as permanent.
func AsPermanent(err error) error { return Tag(err, Permanent) }

// AsConfiguration tags err as a configuration problem.
func AsConfiguration(err error) error { return Tag(err, Configuration) }

// Classify returns the classification of err. Nil errors are permanent.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	var t *tagged
	if errors.As(err, &t) {
		return t.kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies only the substring heuristics. Used for phase
// results that stop the run with a message but no error value.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, indicator := range transientIndicators {
		if strings.Contains(lower, indicator) {
			return Transient
		}
	}
	for _, indicator := range configurationIndicators {
		if strings.Contains(lower, indicator) {
			return Configuration
		}
	}
	return Permanent
}
