package errclass

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// Backoff strategies accepted by RetryPolicy.Strategy.
const (
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
	StrategyNone        = "none"
)

// RetryPolicy bounds retries of a single external call inside a phase.
// Whole-run retries are decided outside this package.
type RetryPolicy struct {
	MaxRetries      int
	Strategy        string
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three exponential retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		Strategy:        StrategyExponential,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	interval := p.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}

	var b backoff.BackOff
	switch p.Strategy {
	case StrategyNone:
		b = &backoff.ZeroBackOff{}
	case StrategyLinear:
		b = backoff.NewConstantBackOff(interval)
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		b = eb
	}

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Retry calls op until it succeeds, fails with a non-transient error, the
// policy is exhausted or ctx is done. The last error from op is returned.
// notify, when non-nil, is called before each wait.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Classify(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(policy.backOff(), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return errors.WithSecondaryError(err, ctx.Err())
	}
	return err
}
