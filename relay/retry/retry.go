// Package retry runs one logical upstream attempt with bounded retries and
// exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/chenyme/grok2api/common/config"
)

// Policy is the retry section of the runtime settings in ready-to-use form.
type Policy struct {
	MaxRetry                int
	StatusCodes             map[int]struct{}
	ResetSessionStatusCodes map[int]struct{}
	Base                    time.Duration
	Factor                  float64
	Max                     time.Duration
	Budget                  time.Duration
}

func toSet(codes []int) map[int]struct{} {
	out := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		out[c] = struct{}{}
	}
	return out
}

// PolicyFromSettings converts config.RetrySettings.
func PolicyFromSettings(s config.RetrySettings) Policy {
	factor := s.RetryBackoffFactor
	if factor < 1 {
		factor = 1
	}
	return Policy{
		MaxRetry:                s.MaxRetry,
		StatusCodes:             toSet(s.RetryStatusCodes),
		ResetSessionStatusCodes: toSet(s.ResetSessionStatusCodes),
		Base:                    s.BackoffBase(),
		Factor:                  factor,
		Max:                     s.BackoffMax(),
		Budget:                  s.Budget(),
	}
}

// Delay is min(base * factor^attempt, max) for the sleep after attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Attempt is one try. attempt counts from zero; the error it returns is
// classified by the policy.
type Attempt func(ctx context.Context, attempt int) error

// Hook observes every failed attempt that will be retried.
type Hook func(attempt int, class Class, delay time.Duration, err error)

// Controller executes Attempts under a Policy.
type Controller struct {
	policy  Policy
	onRetry Hook
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

// WithRetryHook registers a callback run before each backoff sleep.
func WithRetryHook(h Hook) Option {
	return func(c *Controller) { c.onRetry = h }
}

// WithClock swaps the time source and the sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

func NewController(policy Policy, opts ...Option) *Controller {
	c := &Controller{
		policy: policy,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() Policy {
	return c.policy
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrCanceled wraps every error returned because the caller canceled.
var ErrCanceled = errors.New("retry canceled")

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry count or budget is exhausted; the last failure is returned then.
// A canceled context aborts immediately, even mid-sleep, and the returned
// error matches both ErrCanceled and context.Canceled.
func (c *Controller) Do(ctx context.Context, fn Attempt) error {
	start := c.now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(err)
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		class := c.policy.Classify(err)
		if class == ClassCanceled || ctx.Err() != nil {
			return canceled(err)
		}
		if !class.Retryable() {
			return err
		}
		if attempt >= c.policy.MaxRetry {
			return err
		}
		if c.policy.Budget > 0 && c.now().Sub(start) >= c.policy.Budget {
			return err
		}

		delay := c.policy.Delay(attempt)
		if c.onRetry != nil {
			c.onRetry(attempt, class, delay, err)
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return canceled(serr)
		}
	}
}

type canceledError struct {
	cause error
}

func (e *canceledError) Error() string {
	return "attempt aborted: " + e.cause.Error()
}

func (e *canceledError) Unwrap() error { return e.cause }

func (e *canceledError) Is(target error) bool {
	return target == ErrCanceled || target == context.Canceled
}

func canceled(err error) error {
	if errors.Is(err, ErrCanceled) {
		return err
	}
	return &canceledError{cause: err}
}
