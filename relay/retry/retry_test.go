package retry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/common/config"
)

// fakeClock advances only when the controller sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func defaultPolicy() Policy {
	return PolicyFromSettings(config.DefaultSettings().Retry)
}

func newTestController(p Policy) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewController(p, WithClock(clock.Now, clock.Sleep)), clock
}

func TestPolicyDelay(t *testing.T) {
	p := defaultPolicy()
	require.Equal(t, 500*time.Millisecond, p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 20*time.Second, p.Delay(10))
	require.Equal(t, 20*time.Second, p.Delay(100))
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	ctrl, clock := newTestController(defaultPolicy())

	statuses := []int{429, 429, 429, 200}
	calls := 0
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		require.Equal(t, calls, attempt)
		status := statuses[calls]
		calls++
		if status != http.StatusOK {
			return NewUpstreamError(status, "", "too many requests")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, calls)
	require.Len(t, clock.sleeps, 3)
	for i := 1; i < len(clock.sleeps); i++ {
		require.GreaterOrEqual(t, clock.sleeps[i], clock.sleeps[i-1])
	}
}

func TestDoStopsAtMaxRetry(t *testing.T) {
	ctrl, clock := newTestController(defaultPolicy())

	calls := 0
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NewUpstreamError(http.StatusBadGateway, "", "bad gateway")
	})
	require.Error(t, err)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, http.StatusBadGateway, ue.StatusCode)
	require.Equal(t, 4, calls)
	require.Len(t, clock.sleeps, 3)
}

func TestDoRespectsBudget(t *testing.T) {
	p := defaultPolicy()
	p.MaxRetry = 20
	p.Budget = 5 * time.Second
	ctrl, clock := newTestController(p)

	calls := 0
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NewUpstreamError(http.StatusServiceUnavailable, "", "unavailable")
	})
	require.Error(t, err)
	// 0.5 + 1 + 2 = 3.5s elapsed after three sleeps, 7.5s after four
	require.Equal(t, 5, calls)
	require.Len(t, clock.sleeps, 4)
}

func TestDoFatalReturnsImmediately(t *testing.T) {
	ctrl, clock := newTestController(defaultPolicy())

	calls := 0
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return NewUpstreamError(http.StatusBadRequest, "", "bad request")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, clock.sleeps)
}

func TestDoCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := defaultPolicy()
	ctrl := NewController(p, WithClock(time.Now, func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := ctrl.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return NewUpstreamError(http.StatusTooManyRequests, "", "slow down")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestDoCanceledAttemptIsNotRetried(t *testing.T) {
	ctrl, clock := newTestController(defaultPolicy())

	calls := 0
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.Wrap(context.Canceled, "client went away")
	})
	require.ErrorIs(t, err, ErrCanceled)
	require.Equal(t, 1, calls)
	require.Empty(t, clock.sleeps)
}

func TestRetryHookSeesClass(t *testing.T) {
	var classes []Class
	clock := &fakeClock{now: time.Unix(0, 0)}
	ctrl := NewController(defaultPolicy(),
		WithClock(clock.Now, clock.Sleep),
		WithRetryHook(func(attempt int, class Class, delay time.Duration, err error) {
			classes = append(classes, class)
		}))

	errs := []error{
		NewUpstreamError(http.StatusForbidden, "", "forbidden"),
		NewUpstreamError(0, "rate_limit_exceeded", "ws rate limit"),
		errors.New("read: connection reset by peer"),
		nil,
	}
	err := ctrl.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errs[attempt]
	})
	require.NoError(t, err)
	require.Equal(t, []Class{ClassSessionReset, ClassRateLimited, ClassTransient}, classes)
}

func TestClassify(t *testing.T) {
	p := defaultPolicy()
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limited status", NewUpstreamError(429, "", ""), ClassRateLimited},
		{"rate limited code", NewUpstreamError(0, "rate_limit_exceeded", ""), ClassRateLimited},
		{"forbidden resets", NewUpstreamError(403, "", ""), ClassSessionReset},
		{"unauthorized resets", NewUpstreamError(401, "", ""), ClassSessionReset},
		{"server error", NewUpstreamError(502, "", ""), ClassTransient},
		{"client error", NewUpstreamError(400, "", ""), ClassFatal},
		{"not found", NewUpstreamError(404, "", ""), ClassFatal},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "dial"), ClassTransient},
		{"timeout text", errors.New("i/o timeout"), ClassTransient},
		{"http2 text", errors.New("http2: stream closed"), ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
		{"plain", errors.New("boom"), ClassFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.Classify(tc.err))
		})
	}
}

func TestClassRotation(t *testing.T) {
	require.True(t, ClassRateLimited.RotatesCredential())
	require.True(t, ClassSessionReset.RotatesCredential())
	require.False(t, ClassTransient.RotatesCredential())
	require.False(t, ClassCanceled.Retryable())
	require.False(t, ClassFatal.Retryable())
}
