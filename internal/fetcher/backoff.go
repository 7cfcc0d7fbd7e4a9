package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokenfeed/internal/metrics"
)

const (
	// Default retry configuration
	defaultRetryCount     = 2
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 4 * time.Second
)

// Backoff is a capped exponential retry policy.
type Backoff struct {
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultBackoff returns the policy used when a query type configures none.
func DefaultBackoff() Backoff {
	return Backoff{
		Retries:        defaultRetryCount,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// Delay returns the wait before retry n (zero-based): InitialBackoff doubled
// n times, capped at MaxBackoff.
func (b Backoff) Delay(n int) time.Duration {
	d := b.InitialBackoff
	if d <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		if b.MaxBackoff > 0 && d >= b.MaxBackoff {
			break
		}
		d *= 2
	}
	if b.MaxBackoff > 0 && d > b.MaxBackoff {
		d = b.MaxBackoff
	}
	return d
}

// Op is one attempt of a retried operation.
type Op func(ctx context.Context) error

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Retry runs op, retrying retryable failures with exponential backoff until
// the retry budget is spent. The terminal error is the last attempt's error.
func Retry(ctx context.Context, b Backoff, op Op) error {
	return RetryWithSleeper(ctx, b, op, Sleep)
}

// RetryWithSleeper is Retry with an injectable wait, used by tests to observe
// the backoff schedule without sleeping.
func RetryWithSleeper(ctx context.Context, b Backoff, op Op, sleep Sleeper) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= b.Retries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		wait := b.Delay(attempt)
		retryHook(attempt+1, wait, err)
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Sleep blocks for d, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryHook logs retry attempts for observability
func retryHook(attempt int, wait time.Duration, err error) {
	slog.Debug("retrying request due to error",
		"attempt", attempt,
		"wait", wait,
		"error", err.Error())

	kind := ErrorTypeUnknown
	var fe *FetchError
	if errors.As(err, &fe) {
		kind = fe.Type
	}
	metrics.UpstreamRetries.WithLabelValues(string(kind)).Inc()
}
