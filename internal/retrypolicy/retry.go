package retrypolicy

import (
	"context"
	"time"

	"github.com/haasonsaas/agentharness/internal/harness"
)

const (
	defaultMaxAttempts = 3
	defaultMaxDuration = 60 * time.Second
)

// RetryOptions configures Retry (spec §4.7).
type RetryOptions struct {
	MaxAttempts int
	MaxDuration time.Duration
	Backoff     BackoffOptions

	// Now returns the current time; injectable for deterministic tests.
	Now func() time.Time

	// Sleep suspends for d, returning early with an error if ctx is
	// cancelled first. Injectable for deterministic tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o RetryOptions) sanitize() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = defaultMaxDuration
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = contextSleep
	}
	return o
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryAfterError is implemented by errors that carry a provider-supplied
// Retry-After value, already parsed to milliseconds.
type RetryAfterError interface {
	error
	RetryAfterMs() (int64, bool)
}

// Fn is the operation Retry attempts. Attempt is zero-based.
type Fn func(ctx context.Context, attempt int) error

// Retry runs fn up to opts.MaxAttempts times, enforcing a cumulative
// opts.MaxDuration wall-clock budget (spec §4.7). It returns nil on the
// first success, or a *harness.RetryExhaustedError / RetryAbortedError
// wrapping the last failure.
func Retry(ctx context.Context, fn Fn, opts RetryOptions) error {
	opts = opts.sanitize()
	start := opts.Now()

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if !ClassifyError(lastErr) {
			return &harness.RetryExhaustedError{Attempts: attempt + 1, Last: lastErr}
		}

		if attempt == opts.MaxAttempts-1 {
			break
		}

		wait := CalculateBackoff(attempt, opts.Backoff)
		if rae, ok := lastErr.(RetryAfterError); ok {
			if ms, ok := rae.RetryAfterMs(); ok {
				if fromHeader := time.Duration(ms) * time.Millisecond; fromHeader > wait {
					wait = fromHeader
				}
			}
		}

		elapsed := opts.Now().Sub(start)
		if elapsed+wait > opts.MaxDuration {
			return &harness.RetryAbortedError{Attempts: attempt + 1, Reason: "timeout reached"}
		}

		if err := opts.Sleep(ctx, wait); err != nil {
			return &harness.RetryAbortedError{Attempts: attempt + 1, Reason: "cancelled"}
		}
	}

	return &harness.RetryExhaustedError{Attempts: opts.MaxAttempts, Last: lastErr}
}
