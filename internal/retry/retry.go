// Package retry provides the one reusable backoff policy used by every
// rate-limited sub-operation, instead of ad-hoc loops per call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotRetryable wraps a failure the policy must not retry, e.g. a 404:
// the resource does not exist and asking again cannot change that.
type ErrNotRetryable struct {
	Cause error
}

func (e *ErrNotRetryable) Error() string { return e.Cause.Error() }
func (e *ErrNotRetryable) Unwrap() error { return e.Cause }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &ErrNotRetryable{Cause: err}
}

// Policy is an exponential backoff policy: MaxAttempts tries, doubling the
// delay from BaseDelay up to MaxDelay between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default matches the bound the gateway applies to asset fetches: three
// attempts, starting at a few seconds.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The sleep between attempts respects ctx.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var permanent *ErrNotRetryable
		if errors.As(err, &permanent) {
			return permanent.Cause
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// ClassifyHTTPStatus converts an HTTP status into the policy's error
// taxonomy: 2xx is success, 429 and 5xx are retryable, everything else
// (404 included) is permanent.
func ClassifyHTTPStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("transient http status %d", status)
	default:
		return Permanent(fmt.Errorf("http status %d", status))
	}
}
