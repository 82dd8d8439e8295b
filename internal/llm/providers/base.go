package providers

import (
	"context"
	"fmt"
	"time"
)

// BackoffFunc computes the wait before the next attempt. attempt is the
// 1-based count of failures so far.
type BackoffFunc func(base time.Duration, attempt int) time.Duration

// LinearBackoff grows the delay linearly: base, 2*base, 3*base.
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// ExponentialBackoff doubles the delay each retry: base, 2*base, 4*base.
func ExponentialBackoff(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// BaseProvider carries the request retry policy shared by the LLM
// providers: a bounded attempt loop that backs off between retryable
// failures and stops immediately on terminal ones.
type BaseProvider struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
	backoff     BackoffFunc
}

// NewBaseProvider creates the shared retry policy. Non-positive values fall
// back to 3 attempts at 1s; a nil backoff is linear.
func NewBaseProvider(name string, maxAttempts int, baseDelay time.Duration, backoff BackoffFunc) BaseProvider {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if backoff == nil {
		backoff = LinearBackoff
	}
	return BaseProvider{
		name:        name,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		backoff:     backoff,
	}
}

// Retry runs op until it succeeds, fails terminally, or the attempts are
// exhausted. Retryability is decided by IsRetryable, so op should return
// classified errors. Terminal errors come back unchanged; exhaustion wraps
// the last error with the provider name.
func (b *BaseProvider) Retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.backoff(b.baseDelay, attempt-1)):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: max retries exceeded: %w", b.name, lastErr)
}
