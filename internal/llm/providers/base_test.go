package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond, LinearBackoff)

	calls := 0
	err := b.Retry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("rate limit exceeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryStopsOnTerminalError(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond, LinearBackoff)

	terminal := errors.New("invalid api key")
	calls := 0
	err := b.Retry(context.Background(), func() error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v, want terminal error unchanged", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a terminal error", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond, LinearBackoff)

	transient := errors.New("rate limit exceeded")
	calls := 0
	err := b.Retry(context.Background(), func() error {
		calls++
		return transient
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if err == nil || !strings.Contains(err.Error(), "test: max retries exceeded") {
		t.Fatalf("err = %v, want exhaustion wrap", err)
	}
	if !errors.Is(err, transient) {
		t.Errorf("exhaustion error should wrap the last failure, got %v", err)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Hour, LinearBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := b.Retry(ctx, func() error {
		calls++
		cancel()
		return errors.New("rate limit exceeded")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before the backoff wait", calls)
	}
}

func TestBackoffFuncs(t *testing.T) {
	tests := []struct {
		name    string
		backoff BackoffFunc
		want    []time.Duration
	}{
		{"linear", LinearBackoff, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}},
		{"exponential", ExponentialBackoff, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				if got := tt.backoff(10*time.Millisecond, i+1); got != want {
					t.Errorf("attempt %d: got %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestNewBaseProviderDefaults(t *testing.T) {
	b := NewBaseProvider("test", 0, 0, nil)
	if b.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d, want 3", b.maxAttempts)
	}
	if b.baseDelay != time.Second {
		t.Errorf("baseDelay = %v, want 1s", b.baseDelay)
	}
	if b.backoff == nil {
		t.Error("backoff should default to linear")
	}
}
