package providers

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailoverReason
	}{
		{"nil", nil, FailoverUnknown},
		{"timeout", errors.New("request timeout"), FailoverTimeout},
		{"deadline", errors.New("context deadline exceeded"), FailoverTimeout},
		{"rate limit text", errors.New("rate limit exceeded"), FailoverRateLimit},
		{"429", errors.New("status 429"), FailoverRateLimit},
		{"auth", errors.New("invalid api key"), FailoverAuth},
		{"billing", errors.New("insufficient quota for billing period"), FailoverBilling},
		{"model", errors.New("model not found"), FailoverModelUnavailable},
		{"server", errors.New("internal server error"), FailoverServerError},
		{"unknown", errors.New("something odd"), FailoverUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailoverReasonIsRetryable(t *testing.T) {
	retryable := []FailoverReason{FailoverRateLimit, FailoverTimeout, FailoverServerError}
	for _, r := range retryable {
		if !r.IsRetryable() {
			t.Errorf("%v should be retryable", r)
		}
	}
	terminal := []FailoverReason{FailoverAuth, FailoverBilling, FailoverInvalidRequest, FailoverContentFilter, FailoverUnknown}
	for _, r := range terminal {
		if r.IsRetryable() {
			t.Errorf("%v should not be retryable", r)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", cause)

	if !errors.Is(err, cause) {
		t.Error("ProviderError should unwrap to cause")
	}

	wrapped := fmt.Errorf("during run: %w", err)
	got, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError failed on wrapped chain")
	}
	if got.Provider != "anthropic" {
		t.Errorf("provider = %q", got.Provider)
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("opaque")).WithStatus(429)
	if err.Reason != FailoverRateLimit {
		t.Errorf("reason = %v, want %v", err.Reason, FailoverRateLimit)
	}
	if !IsRetryable(err) {
		t.Error("429 should be retryable")
	}

	err = NewProviderError("openai", "gpt-4o", errors.New("opaque")).WithStatus(401)
	if !ShouldFailover(err) {
		t.Error("auth failure should trigger failover")
	}
}
