// Package executor drives a single agent objective to completion: bounded
// attempts, per-attempt timeouts, and a completion policy deciding whether an
// attempt actually finished the work.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductorhq/conductor/internal/credentials"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/llm/providers"
)

// Config configures the attempt loop.
type Config struct {
	// MaxAttempts bounds how many times the objective is attempted.
	// Clamped to 1-10. Default: 3
	MaxAttempts int

	// CompletionTimeout bounds each attempt's wall-clock time.
	// Default: 5 minutes
	CompletionTimeout time.Duration

	// RetryDelay is the base delay between attempts; actual delay is
	// RetryDelay * attempt (linear backoff). Default: 2s
	RetryDelay time.Duration

	// RequireToolCall marks an attempt incomplete unless at least one tool
	// was called. Used for runs whose purpose is a side effect.
	RequireToolCall bool
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:       3,
		CompletionTimeout: 5 * time.Minute,
		RetryDelay:        2 * time.Second,
	}
}

func sanitizeConfig(config *Config) *Config {
	if config == nil {
		return DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.MaxAttempts > 10 {
		cfg.MaxAttempts = 10
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaults.CompletionTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	return &cfg
}

// Invoker resolves one model invocation. *llm.Invoker satisfies this.
type Invoker interface {
	Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.InvokeResult, error)
}

// Result is the outcome of an objective execution.
type Result struct {
	// Success is true when an attempt satisfied the completion policy.
	Success bool

	// Attempts is the number of attempts consumed.
	Attempts int

	// FailureReason describes why the run failed. Empty on success.
	FailureReason string

	// TimedOut is true when the final attempt ended on the per-attempt
	// timeout rather than a model or tool failure.
	TimedOut bool

	// Output is the final text, or the partial text of the last attempt on
	// failure.
	Output string

	// ToolsCalled lists tool names in call order across the final attempt.
	ToolsCalled []string

	// TokensUsed accumulates usage across every attempt, including failed
	// ones.
	TokensUsed llm.Usage
}

// Executor runs objectives against an invoker with retry semantics.
type Executor struct {
	invoker Invoker
	config  *Config
	logger  *slog.Logger
}

// New creates an executor. If config is nil, defaults are used.
func New(invoker Invoker, config *Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default().With("component", "executor")
	}
	return &Executor{
		invoker: invoker,
		config:  sanitizeConfig(config),
		logger:  logger,
	}
}

// Execute runs the invocation until it completes, a terminal error occurs, or
// attempts are exhausted. Never returns a Go error: every failure mode is
// captured in the Result so callers can persist and report it.
func (e *Executor) Execute(ctx context.Context, req *llm.InvokeRequest) *Result {
	result := &Result{}

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if attempt > 1 {
			select {
			case <-ctx.Done():
				result.FailureReason = "run cancelled: " + ctx.Err().Error()
				return result
			case <-time.After(e.config.RetryDelay * time.Duration(attempt-1)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.CompletionTimeout)
		invokeResult, err := e.invoker.Invoke(attemptCtx, req)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if invokeResult != nil {
			// Partial output and usage survive failed attempts.
			result.Output = invokeResult.Text
			result.ToolsCalled = invokeResult.ToolsCalled
			result.TokensUsed.Add(invokeResult.Usage.InputTokens, invokeResult.Usage.OutputTokens)
		}

		if err == nil {
			if e.config.RequireToolCall && invokeResult != nil && len(invokeResult.ToolsCalled) == 0 {
				result.FailureReason = "completed without calling any tool"
				result.TimedOut = false
				e.logger.Warn("attempt violated completion policy",
					"attempt", attempt, "max_attempts", e.config.MaxAttempts)
				continue
			}
			result.Success = true
			result.FailureReason = ""
			result.TimedOut = false
			return result
		}

		result.TimedOut = timedOut
		if timedOut {
			result.FailureReason = fmt.Sprintf("attempt timed out after %s", e.config.CompletionTimeout)
		} else {
			result.FailureReason = err.Error()
		}

		if ctx.Err() != nil {
			result.FailureReason = "run cancelled: " + ctx.Err().Error()
			return result
		}

		if isTerminal(err) && !timedOut {
			e.logger.Warn("terminal error, not retrying",
				"attempt", attempt, "error", err)
			return result
		}

		e.logger.Warn("attempt failed",
			"attempt", attempt, "max_attempts", e.config.MaxAttempts,
			"timed_out", timedOut, "error", err)
	}

	return result
}

// isTerminal reports configuration and auth failures that more attempts
// cannot fix.
func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	if credentials.IsMissingCredential(err) {
		return true
	}
	if errors.Is(err, llm.ErrNoProvider) {
		return true
	}
	if providerErr, ok := providers.GetProviderError(err); ok {
		switch providerErr.Reason {
		case providers.FailoverAuth, providers.FailoverBilling,
			providers.FailoverInvalidRequest, providers.FailoverModelUnavailable:
			return true
		}
		return false
	}
	return false
}
