package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for tool operations
var (
	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrCapabilityDenied indicates the execution context forbids the operation
	ErrCapabilityDenied = errors.New("capability denied")
)

// ErrorType categorizes tool execution errors for retry logic.
type ErrorType string

const (
	// ErrorNotFound indicates the tool doesn't exist
	ErrorNotFound ErrorType = "not_found"

	// ErrorInvalidInput indicates invalid parameters were passed
	ErrorInvalidInput ErrorType = "invalid_input"

	// ErrorTimeout indicates the tool timed out
	ErrorTimeout ErrorType = "timeout"

	// ErrorNetwork indicates a network error
	ErrorNetwork ErrorType = "network"

	// ErrorPermission indicates a permission error
	ErrorPermission ErrorType = "permission"

	// ErrorRateLimit indicates the tool was rate limited
	ErrorRateLimit ErrorType = "rate_limit"

	// ErrorExecution indicates a runtime error during execution
	ErrorExecution ErrorType = "execution"

	// ErrorPanic indicates the tool panicked
	ErrorPanic ErrorType = "panic"

	// ErrorUnknown indicates an unclassified error
	ErrorUnknown ErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying may succeed.
// Timeout, network, and rate limit errors are considered retryable.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorTimeout, ErrorNetwork, ErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a structured error from tool execution, categorized for retry
// logic with context about the failing call.
type ToolError struct {
	// Type categorizes the error for retry logic
	Type ErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Retryable indicates if this error should be retried
	Retryable bool

	// Attempts is the number of attempts made
	Attempts int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, classifying the cause from its message.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType sets the error type and updates retryable status accordingly.
func (e *ToolError) WithType(t ErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts sets the number of execution attempts made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// classifyToolError determines the error type from the error content.
func classifyToolError(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	if errors.Is(err, ErrToolNotFound) {
		return ErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ErrorPanic
	}
	if errors.Is(err, ErrCapabilityDenied) {
		return ErrorPermission
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ErrorTimeout
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") {
		return ErrorNetwork
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ErrorRateLimit
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "access denied") {
		return ErrorPermission
	}

	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "required") ||
		strings.Contains(errStr, "missing") {
		return ErrorInvalidInput
	}

	return ErrorExecution
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable checks if a tool error should be retried based on its type.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}
