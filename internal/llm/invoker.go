package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conductorhq/conductor/pkg/models"
)

// ToolRunner executes tool calls requested by the model. Implementations
// never return Go errors for tool failures; failures are reported inside the
// result with IsError set so the model can react.
type ToolRunner interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
}

// InvokerConfig configures the tool-calling round trip.
type InvokerConfig struct {
	// MaxToolSteps limits the number of stream/execute iterations.
	// Default: 10
	MaxToolSteps int

	// MaxTokens is the default max tokens when the request leaves it unset.
	// Default: 4096
	MaxTokens int
}

// DefaultInvokerConfig returns the default invoker configuration.
func DefaultInvokerConfig() *InvokerConfig {
	return &InvokerConfig{
		MaxToolSteps: 10,
		MaxTokens:    4096,
	}
}

func sanitizeInvokerConfig(config *InvokerConfig) *InvokerConfig {
	if config == nil {
		return DefaultInvokerConfig()
	}
	cfg := *config
	defaults := DefaultInvokerConfig()
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = defaults.MaxToolSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	return &cfg
}

// InvokeRequest is one model invocation with optional tool access.
type InvokeRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64

	// OnToken receives streamed text fragments as they arrive. Optional.
	OnToken func(text string)

	// OnToolCall observes each tool call before execution. Optional.
	OnToolCall func(call models.ToolCall)
}

// InvokeResult is the resolved outcome of an invocation: the final text after
// all tool round trips, the tools called in call order, and token usage
// accumulated across every completion in the loop.
type InvokeResult struct {
	Text        string
	ToolsCalled []string
	Usage       Usage
}

// Invoker runs the internal tool-calling loop against a provider: stream a
// completion, execute any requested tools, feed results back, repeat until
// the model stops requesting tools or MaxToolSteps is reached.
type Invoker struct {
	provider Provider
	runner   ToolRunner
	config   *InvokerConfig
	logger   *slog.Logger
}

// NewInvoker creates an invoker for the given provider. runner may be nil
// when the caller never passes tools. If config is nil, defaults are used.
func NewInvoker(provider Provider, runner ToolRunner, config *InvokerConfig, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default().With("component", "invoker")
	}
	return &Invoker{
		provider: provider,
		runner:   runner,
		config:   sanitizeInvokerConfig(config),
		logger:   logger,
	}
}

// Invoke resolves a completion, executing tool calls until the model produces
// a final answer. On error, the partial result accumulated so far is returned
// alongside the error.
func (inv *Invoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	if inv.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil {
		return nil, errors.New("invoke request is nil")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("invoke request has no messages")
	}
	if len(req.Tools) > 0 && inv.runner == nil {
		return nil, errors.New("tools requested but no tool runner configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = inv.config.MaxTokens
	}

	result := &InvokeResult{}
	messages := make([]CompletionMessage, len(req.Messages))
	copy(messages, req.Messages)

	var finalText strings.Builder

	for step := 0; step < inv.config.MaxToolSteps; step++ {
		text, calls, err := inv.streamOnce(ctx, &CompletionRequest{
			Model:       req.Model,
			System:      req.System,
			Messages:    messages,
			Tools:       req.Tools,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
		}, req.OnToken, &result.Usage)
		if err != nil {
			result.Text = finalText.String()
			return result, err
		}

		if text != "" {
			if finalText.Len() > 0 {
				finalText.WriteString("\n")
			}
			finalText.WriteString(text)
		}

		if len(calls) == 0 {
			result.Text = finalText.String()
			return result, nil
		}

		toolResults := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			if req.OnToolCall != nil {
				req.OnToolCall(call)
			}
			result.ToolsCalled = append(result.ToolsCalled, call.Name)
			toolResults = append(toolResults, inv.runner.Execute(ctx, call))
		}

		messages = append(messages,
			CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls},
			CompletionMessage{Role: "tool", ToolResults: toolResults},
		)
	}

	result.Text = finalText.String()
	inv.logger.Warn("tool step limit reached", "max_steps", inv.config.MaxToolSteps, "tools_called", len(result.ToolsCalled))
	return result, fmt.Errorf("tool step limit reached after %d steps", inv.config.MaxToolSteps)
}

// streamOnce drains one completion stream, accumulating text and tool calls.
func (inv *Invoker) streamOnce(ctx context.Context, req *CompletionRequest, onToken func(string), usage *Usage) (string, []models.ToolCall, error) {
	chunks, err := inv.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("completion failed: %w", err)
	}

	var text strings.Builder
	var calls []models.ToolCall

	for {
		select {
		case <-ctx.Done():
			// The provider goroutine sends on an unbuffered channel and
			// would block forever once the consumer leaves. Drain until it
			// closes so it can exit and release the stream.
			go func() {
				for range chunks {
				}
			}()
			return text.String(), calls, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), calls, nil
			}
			if chunk.Error != nil {
				return text.String(), calls, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if onToken != nil {
					onToken(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				usage.Add(chunk.InputTokens, chunk.OutputTokens)
				return text.String(), calls, nil
			}
		}
	}
}
