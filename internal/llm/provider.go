// Package llm defines the provider contract for model backends and the
// invocation adapter that resolves tool-calling round trips.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/conductorhq/conductor/pkg/models"
)

// ErrNoProvider is returned when an invocation is attempted without a provider.
var ErrNoProvider = errors.New("no LLM provider configured")

// Provider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs (Anthropic, OpenAI, local models) while presenting a unified streaming
// interface to the rest of the system.
//
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete simultaneously for different requests.
type Provider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt that sets the assistant's behavior.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	// Must include at least one message.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tools the model may request to execute.
	// If empty, no tool calling is available.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the maximum length of the generated response.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool".
type CompletionMessage struct {
	// Role indicates who sent the message.
	Role string `json:"role"`

	// Content is the text content (may be empty for tool-only messages).
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	// Name is the function-calling identifier (alphanumeric, underscores).
	Name string `json:"name"`

	// Description helps the model decide when to use the tool.
	Description string `json:"description"`

	// Schema is the JSON Schema for the tool's parameters.
	Schema json.RawMessage `json:"schema"`
}

// CompletionChunk represents a single chunk in a streaming response.
//
// Each chunk carries partial text, a complete tool call, a done signal, or
// an error. Token counts are only populated on the final chunk.
type CompletionChunk struct {
	// Text contains partial response text, streamed incrementally.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; the stream terminates after it.
	Error error `json:"-"`

	// InputTokens is the number of input tokens consumed by this request.
	// Only populated in the final chunk.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is the number of output tokens generated.
	// Only populated in the final chunk.
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	// ID is the API identifier for the model.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size"`

	// SupportsVision indicates if the model can process images.
	SupportsVision bool `json:"supports_vision"`
}

// Usage accumulates token counts across one or more completions.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(input, output int) {
	u.InputTokens += input
	u.OutputTokens += output
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
