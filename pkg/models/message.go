package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the surface a conversation belongs to.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelWeb      ChannelType = "web"
	ChannelAPI      ChannelType = "api"
	ChannelInternal ChannelType = "internal"
)

// ToolCall represents a request by the model to execute a tool.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Input is the raw JSON arguments for the tool.
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	// ToolCallID links the result back to the originating call.
	ToolCallID string `json:"tool_call_id"`

	// Content is the textual payload returned to the model.
	Content string `json:"content"`

	// IsError marks the content as an error description rather than output.
	IsError bool `json:"is_error"`
}

// Message is a single entry in a conversation transcript.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult   `json:"tool_results,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conversation groups messages for one user on one channel.
type Conversation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Channel   ChannelType    `json:"channel"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
