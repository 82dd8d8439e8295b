// Package models provides domain types for the conductor orchestration core.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// AgentConfig describes one configured participant in an orchestration run.
// Agent configurations are owned by a conversation and created elsewhere;
// the orchestrator consumes them read-only.
type AgentConfig struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name for this agent.
	Name string `json:"name" yaml:"name"`

	// Role describes the agent's function within the run (e.g. "researcher").
	Role string `json:"role,omitempty" yaml:"role"`

	// Provider specifies the LLM provider (e.g. "anthropic", "openai", "ollama").
	Provider string `json:"provider" yaml:"provider"`

	// ModelID specifies the model to use with the provider.
	ModelID string `json:"model_id" yaml:"model_id"`

	// SystemPrompt is the agent's persona prompt (optional).
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`

	// Description explains what this agent specializes in. Used by the
	// hierarchical lead and synthesis prompts to describe subordinates.
	Description string `json:"description,omitempty" yaml:"description"`

	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`

	// MaxTokens limits the response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens"`

	// Tools lists the tool identifiers this agent has access to.
	Tools []string `json:"tools,omitempty" yaml:"tools"`

	// CanSeeOtherAgents grants visibility into prior agents' output in
	// sequential and hierarchical modes.
	CanSeeOtherAgents bool `json:"can_see_other_agents" yaml:"can_see_other_agents"`

	// Priority breaks ties in sequential/hierarchical ordering (higher = later
	// in sequential order, lead in hierarchical mode).
	Priority int `json:"priority" yaml:"priority"`

	// IsActive excludes the agent from runs when false.
	IsActive bool `json:"is_active" yaml:"is_active"`
}

// Clone creates a deep copy of the agent configuration.
func (a *AgentConfig) Clone() *AgentConfig {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Tools != nil {
		clone.Tools = make([]string, len(a.Tools))
		copy(clone.Tools, a.Tools)
	}
	return &clone
}

// HasTool checks if the agent has access to a specific tool.
func (a *AgentConfig) HasTool(toolName string) bool {
	for _, t := range a.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// AgentMessage is one agent turn produced by the orchestrator. Messages are
// immutable once emitted; callers persist them as conversation history.
type AgentMessage struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
