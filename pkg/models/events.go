package models

import "time"

// OrchestrationEventType classifies events emitted during a multi-agent run.
type OrchestrationEventType string

const (
	// EventAgentStart is emitted when an agent's turn begins.
	EventAgentStart OrchestrationEventType = "agent_start"
	// EventToken carries one streamed text fragment from an agent.
	EventToken OrchestrationEventType = "token"
	// EventAgentEnd is emitted when an agent's turn completes.
	EventAgentEnd OrchestrationEventType = "agent_end"
	// EventRound marks consensus round boundaries.
	EventRound OrchestrationEventType = "round"
	// EventError reports a per-agent or run-level failure.
	EventError OrchestrationEventType = "error"
	// EventComplete terminates the stream and carries the merged messages.
	EventComplete OrchestrationEventType = "complete"
)

// RoundStage distinguishes the round events of a consensus run.
type RoundStage string

const (
	RoundStart     RoundStage = "start"
	RoundEnd       RoundStage = "end"
	RoundSynthesis RoundStage = "synthesis"
)

// OrchestrationEvent is one entry in the ordered event stream of a run.
// Sequence is assigned monotonically by the orchestrator; consumers may rely
// on it to reorder events received out of band.
type OrchestrationEvent struct {
	Type      OrchestrationEventType `json:"type"`
	Sequence  int64                  `json:"sequence"`
	AgentID   string                 `json:"agent_id,omitempty"`
	AgentName string                 `json:"agent_name,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Round     int                    `json:"round,omitempty"`
	Stage     RoundStage             `json:"stage,omitempty"`
	Message   *AgentMessage          `json:"message,omitempty"`
	Messages  []AgentMessage         `json:"messages,omitempty"`
	Err       string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskEventType classifies progress events from an autonomous task run.
type TaskEventType string

const (
	TaskEventStep     TaskEventType = "step"
	TaskEventProgress TaskEventType = "progress"
	TaskEventToolCall TaskEventType = "tool_call"
	TaskEventSpawn    TaskEventType = "spawn"
	TaskEventMessage  TaskEventType = "message"
)

// TaskEvent reports one observable step of an autonomous task.
type TaskEvent struct {
	Type      TaskEventType  `json:"type"`
	TaskID    string         `json:"task_id"`
	Step      int            `json:"step,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	ChildID   string         `json:"child_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
