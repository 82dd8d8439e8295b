// Package autonomous runs long-horizon "work until done" task loops that
// survive process restarts. Every step advance persists merged session state
// so a crashed task can be recovered and resumed under the same task key.
package autonomous

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxSpawnDepth bounds sub-task nesting. Depth strictly increases from
// parent to child, so a chain can never cycle back to an ancestor.
const MaxSpawnDepth = 3

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

var (
	// ErrTaskNotFound is returned when a task key resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyRunning is returned when a task key is already tracked by
	// the in-process active-run registry.
	ErrAlreadyRunning = errors.New("task already running")

	// ErrSpawnDepthExceeded is a policy error: the parent sits at the
	// maximum spawn depth. It fails the spawn call, not the parent task.
	ErrSpawnDepthExceeded = errors.New("spawn depth exceeded")

	// ErrNotResumable is returned when resume is requested for a task in a
	// status other than running or paused.
	ErrNotResumable = errors.New("task not resumable")
)

const (
	taskConfigVersion   = 1
	sessionStateVersion = 1
)

// TaskConfig is the durable per-task execution policy. Stored as JSON;
// records written by older versions default missing fields on read.
type TaskConfig struct {
	Version           int           `json:"version"`
	MaxAttempts       int           `json:"max_attempts"`
	CompletionTimeout time.Duration `json:"completion_timeout"`
	RequireToolCall   bool          `json:"require_tool_call"`
	StepInterval      time.Duration `json:"step_interval,omitempty"`
	Tools             []string      `json:"tools,omitempty"`
}

// DefaultTaskConfig returns the default task configuration.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Version:           taskConfigVersion,
		MaxAttempts:       3,
		CompletionTimeout: 5 * time.Minute,
	}
}

// UnmarshalTaskConfig decodes a stored config, defaulting fields absent
// from older records.
func UnmarshalTaskConfig(data []byte) (TaskConfig, error) {
	cfg := DefaultTaskConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return TaskConfig{}, fmt.Errorf("unmarshal task config: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = taskConfigVersion
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 5 * time.Minute
	}
	return cfg, nil
}

// SessionState is the durable loop state of a task. Typed fields cover the
// core loop bookkeeping; Data carries arbitrary loop-specific keys and is
// merged shallowly on every save, never replaced wholesale.
type SessionState struct {
	Version     int            `json:"version"`
	IsRunning   bool           `json:"is_running"`
	ResumeCount int            `json:"resume_count"`
	RecoveredAt *time.Time     `json:"recovered_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewSessionState returns an empty state at the current version.
func NewSessionState() SessionState {
	return SessionState{Version: sessionStateVersion}
}

// MergeData applies a shallow merge of patch into the state's Data map.
// Disjoint key sets union; a repeated key is last-write-wins. Keys absent
// from the patch are untouched.
func (s *SessionState) MergeData(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if s.Data == nil {
		s.Data = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		s.Data[k] = v
	}
}

// UnmarshalSessionState decodes a stored state, defaulting the version for
// records written before versioning existed.
func UnmarshalSessionState(data []byte) (SessionState, error) {
	if len(data) == 0 {
		return NewSessionState(), nil
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return SessionState{}, fmt.Errorf("unmarshal session state: %w", err)
	}
	if state.Version == 0 {
		state.Version = sessionStateVersion
	}
	return state, nil
}

// Task is the durable autonomous task entity.
type Task struct {
	ID             string       `json:"id"`
	TaskKey        string       `json:"task_key"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	InitialPrompt  string       `json:"initial_prompt"`
	ModelID        string       `json:"model_id,omitempty"`
	MaxSteps       int          `json:"max_steps"`
	CurrentStep    int          `json:"current_step"`
	Status         Status       `json:"status"`
	SessionState   SessionState `json:"session_state"`
	ParentTaskID   string       `json:"parent_task_id,omitempty"`
	SpawnDepth     int          `json:"spawn_depth"`
	Config         TaskConfig   `json:"config"`

	// Channel addressing for result delivery.
	ChannelAccountID string `json:"channel_account_id,omitempty"`
	ChannelID        string `json:"channel_id,omitempty"`
	ChannelThreadID  string `json:"channel_thread_id,omitempty"`

	ProgressSummary string        `json:"progress_summary,omitempty"`
	FinalOutput     string        `json:"final_output,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MessageType classifies mailbox entries between tasks.
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeResult  MessageType = "result"
	MessageTypeRequest MessageType = "request"
	MessageTypeStatus  MessageType = "status"
)

// MessageStatus transitions pending -> read -> processed, forward only.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusProcessed MessageStatus = "processed"
)

// TaskMessage is a directional mailbox entry between two tasks. The core
// never deletes messages; retention is an external concern.
type TaskMessage struct {
	ID          string          `json:"id"`
	FromTaskKey string          `json:"from_task_key"`
	ToTaskKey   string          `json:"to_task_key"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      MessageStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
}
