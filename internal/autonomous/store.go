package autonomous

import (
	"context"
	"time"
)

// ProgressUpdate is one step advance persisted by the loop. StatePatch is
// merged shallowly into the stored session state; keys not present are left
// untouched. Every save bumps the task's last activity time.
type ProgressUpdate struct {
	Step       int
	Summary    string
	StatePatch map[string]any
}

// Store persists tasks and their mailboxes. Implementations must give the
// writing process read-after-write consistency: resume and merge operations
// read back state they just wrote.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error

	// GetTaskByKey returns nil, nil when no task has the key.
	GetTaskByKey(ctx context.Context, taskKey string) (*Task, error)

	UpdateTask(ctx context.Context, task *Task) error

	// SaveProgress merges the update into the task's durable state inside a
	// transaction and bumps last_activity_at. The crash-recovery anchor.
	SaveProgress(ctx context.Context, taskKey string, update ProgressUpdate) error

	// SetStatus transitions a task's status, recording a reason string for
	// failure and pause states.
	SetStatus(ctx context.Context, taskKey string, status Status, errMsg string) error

	ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error)

	// ListChildren returns tasks spawned by the given parent task ID.
	ListChildren(ctx context.Context, parentTaskID string) ([]*Task, error)

	// AcquirePendingTask claims the oldest pending task for execution and
	// marks it running, or returns nil, nil when none is claimable.
	AcquirePendingTask(ctx context.Context) (*Task, error)

	CreateMessage(ctx context.Context, msg *TaskMessage) error

	// GetMessages returns messages addressed to the task key, oldest first.
	// With unreadOnly, messages in read or processed status are excluded.
	GetMessages(ctx context.Context, toTaskKey string, unreadOnly bool) ([]*TaskMessage, error)

	// MarkMessagesRead moves pending messages to read and stamps ReadAt.
	// Messages already past pending are left alone.
	MarkMessagesRead(ctx context.Context, ids []string, readAt time.Time) error

	// MarkMessagesProcessed moves read messages to processed. Pending
	// messages are not skipped ahead; callers mark read first.
	MarkMessagesProcessed(ctx context.Context, ids []string) error
}
