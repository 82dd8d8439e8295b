package autonomous

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/models"
)

// SpawnRequest describes a child task. Lineage fields are derived from the
// parent and cannot be set by the caller.
type SpawnRequest struct {
	Prompt   string
	ModelID  string
	MaxSteps int
	Config   *TaskConfig
	Timeout  time.Duration
}

// SpawnSubTask creates and starts a depth-bounded child of the parent task.
// The child's key is derived from the parent's key plus a random suffix so
// lineage stays traceable from the key alone.
func (m *Manager) SpawnSubTask(ctx context.Context, parentTaskKey string, req *SpawnRequest) (*Task, error) {
	if req == nil {
		return nil, fmt.Errorf("spawn request is nil")
	}

	parent, err := m.store.GetTaskByKey(ctx, parentTaskKey)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("task %s: %w", parentTaskKey, ErrTaskNotFound)
	}
	if parent.SpawnDepth >= MaxSpawnDepth {
		return nil, fmt.Errorf("task %s at depth %d: %w", parentTaskKey, parent.SpawnDepth, ErrSpawnDepthExceeded)
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = parent.ModelID
	}

	child, err := m.StartTask(ctx, &StartRequest{
		TaskKey:          fmt.Sprintf("%s.%s", parent.TaskKey, uuid.NewString()[:8]),
		UserID:           parent.UserID,
		ConversationID:   parent.ConversationID,
		Prompt:           req.Prompt,
		ModelID:          modelID,
		MaxSteps:         req.MaxSteps,
		Config:           req.Config,
		Timeout:          req.Timeout,
		ChannelAccountID: parent.ChannelAccountID,
		ChannelID:        parent.ChannelID,
		ChannelThreadID:  parent.ChannelThreadID,
		ParentTaskID:     parent.ID,
		SpawnDepth:       parent.SpawnDepth + 1,
	})
	if err != nil {
		return nil, err
	}

	m.emit(models.TaskEvent{
		Type:      models.TaskEventSpawn,
		TaskID:    parent.TaskKey,
		ChildID:   child.TaskKey,
		Timestamp: time.Now(),
	})
	return child, nil
}

// defaultChildPollInterval paces WaitForChildTasks storage polls.
const defaultChildPollInterval = 2 * time.Second

// WaitForChildTasks polls until every child of the parent reaches a terminal
// status or the timeout elapses. On timeout it returns whichever results are
// available, not an error: partial results are the contract.
func (m *Manager) WaitForChildTasks(ctx context.Context, parentTaskID string, timeout, pollInterval time.Duration) ([]*Task, error) {
	if pollInterval <= 0 {
		pollInterval = defaultChildPollInterval
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		children, err := m.store.ListChildren(ctx, parentTaskID)
		if err != nil {
			return nil, err
		}

		settled := true
		for _, child := range children {
			if !child.Status.Terminal() {
				settled = false
				break
			}
		}
		if settled {
			return children, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return children, ctx.Err()
			}
			return children, nil
		case <-time.After(pollInterval):
		}
	}
}
