package autonomous

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/models"
)

// SendTaskMessage inserts a directional mailbox entry from one task to
// another. Both endpoints must exist; there is no broadcast.
func (m *Manager) SendTaskMessage(ctx context.Context, fromTaskKey, toTaskKey string, msgType MessageType, payload json.RawMessage) (*TaskMessage, error) {
	if fromTaskKey == "" || toTaskKey == "" {
		return nil, fmt.Errorf("both task keys are required")
	}
	if fromTaskKey == toTaskKey {
		return nil, fmt.Errorf("task cannot message itself")
	}
	switch msgType {
	case MessageTypeMessage, MessageTypeResult, MessageTypeRequest, MessageTypeStatus:
	default:
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}

	for _, key := range []string{fromTaskKey, toTaskKey} {
		task, err := m.store.GetTaskByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, fmt.Errorf("task %s: %w", key, ErrTaskNotFound)
		}
	}

	msg := &TaskMessage{
		ID:          uuid.NewString(),
		FromTaskKey: fromTaskKey,
		ToTaskKey:   toTaskKey,
		MessageType: msgType,
		Payload:     payload,
		Status:      MessageStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	m.emit(models.TaskEvent{
		Type:      models.TaskEventMessage,
		TaskID:    toTaskKey,
		Detail:    string(msgType),
		Metadata:  map[string]any{"from": fromTaskKey},
		Timestamp: time.Now(),
	})
	return msg, nil
}

// GetTaskMessages returns messages addressed to the task, oldest first.
// Defaults to unread-only; pass unreadOnly=false for the full mailbox.
func (m *Manager) GetTaskMessages(ctx context.Context, taskKey string, unreadOnly bool) ([]*TaskMessage, error) {
	if taskKey == "" {
		return nil, fmt.Errorf("task key is required")
	}
	return m.store.GetMessages(ctx, taskKey, unreadOnly)
}

// MarkMessagesRead transitions pending messages to read. Transitions are
// caller-driven and forward only.
func (m *Manager) MarkMessagesRead(ctx context.Context, ids []string) error {
	return m.store.MarkMessagesRead(ctx, ids, time.Now())
}

// MarkMessagesProcessed transitions read messages to processed.
func (m *Manager) MarkMessagesProcessed(ctx context.Context, ids []string) error {
	return m.store.MarkMessagesProcessed(ctx, ids)
}
