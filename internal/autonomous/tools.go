package autonomous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/internal/tools"
)

// sendToTaskParams are the arguments of the send_to_task tool.
type sendToTaskParams struct {
	FromTaskKey string `json:"from_task_key" jsonschema:"required,description=Task key of the sending task"`
	ToTaskKey   string `json:"to_task_key" jsonschema:"required,description=Task key of the receiving task"`
	MessageType string `json:"message_type,omitempty" jsonschema:"description=One of message result request status (default message)"`
	Payload     string `json:"payload" jsonschema:"required,description=Message content"`
}

// SendToTaskTool lets an agent pass a message to a sibling task's mailbox.
type SendToTaskTool struct {
	manager *Manager
	schema  json.RawMessage
}

// NewSendToTaskTool creates the send_to_task tool over the manager.
func NewSendToTaskTool(manager *Manager) *SendToTaskTool {
	return &SendToTaskTool{
		manager: manager,
		schema:  tools.ReflectSchema(&sendToTaskParams{}),
	}
}

func (t *SendToTaskTool) Name() string { return tools.ToolSendToTask }

func (t *SendToTaskTool) Description() string {
	return "Send a message to another running task's mailbox. Both tasks must exist. Use message_type 'result' to report results, 'request' to ask for work, 'status' for progress updates."
}

func (t *SendToTaskTool) Schema() json.RawMessage { return t.schema }

func (t *SendToTaskTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p sendToTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &tools.Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	msgType := MessageType(p.MessageType)
	if p.MessageType == "" {
		msgType = MessageTypeMessage
	}

	payload, err := json.Marshal(map[string]string{"content": p.Payload})
	if err != nil {
		return &tools.Result{Content: "encode payload: " + err.Error(), IsError: true}, nil
	}

	msg, err := t.manager.SendTaskMessage(ctx, p.FromTaskKey, p.ToTaskKey, msgType, payload)
	if err != nil {
		return &tools.Result{Content: "send failed: " + err.Error(), IsError: true}, nil
	}
	return &tools.Result{Content: fmt.Sprintf("message %s delivered to %s", msg.ID, p.ToTaskKey)}, nil
}

// spawnTaskParams are the arguments of the spawn_task tool.
type spawnTaskParams struct {
	ParentTaskKey string `json:"parent_task_key" jsonschema:"required,description=Task key of the spawning task"`
	Prompt        string `json:"prompt" jsonschema:"required,description=Objective for the sub-task"`
	MaxSteps      int    `json:"max_steps,omitempty" jsonschema:"description=Step budget for the sub-task"`
	WaitSeconds   int    `json:"wait_seconds,omitempty" jsonschema:"description=Seconds to wait for the sub-task before returning partial results (0 returns immediately)"`
}

// SpawnTaskTool lets an agent spawn a depth-bounded sub-task and optionally
// wait for it.
type SpawnTaskTool struct {
	manager *Manager
	schema  json.RawMessage
}

// NewSpawnTaskTool creates the spawn_task tool over the manager.
func NewSpawnTaskTool(manager *Manager) *SpawnTaskTool {
	return &SpawnTaskTool{
		manager: manager,
		schema:  tools.ReflectSchema(&spawnTaskParams{}),
	}
}

func (t *SpawnTaskTool) Name() string { return tools.ToolSpawnTask }

func (t *SpawnTaskTool) Description() string {
	return "Spawn a sub-task to work on part of the objective in parallel. Nesting is depth-limited. Optionally wait for completion; on timeout partial results are returned."
}

func (t *SpawnTaskTool) Schema() json.RawMessage { return t.schema }

func (t *SpawnTaskTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p spawnTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &tools.Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	child, err := t.manager.SpawnSubTask(ctx, p.ParentTaskKey, &SpawnRequest{
		Prompt:   p.Prompt,
		MaxSteps: p.MaxSteps,
	})
	if err != nil {
		// Depth violations are policy errors for this call, not the parent.
		if errors.Is(err, ErrSpawnDepthExceeded) {
			return &tools.Result{Content: "cannot spawn: maximum sub-task depth reached", IsError: true}, nil
		}
		return &tools.Result{Content: "spawn failed: " + err.Error(), IsError: true}, nil
	}

	if p.WaitSeconds <= 0 {
		return &tools.Result{Content: fmt.Sprintf("sub-task %s started", child.TaskKey)}, nil
	}

	children, err := t.manager.WaitForChildTasks(ctx, child.ParentTaskID, time.Duration(p.WaitSeconds)*time.Second, 0)
	if err != nil {
		return &tools.Result{Content: "wait interrupted: " + err.Error(), IsError: true}, nil
	}

	summary := fmt.Sprintf("sub-task %s started; %d child task(s):\n", child.TaskKey, len(children))
	for _, c := range children {
		line := fmt.Sprintf("- %s [%s]", c.TaskKey, c.Status)
		if c.FinalOutput != "" {
			line += ": " + c.FinalOutput
		}
		summary += line + "\n"
	}
	return &tools.Result{Content: summary}, nil
}
