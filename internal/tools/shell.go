package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

const (
	// defaultShellTimeout bounds command execution time.
	defaultShellTimeout = 60 * time.Second

	// maxShellOutput caps combined stdout/stderr returned to the model.
	maxShellOutput = 64 << 10
)

type shellParams struct {
	// Command is the shell command line to execute.
	Command string `json:"command" jsonschema:"description=Shell command to execute,required"`

	// TimeoutSeconds overrides the default 60s limit (capped at 300).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" jsonschema:"description=Command timeout in seconds"`
}

// ShellTool executes shell commands in the run's workspace directory.
// Requires the AllowCommands capability.
type ShellTool struct {
	schema json.RawMessage
}

// NewShellTool creates a shell execution tool.
func NewShellTool() *ShellTool {
	return &ShellTool{schema: ReflectSchema(&shellParams{})}
}

func (t *ShellTool) Name() string { return ToolShell }

func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace and return its output."
}

func (t *ShellTool) Schema() json.RawMessage { return t.schema }

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p shellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	ec, ok := ExecContextFrom(ctx)
	if !ok || !ec.AllowCommands {
		return &Result{Content: "command execution is not permitted for this run", IsError: true}, nil
	}

	timeout := defaultShellTimeout
	if p.TimeoutSeconds > 0 {
		if p.TimeoutSeconds > 300 {
			p.TimeoutSeconds = 300
		}
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", p.Command)
	if ec.BaseDir != "" {
		cmd.Dir = ec.BaseDir
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	text := output.String()
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n... (output truncated)"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return &Result{
			Content: fmt.Sprintf("command timed out after %s\n%s", timeout, text),
			IsError: true,
		}, nil
	}
	if err != nil {
		return &Result{
			Content: fmt.Sprintf("command failed: %v\n%s", err, text),
			IsError: true,
		}, nil
	}
	if text == "" {
		text = "(no output)"
	}
	return &Result{Content: text}, nil
}
