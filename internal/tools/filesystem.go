package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxFileReadSize caps file reads returned to the model (1MB).
const maxFileReadSize = 1 << 20

// resolvePath confines a relative path to the execution context's base
// directory. Absolute paths and traversal outside the base are rejected.
func resolvePath(ctx context.Context, rel string) (string, error) {
	ec, ok := ExecContextFrom(ctx)
	if !ok || ec.BaseDir == "" {
		return "", fmt.Errorf("%w: filesystem access not granted", ErrCapabilityDenied)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrCapabilityDenied)
	}

	base := filepath.Clean(ec.BaseDir)
	full := filepath.Clean(filepath.Join(base, rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes workspace", ErrCapabilityDenied)
	}
	return full, nil
}

type readFileParams struct {
	// Path is the file path relative to the workspace.
	Path string `json:"path" jsonschema:"description=File path relative to the workspace,required"`
}

// ReadFileTool reads files within the run's workspace directory.
type ReadFileTool struct {
	schema json.RawMessage
}

// NewReadFileTool creates a workspace file reader.
func NewReadFileTool() *ReadFileTool {
	return &ReadFileTool{schema: ReflectSchema(&readFileParams{})}
}

func (t *ReadFileTool) Name() string { return ToolReadFile }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace."
}

func (t *ReadFileTool) Schema() json.RawMessage { return t.schema }

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p readFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	full, err := resolvePath(ctx, p.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot read %s: %v", p.Path, err), IsError: true}, nil
	}
	if info.Size() > maxFileReadSize {
		return &Result{Content: fmt.Sprintf("file %s is too large (%d bytes)", p.Path, info.Size()), IsError: true}, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot read %s: %v", p.Path, err), IsError: true}, nil
	}
	return &Result{Content: string(data)}, nil
}

type writeFileParams struct {
	// Path is the file path relative to the workspace.
	Path string `json:"path" jsonschema:"description=File path relative to the workspace,required"`

	// Content is the full file content to write.
	Content string `json:"content" jsonschema:"description=Content to write,required"`
}

// WriteFileTool writes files within the run's workspace directory. Requires
// the AllowFileWrites capability.
type WriteFileTool struct {
	schema json.RawMessage
}

// NewWriteFileTool creates a workspace file writer.
func NewWriteFileTool() *WriteFileTool {
	return &WriteFileTool{schema: ReflectSchema(&writeFileParams{})}
}

func (t *WriteFileTool) Name() string { return ToolWriteFile }

func (t *WriteFileTool) Description() string {
	return "Write a text file to the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Schema() json.RawMessage { return t.schema }

func (t *WriteFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p writeFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	if ec, ok := ExecContextFrom(ctx); !ok || !ec.AllowFileWrites {
		return &Result{Content: "file writes are not permitted for this run", IsError: true}, nil
	}

	full, err := resolvePath(ctx, p.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &Result{Content: fmt.Sprintf("cannot create directory for %s: %v", p.Path, err), IsError: true}, nil
	}
	if err := os.WriteFile(full, []byte(p.Content), 0o644); err != nil {
		return &Result{Content: fmt.Sprintf("cannot write %s: %v", p.Path, err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

type listDirParams struct {
	// Path is the directory path relative to the workspace. Empty lists the
	// workspace root.
	Path string `json:"path,omitempty" jsonschema:"description=Directory path relative to the workspace"`
}

// ListDirTool lists directory entries within the run's workspace.
type ListDirTool struct {
	schema json.RawMessage
}

// NewListDirTool creates a workspace directory lister.
func NewListDirTool() *ListDirTool {
	return &ListDirTool{schema: ReflectSchema(&listDirParams{})}
}

func (t *ListDirTool) Name() string { return ToolListDir }

func (t *ListDirTool) Description() string {
	return "List files and directories in a workspace directory."
}

func (t *ListDirTool) Schema() json.RawMessage { return t.schema }

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p listDirParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	if p.Path == "" {
		p.Path = "."
	}

	full, err := resolvePath(ctx, p.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot list %s: %v", p.Path, err), IsError: true}, nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return &Result{Content: "(empty directory)"}, nil
	}
	return &Result{Content: strings.Join(names, "\n")}, nil
}
