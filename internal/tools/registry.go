// Package tools provides the tool contract, a thread-safe registry with
// schema validation, and the builtin tools available to agents.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/pkg/models"
)

// Tool defines the interface for executable agent tools.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use it.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	// Returns the tool output or an error.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result contains the output from a tool execution. Failures the model can
// react to are communicated with IsError=true rather than a Go error.
type Result struct {
	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`
}

// Builtin tool identifiers. The set is closed: new builtins are added here,
// everything else extends the system through the skill capability interface.
const (
	ToolWebSearch  = "web_search"
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolListDir    = "list_dir"
	ToolShell      = "shell"
	ToolUseSkill   = "use_skill"
	ToolSendToTask = "send_to_task"
	ToolSpawnTask  = "spawn_task"
)

// BuiltinToolNames returns the closed set of builtin tool identifiers.
func BuiltinToolNames() []string {
	return []string{
		ToolWebSearch,
		ToolReadFile,
		ToolWriteFile,
		ToolListDir,
		ToolShell,
		ToolUseSkill,
		ToolSendToTask,
		ToolSpawnTask,
	}
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages available tools with thread-safe registration and lookup.
// Parameter schemas are compiled at registration time and enforced on every
// Execute call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool to the registry by its name, replacing any existing
// tool with the same name. The tool's schema must be valid JSON Schema.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register: tool is nil")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("register: invalid tool name %q", name)
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{tool: tool, schema: compiled}
	return nil
}

// MustRegister registers a tool and panics on failure. For builtins whose
// schemas are static and known valid.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns provider tool specs for the named tools. Unknown names are
// skipped. A nil names slice selects every registered tool.
func (r *Registry) Specs(names []string) []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
		})
	}
	return specs
}

// Execute runs a tool by name with the given JSON parameters. Lookup
// failures, size violations, and schema violations come back as error
// results rather than Go errors so the model can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if reg.schema != nil {
		if err := validateParams(reg.schema, params); err != nil {
			return &Result{
				Content: fmt.Sprintf("invalid parameters for %s: %v", name, err),
				IsError: true,
			}, nil
		}
	}

	return safeExecute(ctx, reg.tool, params)
}

// safeExecute runs the tool, converting panics into ErrToolPanic.
func safeExecute(ctx context.Context, tool Tool, params json.RawMessage) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = NewToolError(tool.Name(), fmt.Errorf("%w: %v", ErrToolPanic, rec)).WithType(ErrorPanic)
		}
	}()
	return tool.Execute(ctx, params)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	return schema.Validate(value)
}

// Runner adapts a Registry to the llm.ToolRunner contract, optionally
// restricted to an allow-list of tool names.
type Runner struct {
	registry *Registry
	allowed  map[string]bool
}

// NewRunner creates a runner over the registry. A nil allowed list permits
// every registered tool.
func NewRunner(registry *Registry, allowed []string) *Runner {
	var set map[string]bool
	if allowed != nil {
		set = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			set[name] = true
		}
	}
	return &Runner{registry: registry, allowed: set}
}

// Execute implements llm.ToolRunner.
func (r *Runner) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	if r.allowed != nil && !r.allowed[call.Name] {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    "tool not available: " + call.Name,
			IsError:    true,
		}
	}

	result, err := r.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    err.Error(),
			IsError:    true,
		}
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
	}
}
