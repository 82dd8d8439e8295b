package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Skill is the capability interface through which installed skills extend the
// closed builtin tool set. Skills are invoked through the use_skill tool
// rather than registered as first-class tools.
type Skill interface {
	// SkillName returns the skill's stable identifier.
	SkillName() string

	// SkillDescription explains what the skill does, shown to the model.
	SkillDescription() string

	// Invoke runs the skill with free-form JSON arguments.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

type useSkillParams struct {
	// Skill is the identifier of the skill to invoke.
	Skill string `json:"skill" jsonschema:"description=Identifier of the skill to invoke,required"`

	// Args is the JSON argument object passed to the skill.
	Args json.RawMessage `json:"args,omitempty" jsonschema:"description=Arguments for the skill"`
}

// UseSkillTool dispatches to registered skills by name.
type UseSkillTool struct {
	mu     sync.RWMutex
	skills map[string]Skill
	schema json.RawMessage
}

// NewUseSkillTool creates the skill dispatch tool.
func NewUseSkillTool(skills ...Skill) *UseSkillTool {
	t := &UseSkillTool{
		skills: make(map[string]Skill, len(skills)),
		schema: ReflectSchema(&useSkillParams{}),
	}
	for _, s := range skills {
		t.skills[s.SkillName()] = s
	}
	return t
}

// AddSkill registers a skill, replacing one with the same name.
func (t *UseSkillTool) AddSkill(s Skill) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skills[s.SkillName()] = s
}

func (t *UseSkillTool) Name() string { return ToolUseSkill }

func (t *UseSkillTool) Description() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.skills))
	for name, s := range t.skills {
		names = append(names, fmt.Sprintf("%s (%s)", name, s.SkillDescription()))
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "Invoke an installed skill. No skills are currently installed."
	}
	return "Invoke an installed skill. Available: " + strings.Join(names, "; ")
}

func (t *UseSkillTool) Schema() json.RawMessage { return t.schema }

func (t *UseSkillTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p useSkillParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	t.mu.RLock()
	skill, ok := t.skills[p.Skill]
	t.mu.RUnlock()
	if !ok {
		return &Result{Content: "unknown skill: " + p.Skill, IsError: true}, nil
	}

	output, err := skill.Invoke(ctx, p.Args)
	if err != nil {
		return nil, NewToolError(ToolUseSkill, err)
	}
	return &Result{Content: output}, nil
}
