// Package isolated runs one-shot agent turns outside any live chat session:
// scheduled jobs, event triggers, and boot scripts. A run composes the tool
// registry, model invocation, and the retry executor, then optionally
// delivers the result to a channel.
package isolated

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/credentials"
	"github.com/conductorhq/conductor/internal/delivery"
	"github.com/conductorhq/conductor/internal/executor"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/tools"
	"github.com/conductorhq/conductor/pkg/models"
)

// TriggerType classifies what started an isolated run. It decides the
// default completion policy: scheduled runs must call a tool, ad hoc runs
// need not.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerBoot      TriggerType = "boot"
	TriggerAdHoc     TriggerType = "adhoc"
)

// ProviderRegistry resolves provider backends by name.
type ProviderRegistry interface {
	Get(name string) (llm.Provider, bool)
}

// ConversationStore persists isolated turns into conversations. Runs of the
// same task consolidate into one conversation matched by a task-id tag in
// conversation metadata, not by title.
type ConversationStore interface {
	// FindByTaskTag returns the conversation tagged with the task id, or
	// nil, nil when none exists.
	FindByTaskTag(ctx context.Context, userID, taskID string) (*models.Conversation, error)

	CreateConversation(ctx context.Context, conv *models.Conversation) error

	AppendMessages(ctx context.Context, conversationID string, msgs []models.Message) error

	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// Defaults are the admin-configured fallbacks at the bottom of the model
// selection precedence.
type Defaults struct {
	Provider string
	ModelID  string
}

// defaultModelByProvider maps an auto-selected provider to its model when
// nothing higher in the precedence chose one.
var defaultModelByProvider = map[string]string{
	"anthropic": "claude-sonnet-4-20250514",
	"openai":    "gpt-4o",
	"ollama":    "llama3",
}

// Runner executes isolated agent turns.
type Runner struct {
	providers     ProviderRegistry
	registry      *tools.Registry
	creds         credentials.Resolver
	conversations ConversationStore
	notifier      *delivery.Notifier
	defaults      Defaults
	logger        *slog.Logger

	postRun []func(ctx context.Context, outcome *Outcome)
}

// NewRunner creates an isolated runner. conversations and notifier may be
// nil; persistence and delivery are then skipped.
func NewRunner(providers ProviderRegistry, registry *tools.Registry, creds credentials.Resolver, conversations ConversationStore, notifier *delivery.Notifier, defaults Defaults, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default().With("component", "isolated")
	}
	return &Runner{
		providers:     providers,
		registry:      registry,
		creds:         creds,
		conversations: conversations,
		notifier:      notifier,
		defaults:      defaults,
		logger:        logger,
	}
}

// OnPostRun registers a detached side effect executed after every run, such
// as memory saves or title generation. Hooks run in their own goroutine with
// their own deadline; failures are logged, never propagated to the result.
func (r *Runner) OnPostRun(hook func(ctx context.Context, outcome *Outcome)) {
	r.postRun = append(r.postRun, hook)
}

// RunRequest describes one isolated turn.
type RunRequest struct {
	// TaskID tags the run for conversation consolidation.
	TaskID   string
	TaskName string
	UserID   string
	Prompt   string
	Trigger  TriggerType

	// Agent is the bound agent profile, highest in the model precedence.
	Agent *models.AgentConfig

	// ModelOverride is the task-level model override.
	ModelOverride string

	// ChannelDefaultModel is the channel account's default model.
	ChannelDefaultModel string

	// Provider forces a provider; otherwise it is resolved from the agent,
	// admin defaults, or credential auto-selection.
	Provider string

	// Tools is the allow-list for this run. Delivery and self-scheduling
	// tools are always excluded.
	Tools []string

	// IncludeRecentMessages bounds how much consolidated-conversation
	// history is replayed into the turn. Zero replays nothing.
	IncludeRecentMessages int

	// ExecConfig overrides the attempt loop. When nil, defaults apply and
	// RequireToolCall is derived from the trigger type.
	ExecConfig *executor.Config

	// Channel addressing for delivery. Deliver=false skips delivery.
	Deliver         bool
	Channel         models.ChannelType
	ChannelMetadata map[string]any
}

// Outcome reports an isolated run. Task success and delivery success are
// orthogonal: a run may succeed and still fail to deliver, or vice versa.
type Outcome struct {
	Execution *executor.Result

	ModelID  string
	Provider string

	ConversationID string

	Delivered     bool
	DeliveryError string
}

// Run executes the turn to a definitive outcome. It never returns a Go
// error for task-logic failures; those live in Outcome.Execution.
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*Outcome, error) {
	if req == nil {
		return nil, fmt.Errorf("run request is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	outcome := &Outcome{}

	modelID, providerName, err := r.selectModel(ctx, req)
	if err != nil {
		outcome.Execution = &executor.Result{
			Success:       false,
			Attempts:      0,
			FailureReason: err.Error(),
		}
		r.deliver(ctx, req, outcome)
		r.runPostHooks(outcome)
		return outcome, nil
	}
	outcome.ModelID = modelID
	outcome.Provider = providerName

	result := r.execute(ctx, req, modelID, providerName)
	outcome.Execution = result

	if result.Success {
		r.persistTurn(ctx, req, result, outcome)
	}

	r.deliver(ctx, req, outcome)
	r.runPostHooks(outcome)
	return outcome, nil
}

// selectModel resolves the model and provider by precedence: bound agent,
// task override, channel-account default, admin default, then auto-selection
// by available credential.
func (r *Runner) selectModel(ctx context.Context, req *RunRequest) (modelID, providerName string, err error) {
	providerName = req.Provider

	switch {
	case req.Agent != nil && req.Agent.ModelID != "":
		modelID = req.Agent.ModelID
		if req.Agent.Provider != "" {
			providerName = req.Agent.Provider
		}
	case req.ModelOverride != "":
		modelID = req.ModelOverride
	case req.ChannelDefaultModel != "":
		modelID = req.ChannelDefaultModel
	case r.defaults.ModelID != "":
		modelID = r.defaults.ModelID
	}

	if providerName == "" {
		providerName = r.defaults.Provider
	}
	if providerName == "" {
		providerName, err = credentials.AutoSelect(ctx, r.creds, req.UserID)
		if err != nil {
			return "", "", err
		}
	}
	if modelID == "" {
		modelID = defaultModelByProvider[providerName]
	}
	if modelID == "" {
		return "", "", fmt.Errorf("no model resolvable for provider %s", providerName)
	}

	// Credential gate before any provider call.
	if credentials.RequiresCredential(providerName) {
		if _, err := r.creds.Resolve(ctx, req.UserID, providerName); err != nil {
			return "", "", err
		}
	}
	return modelID, providerName, nil
}

// execute runs the attempt loop for the resolved model.
func (r *Runner) execute(ctx context.Context, req *RunRequest, modelID, providerName string) *executor.Result {
	provider, ok := r.providers.Get(providerName)
	if !ok {
		return &executor.Result{
			Success:       false,
			Attempts:      0,
			FailureReason: fmt.Sprintf("provider %q not configured", providerName),
		}
	}

	allowed := filterTools(req.Tools)
	runner := tools.NewRunner(r.registry, allowed)
	invoker := llm.NewInvoker(provider, runner, nil, r.logger)

	cfg := req.ExecConfig
	if cfg == nil {
		cfg = defaultExecConfig(req.Trigger)
	}
	ex := executor.New(invoker, cfg, r.logger)

	messages := r.historyMessages(ctx, req)
	messages = append(messages, llm.CompletionMessage{Role: "user", Content: req.Prompt})

	var system string
	if req.Agent != nil {
		system = assembleSystemPrompt(req.Trigger, allowed, req.Agent.SystemPrompt)
	} else {
		system = assembleSystemPrompt(req.Trigger, allowed, "")
	}

	return ex.Execute(ctx, &llm.InvokeRequest{
		Model:    modelID,
		System:   system,
		Messages: messages,
		Tools:    r.registry.Specs(allowed),
	})
}

// defaultExecConfig derives the attempt loop policy from the trigger type.
// Scheduled runs exist to perform an action, so they must call a tool; ad
// hoc, event, and boot runs may answer directly.
func defaultExecConfig(trigger TriggerType) *executor.Config {
	cfg := executor.DefaultConfig()
	cfg.RequireToolCall = trigger == TriggerScheduled
	return cfg
}

// filterTools removes tools an isolated run must not hold: cross-task
// messaging and sub-task spawning belong to autonomous loops, not one-shot
// turns.
func filterTools(names []string) []string {
	if names == nil {
		return []string{}
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == tools.ToolSendToTask || name == tools.ToolSpawnTask {
			continue
		}
		out = append(out, name)
	}
	return out
}

// assembleSystemPrompt concatenates the task framing, tool-usage hints, and
// the agent persona. Sections are never silently dropped: every non-empty
// part appears in order.
func assembleSystemPrompt(trigger TriggerType, toolNames []string, persona string) string {
	var parts []string

	switch trigger {
	case TriggerScheduled:
		parts = append(parts, "You are executing a scheduled task. Complete the requested action; do not merely describe what you would do.")
	case TriggerEvent:
		parts = append(parts, "You are reacting to a triggered event. Handle it and report the outcome.")
	case TriggerBoot:
		parts = append(parts, "You are running a startup script. Complete it and report the outcome.")
	default:
		parts = append(parts, "You are completing a one-shot request.")
	}

	if len(toolNames) > 0 {
		parts = append(parts, "Available tools: "+strings.Join(toolNames, ", ")+". Use them to perform the work rather than answering from memory.")
	}

	if persona != "" {
		parts = append(parts, persona)
	}

	return strings.Join(parts, "\n\n")
}

// historyMessages replays bounded history from the task's consolidated
// conversation.
func (r *Runner) historyMessages(ctx context.Context, req *RunRequest) []llm.CompletionMessage {
	if r.conversations == nil || req.IncludeRecentMessages <= 0 || req.TaskID == "" {
		return nil
	}

	conv, err := r.conversations.FindByTaskTag(ctx, req.UserID, req.TaskID)
	if err != nil {
		r.logger.Warn("load task conversation", "task_id", req.TaskID, "error", err)
		return nil
	}
	if conv == nil {
		return nil
	}

	msgs, err := r.conversations.RecentMessages(ctx, conv.ID, req.IncludeRecentMessages)
	if err != nil {
		r.logger.Warn("load conversation history", "conversation_id", conv.ID, "error", err)
		return nil
	}

	out := make([]llm.CompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		out = append(out, llm.CompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

// persistTurn consolidates the run into the task's conversation, creating it
// with the task-id tag on first use. Persistence failures are logged and do
// not affect the run outcome.
func (r *Runner) persistTurn(ctx context.Context, req *RunRequest, result *executor.Result, outcome *Outcome) {
	if r.conversations == nil || req.TaskID == "" {
		return
	}

	conv, err := r.conversations.FindByTaskTag(ctx, req.UserID, req.TaskID)
	if err != nil {
		r.logger.Warn("find task conversation", "task_id", req.TaskID, "error", err)
		return
	}
	if conv == nil {
		conv = &models.Conversation{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Channel:   models.ChannelInternal,
			Title:     req.TaskName,
			Metadata:  map[string]any{"task_id": req.TaskID},
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := r.conversations.CreateConversation(ctx, conv); err != nil {
			r.logger.Warn("create task conversation", "task_id", req.TaskID, "error", err)
			return
		}
	}

	now := time.Now()
	msgs := []models.Message{
		{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        req.Prompt,
			CreatedAt:      now,
		},
		{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        result.Output,
			Metadata:       map[string]any{"tools_called": result.ToolsCalled},
			CreatedAt:      now,
		},
	}
	if err := r.conversations.AppendMessages(ctx, conv.ID, msgs); err != nil {
		r.logger.Warn("append task messages", "conversation_id", conv.ID, "error", err)
		return
	}
	outcome.ConversationID = conv.ID
}

// deliver sends the result to the configured channel. Delivery failure never
// changes the run's success; both outcomes are surfaced on the Outcome.
func (r *Runner) deliver(ctx context.Context, req *RunRequest, outcome *Outcome) {
	if !req.Deliver || r.notifier == nil {
		return
	}

	var err error
	if outcome.Execution != nil && outcome.Execution.Success {
		err = r.notifier.Deliver(ctx, req.Channel, req.UserID, outcome.Execution.Output, req.ChannelMetadata)
	} else {
		notice := delivery.FailureNotice{TaskName: req.TaskName}
		if outcome.Execution != nil {
			notice.Attempts = outcome.Execution.Attempts
			notice.FailureReason = outcome.Execution.FailureReason
			notice.PartialOutput = outcome.Execution.Output
		}
		err = r.notifier.NotifyFailure(ctx, req.Channel, req.UserID, notice, req.ChannelMetadata)
	}

	if err != nil {
		outcome.DeliveryError = err.Error()
		r.logger.Warn("delivery failed", "task_name", req.TaskName, "error", err)
		return
	}
	outcome.Delivered = true
}

// runPostHooks fires registered side effects in detached goroutines with
// their own deadline. Hook failures must not block or fail the primary
// result; hooks log their own errors.
func (r *Runner) runPostHooks(outcome *Outcome) {
	for _, hook := range r.postRun {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("post-run hook panicked", "panic", rec)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			hook(ctx, outcome)
		}()
	}
}
