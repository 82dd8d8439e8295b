// Package orchestrator coordinates multi-agent runs over a conversation. It
// selects an execution mode, gates on credentials before any model call, and
// emits an ordered event stream callers can fan out to channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conductorhq/conductor/internal/credentials"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/tools"
	"github.com/conductorhq/conductor/pkg/models"
)

// Mode selects how agents are coordinated within a run.
type Mode string

const (
	// ModeSingle runs exactly one agent.
	ModeSingle Mode = "single"

	// ModeSequential runs agents one at a time in priority order.
	ModeSequential Mode = "sequential"

	// ModeParallel runs all agents concurrently on the same prompt.
	ModeParallel Mode = "parallel"

	// ModeHierarchical has a lead agent delegate to and synthesize from the
	// rest.
	ModeHierarchical Mode = "hierarchical"

	// ModeConsensus iterates rounds where agents see each other's prior
	// responses, then the lead synthesizes.
	ModeConsensus Mode = "consensus"

	// ModeAuto picks a mode from the agent set deterministically.
	ModeAuto Mode = "auto"
)

// ErrNoActiveAgents is returned when a run has no active agents.
var ErrNoActiveAgents = errors.New("no active agents")

// ProviderRegistry resolves provider backends by name.
type ProviderRegistry interface {
	Get(name string) (llm.Provider, bool)
}

// Config configures orchestration runs.
type Config struct {
	// MaxRounds bounds consensus rounds. Clamped to 1-10. Default: 3
	MaxRounds int

	// AgentTimeout bounds each agent turn. Default: 3 minutes
	AgentTimeout time.Duration

	// MaxToolSteps bounds tool iterations inside each agent turn.
	// Default: 10
	MaxToolSteps int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRounds:    3,
		AgentTimeout: 3 * time.Minute,
		MaxToolSteps: 10,
	}
}

func sanitizeConfig(config *Config) *Config {
	if config == nil {
		return DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaults.MaxRounds
	}
	if cfg.MaxRounds > 10 {
		cfg.MaxRounds = 10
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaults.AgentTimeout
	}
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = defaults.MaxToolSteps
	}
	return &cfg
}

// RunRequest describes one orchestration run.
type RunRequest struct {
	// ConversationID identifies the owning conversation.
	ConversationID string

	// UserID identifies the user; credentials are gated against it.
	UserID string

	// Prompt is the user input driving this run.
	Prompt string

	// History is prior conversation context, oldest first.
	History []llm.CompletionMessage

	// Agents are the configured participants. Inactive agents are skipped.
	Agents []models.AgentConfig

	// Mode selects coordination. ModeAuto resolves from the agent set.
	Mode Mode

	// MaxRounds overrides the configured consensus round count when > 0.
	MaxRounds int
}

// Orchestrator runs multi-agent conversations.
type Orchestrator struct {
	providers ProviderRegistry
	registry  *tools.Registry
	creds     credentials.Resolver
	config    *Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates an orchestrator. If config is nil, defaults are used.
func New(providers ProviderRegistry, registry *tools.Registry, creds credentials.Resolver, config *Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{
		providers: providers,
		registry:  registry,
		creds:     creds,
		config:    sanitizeConfig(config),
		logger:    logger,
		tracer:    otel.Tracer("conductor/orchestrator"),
	}
}

// Run starts an orchestration run and returns its ordered event stream. The
// channel closes when the run ends. Validation failures are returned
// immediately instead of being streamed.
func (o *Orchestrator) Run(ctx context.Context, req *RunRequest) (<-chan models.OrchestrationEvent, error) {
	if req == nil {
		return nil, errors.New("run request is nil")
	}

	agents := activeAgents(req.Agents)
	if len(agents) == 0 {
		return nil, ErrNoActiveAgents
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.History) == 0 {
		return nil, errors.New("run has no prompt and no history")
	}

	mode := req.Mode
	if mode == "" || mode == ModeAuto {
		mode = resolveAutoMode(agents)
	}
	if mode == ModeSingle && len(agents) > 1 {
		agents = agents[:1]
	}

	events := make(chan models.OrchestrationEvent, 64)

	go func() {
		defer close(events)

		ctx, span := o.tracer.Start(ctx, "orchestrator.run",
			trace.WithAttributes(
				attribute.String("mode", string(mode)),
				attribute.Int("agents", len(agents)),
			))
		defer span.End()

		em := &emitter{events: events}

		// Credential gate: no agent emits a token before every participant
		// resolved a usable credential.
		if err := o.gateCredentials(ctx, req.UserID, agents); err != nil {
			o.logger.Warn("credential gate failed",
				"conversation_id", req.ConversationID, "user_id", req.UserID, "error", err)
			em.emit(models.OrchestrationEvent{Type: models.EventError, Err: err.Error()})
			return
		}

		var msgs []models.AgentMessage
		switch mode {
		case ModeSingle:
			msgs = o.runSingle(ctx, em, req, agents[0])
		case ModeSequential:
			msgs = o.runSequential(ctx, em, req, agents)
		case ModeParallel:
			msgs = o.runParallel(ctx, em, req, agents)
		case ModeHierarchical:
			msgs = o.runHierarchical(ctx, em, req, agents)
		case ModeConsensus:
			msgs = o.runConsensus(ctx, em, req, agents)
		default:
			em.emit(models.OrchestrationEvent{Type: models.EventError, Err: fmt.Sprintf("unknown mode %q", mode)})
			return
		}

		if allFailed(msgs) {
			em.emit(models.OrchestrationEvent{
				Type: models.EventError,
				Err:  "all agents failed",
			})
			return
		}

		em.emit(models.OrchestrationEvent{
			Type:     models.EventComplete,
			Messages: msgs,
		})
	}()

	return events, nil
}

// gateCredentials verifies every participating agent's provider credential.
func (o *Orchestrator) gateCredentials(ctx context.Context, userID string, agents []models.AgentConfig) error {
	for _, agent := range agents {
		if !credentials.RequiresCredential(agent.Provider) {
			continue
		}
		if _, err := o.creds.Resolve(ctx, userID, agent.Provider); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
	}
	return nil
}

// emitter assigns monotonic sequence numbers under a lock so parallel agents
// interleave without reordering.
type emitter struct {
	mu     sync.Mutex
	seq    int64
	events chan<- models.OrchestrationEvent
}

func (e *emitter) emit(event models.OrchestrationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	event.Sequence = e.seq
	e.seq++
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.events <- event
}

// runAgent executes one agent turn: start event, streamed tokens, end event.
// Failures are recorded on the returned message rather than aborting the run.
func (o *Orchestrator) runAgent(ctx context.Context, em *emitter, req *RunRequest, agent models.AgentConfig, messages []llm.CompletionMessage) models.AgentMessage {
	em.emit(models.OrchestrationEvent{
		Type:      models.EventAgentStart,
		AgentID:   agent.ID,
		AgentName: agent.Name,
	})

	msg := models.AgentMessage{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}

	provider, ok := o.providers.Get(agent.Provider)
	if !ok {
		return o.failAgent(em, msg, fmt.Sprintf("provider %q not configured", agent.Provider))
	}

	runner := tools.NewRunner(o.registry, agent.Tools)
	invoker := llm.NewInvoker(provider, runner, &llm.InvokerConfig{MaxToolSteps: o.config.MaxToolSteps}, o.logger)

	agentCtx, cancel := context.WithTimeout(ctx, o.config.AgentTimeout)
	defer cancel()

	result, err := invoker.Invoke(agentCtx, &llm.InvokeRequest{
		Model:       agent.ModelID,
		System:      agent.SystemPrompt,
		Messages:    messages,
		Tools:       o.registry.Specs(agent.Tools),
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
		OnToken: func(text string) {
			em.emit(models.OrchestrationEvent{
				Type:      models.EventToken,
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Token:     text,
			})
		},
	})

	if result != nil {
		msg.Content = result.Text
	}
	if err != nil {
		o.logger.Warn("agent turn failed",
			"conversation_id", req.ConversationID, "agent_id", agent.ID, "error", err)
		return o.failAgent(em, msg, err.Error())
	}

	em.emit(models.OrchestrationEvent{
		Type:      models.EventAgentEnd,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Message:   &msg,
	})
	return msg
}

// failAgent records the failure on the agent's message slot and emits an
// error event. The run continues; only a fully failed run aborts.
func (o *Orchestrator) failAgent(em *emitter, msg models.AgentMessage, reason string) models.AgentMessage {
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata["failed"] = true
	msg.Metadata["failure_reason"] = reason

	em.emit(models.OrchestrationEvent{
		Type:      models.EventError,
		AgentID:   msg.AgentID,
		AgentName: msg.AgentName,
		Err:       reason,
	})
	return msg
}

func failed(msg models.AgentMessage) bool {
	v, ok := msg.Metadata["failed"].(bool)
	return ok && v
}

func allFailed(msgs []models.AgentMessage) bool {
	if len(msgs) == 0 {
		return true
	}
	for _, m := range msgs {
		if !failed(m) {
			return false
		}
	}
	return true
}

// activeAgents filters to active agents and orders them by ascending
// Priority, ties broken by lexical ID for determinism.
func activeAgents(agents []models.AgentConfig) []models.AgentConfig {
	out := make([]models.AgentConfig, 0, len(agents))
	for _, a := range agents {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// leadAgent picks the highest-priority agent, ties broken by lexical ID.
// Agents are already sorted ascending, so the lead is the last distinct
// priority's first ID.
func leadAgent(agents []models.AgentConfig) models.AgentConfig {
	lead := agents[0]
	for _, a := range agents[1:] {
		if a.Priority > lead.Priority {
			lead = a
		} else if a.Priority == lead.Priority && a.ID < lead.ID {
			lead = a
		}
	}
	return lead
}

// resolveAutoMode picks a mode deterministically from the agent set: one
// agent runs single, a small set with distinct priorities runs sequential,
// anything else runs parallel.
func resolveAutoMode(agents []models.AgentConfig) Mode {
	if len(agents) == 1 {
		return ModeSingle
	}
	if len(agents) <= 3 && hasDistinctPriorities(agents) {
		return ModeSequential
	}
	return ModeParallel
}

func hasDistinctPriorities(agents []models.AgentConfig) bool {
	seen := make(map[int]bool, len(agents))
	for _, a := range agents {
		if seen[a.Priority] {
			return false
		}
		seen[a.Priority] = true
	}
	return true
}

// baseMessages assembles the shared prompt context for an agent turn.
func baseMessages(req *RunRequest) []llm.CompletionMessage {
	msgs := make([]llm.CompletionMessage, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	if strings.TrimSpace(req.Prompt) != "" {
		msgs = append(msgs, llm.CompletionMessage{Role: "user", Content: req.Prompt})
	}
	return msgs
}

// contextBlock formats prior agent output for injection into another agent's
// prompt.
func contextBlock(header string, msgs []models.AgentMessage) string {
	var b strings.Builder
	b.WriteString(header)
	for _, m := range msgs {
		if failed(m) || m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n%s:\n%s", m.AgentName, m.Content)
	}
	return b.String()
}
