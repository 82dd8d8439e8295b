package isolated

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/credentials"
	"github.com/conductorhq/conductor/internal/delivery"
	"github.com/conductorhq/conductor/internal/executor"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/tools"
	"github.com/conductorhq/conductor/pkg/models"
)

// scriptedProvider replays one chunk stream per call and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]*llm.CompletionChunk
	err      error
	calls    int
	requests []*llm.CompletionRequest
}

func (p *scriptedProvider) Complete(_ context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if p.err != nil {
		return nil, p.err
	}

	idx := p.calls
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	p.calls++

	chunks := p.scripts[idx]
	ch := make(chan *llm.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "anthropic" }
func (p *scriptedProvider) Models() []llm.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) lastRequest() *llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

type mapRegistry map[string]llm.Provider

func (m mapRegistry) Get(name string) (llm.Provider, bool) {
	p, ok := m[name]
	return p, ok
}

// pingTool is a minimal registered tool for completion-policy tests.
type pingTool struct{}

func (pingTool) Name() string             { return "ping" }
func (pingTool) Description() string      { return "Ping." }
func (pingTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (pingTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: "pong"}, nil
}

// memConversations is an in-memory ConversationStore.
type memConversations struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
	msgs  map[string][]models.Message
}

func newMemConversations() *memConversations {
	return &memConversations{
		convs: make(map[string]*models.Conversation),
		msgs:  make(map[string][]models.Message),
	}
}

func (s *memConversations) FindByTaskTag(_ context.Context, userID, taskID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.convs {
		if conv.UserID == userID && conv.Metadata["task_id"] == taskID {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memConversations) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.convs[conv.ID] = &cp
	return nil
}

func (s *memConversations) AppendMessages(_ context.Context, conversationID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[conversationID] = append(s.msgs[conversationID], msgs...)
	return nil
}

func (s *memConversations) RecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// recordingDeliverer captures delivered text.
type recordingDeliverer struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ models.ChannelType, _ string, text string, _ map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("channel unreachable")
	}
	d.texts = append(d.texts, text)
	return nil
}

func textScript(text string) []*llm.CompletionChunk {
	return []*llm.CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 1, OutputTokens: 1},
	}
}

func toolScript() []*llm.CompletionChunk {
	return []*llm.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "c1", Name: "ping", Input: json.RawMessage(`{}`)}},
		{Done: true},
	}
}

func testCreds() credentials.Resolver {
	return credentials.NewStaticResolver(map[string]map[string]string{
		"u1": {"anthropic": "key"},
	})
}

func fastExecConfig(requireTool bool) *executor.Config {
	return &executor.Config{
		MaxAttempts:       1,
		CompletionTimeout: 5 * time.Second,
		RetryDelay:        time.Millisecond,
		RequireToolCall:   requireTool,
	}
}

func TestSelectModelPrecedence(t *testing.T) {
	r := NewRunner(nil, tools.NewRegistry(), testCreds(), nil, nil,
		Defaults{Provider: "anthropic", ModelID: "admin-default"}, nil)

	agent := &models.AgentConfig{ModelID: "agent-model", Provider: "anthropic"}

	tests := []struct {
		name      string
		req       *RunRequest
		wantModel string
	}{
		{"agent wins", &RunRequest{UserID: "u1", Agent: agent, ModelOverride: "override", ChannelDefaultModel: "channel"}, "agent-model"},
		{"override next", &RunRequest{UserID: "u1", ModelOverride: "override", ChannelDefaultModel: "channel"}, "override"},
		{"channel default", &RunRequest{UserID: "u1", ChannelDefaultModel: "channel"}, "channel"},
		{"admin default", &RunRequest{UserID: "u1"}, "admin-default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, provider, err := r.selectModel(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("selectModel: %v", err)
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}
			if provider != "anthropic" {
				t.Errorf("provider = %q", provider)
			}
		})
	}
}

func TestSelectModelAutoSelectsByCredential(t *testing.T) {
	// No admin defaults: the provider comes from the credential preference
	// order and the model from the provider's default.
	r := NewRunner(nil, tools.NewRegistry(), testCreds(), nil, nil, Defaults{}, nil)

	model, provider, err := r.selectModel(context.Background(), &RunRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("selectModel: %v", err)
	}
	if provider != "anthropic" {
		t.Errorf("provider = %q", provider)
	}
	if model != defaultModelByProvider["anthropic"] {
		t.Errorf("model = %q", model)
	}
}

func TestRunFailsFastOnMissingCredential(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*llm.CompletionChunk{textScript("ok")}}
	r := NewRunner(mapRegistry{"anthropic": p}, tools.NewRegistry(),
		credentials.NewStaticResolver(nil), nil, nil, Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	outcome, err := r.Run(context.Background(), &RunRequest{UserID: "u1", Prompt: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Execution.Success {
		t.Fatal("should have failed")
	}
	if !strings.Contains(outcome.Execution.FailureReason, "credential") {
		t.Errorf("reason = %q", outcome.Execution.FailureReason)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times despite missing credential", p.calls)
	}
}

func TestSystemPromptAssembly(t *testing.T) {
	system := assembleSystemPrompt(TriggerScheduled, []string{"ping", "web_search"}, "You are a meticulous researcher.")

	framingIdx := strings.Index(system, "scheduled task")
	toolsIdx := strings.Index(system, "ping, web_search")
	personaIdx := strings.Index(system, "meticulous researcher")
	if framingIdx < 0 || toolsIdx < 0 || personaIdx < 0 {
		t.Fatalf("section dropped: %q", system)
	}
	if !(framingIdx < toolsIdx && toolsIdx < personaIdx) {
		t.Errorf("sections out of order: %q", system)
	}

	// Persona survives even with no tools.
	system = assembleSystemPrompt(TriggerAdHoc, nil, "persona")
	if !strings.Contains(system, "persona") {
		t.Errorf("persona dropped: %q", system)
	}
}

func TestDefaultExecConfigByTrigger(t *testing.T) {
	if !defaultExecConfig(TriggerScheduled).RequireToolCall {
		t.Error("scheduled runs should require a tool call")
	}
	for _, trigger := range []TriggerType{TriggerAdHoc, TriggerEvent, TriggerBoot} {
		if defaultExecConfig(trigger).RequireToolCall {
			t.Errorf("%s runs should not require a tool call", trigger)
		}
	}
}

func TestFilterToolsExcludesTaskTools(t *testing.T) {
	got := filterTools([]string{"ping", tools.ToolSpawnTask, "web_search", tools.ToolSendToTask})
	if len(got) != 2 || got[0] != "ping" || got[1] != "web_search" {
		t.Errorf("filtered = %v", got)
	}
}

func TestRunWithToolCallCompletes(t *testing.T) {
	registry := tools.NewRegistry()
	registry.MustRegister(pingTool{})

	p := &scriptedProvider{scripts: [][]*llm.CompletionChunk{
		toolScript(),
		textScript("done after ping"),
	}}
	r := NewRunner(mapRegistry{"anthropic": p}, registry, testCreds(), nil, nil,
		Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	outcome, err := r.Run(context.Background(), &RunRequest{
		UserID:     "u1",
		Prompt:     "ping it",
		Trigger:    TriggerScheduled,
		Tools:      []string{"ping"},
		ExecConfig: fastExecConfig(true),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Execution.Success {
		t.Fatalf("execution = %+v", outcome.Execution)
	}
	if len(outcome.Execution.ToolsCalled) != 1 || outcome.Execution.ToolsCalled[0] != "ping" {
		t.Errorf("tools called = %v", outcome.Execution.ToolsCalled)
	}

	req := p.lastRequest()
	if !strings.Contains(req.System, "scheduled task") {
		t.Errorf("system prompt missing framing: %q", req.System)
	}
}

func TestRunConsolidatesConversationByTaskTag(t *testing.T) {
	convs := newMemConversations()
	p := &scriptedProvider{scripts: [][]*llm.CompletionChunk{textScript("result one")}}
	r := NewRunner(mapRegistry{"anthropic": p}, tools.NewRegistry(), testCreds(), convs, nil,
		Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	req := &RunRequest{
		TaskID:     "t1",
		TaskName:   "daily digest",
		UserID:     "u1",
		Prompt:     "summarize",
		ExecConfig: fastExecConfig(false),
	}

	first, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.ConversationID == "" {
		t.Fatal("no conversation recorded")
	}

	second, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("runs not consolidated: %q vs %q", first.ConversationID, second.ConversationID)
	}

	conv := convs.convs[first.ConversationID]
	if conv.Metadata["task_id"] != "t1" {
		t.Errorf("conversation not tagged: %+v", conv.Metadata)
	}
	if len(convs.msgs[first.ConversationID]) != 4 {
		t.Errorf("messages = %d, want 4", len(convs.msgs[first.ConversationID]))
	}
}

func TestDeliverySuccessIndependentOfTaskFailure(t *testing.T) {
	sink := &recordingDeliverer{}
	notifier := delivery.NewNotifier(sink, nil, nil)

	p := &scriptedProvider{err: errors.New("invalid request payload")}
	r := NewRunner(mapRegistry{"anthropic": p}, tools.NewRegistry(), testCreds(), nil, notifier,
		Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	outcome, err := r.Run(context.Background(), &RunRequest{
		TaskName:   "nightly sync",
		UserID:     "u1",
		Prompt:     "go",
		ExecConfig: fastExecConfig(false),
		Deliver:    true,
		Channel:    models.ChannelTelegram,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Execution.Success {
		t.Fatal("execution should have failed")
	}
	if !outcome.Delivered {
		t.Fatal("failure notice not delivered")
	}
	if len(sink.texts) != 1 {
		t.Fatalf("deliveries = %v", sink.texts)
	}
	notice := sink.texts[0]
	if !strings.Contains(notice, "nightly sync") || !strings.Contains(notice, "failed after 1 attempt") {
		t.Errorf("notice = %q", notice)
	}
}

func TestTaskSuccessIndependentOfDeliveryFailure(t *testing.T) {
	sink := &recordingDeliverer{fail: true}
	notifier := delivery.NewNotifier(sink, nil, nil)

	p := &scriptedProvider{scripts: [][]*llm.CompletionChunk{textScript("all good")}}
	r := NewRunner(mapRegistry{"anthropic": p}, tools.NewRegistry(), testCreds(), nil, notifier,
		Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	outcome, err := r.Run(context.Background(), &RunRequest{
		UserID:     "u1",
		Prompt:     "go",
		ExecConfig: fastExecConfig(false),
		Deliver:    true,
		Channel:    models.ChannelSlack,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !outcome.Execution.Success {
		t.Fatalf("execution = %+v", outcome.Execution)
	}
	if outcome.Delivered || outcome.DeliveryError == "" {
		t.Errorf("delivery outcome = %v %q", outcome.Delivered, outcome.DeliveryError)
	}
}

func TestPostRunHooksAreDetached(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*llm.CompletionChunk{textScript("ok")}}
	r := NewRunner(mapRegistry{"anthropic": p}, tools.NewRegistry(), testCreds(), nil, nil,
		Defaults{Provider: "anthropic", ModelID: "m"}, nil)

	fired := make(chan *Outcome, 1)
	r.OnPostRun(func(_ context.Context, outcome *Outcome) {
		fired <- outcome
	})
	// A panicking hook must not take down the runner.
	r.OnPostRun(func(_ context.Context, _ *Outcome) {
		panic("hook exploded")
	})

	outcome, err := r.Run(context.Background(), &RunRequest{
		UserID:     "u1",
		Prompt:     "go",
		ExecConfig: fastExecConfig(false),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Execution.Success {
		t.Fatalf("execution = %+v", outcome.Execution)
	}

	select {
	case got := <-fired:
		if got != outcome {
			t.Error("hook received a different outcome")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post-run hook never fired")
	}
}
