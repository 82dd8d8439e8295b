package autonomous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for loop-level tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	msgs  []*TaskMessage
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (s *memStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskKey]; ok {
		return fmt.Errorf("duplicate task key %s", task.TaskKey)
	}
	cp := *task
	s.tasks[task.TaskKey] = &cp
	return nil
}

func (s *memStore) GetTaskByKey(_ context.Context, taskKey string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskKey]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (s *memStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskKey]; !ok {
		return ErrTaskNotFound
	}
	cp := *task
	s.tasks[task.TaskKey] = &cp
	return nil
}

func (s *memStore) SaveProgress(_ context.Context, taskKey string, update ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskKey]
	if !ok {
		return ErrTaskNotFound
	}
	task.CurrentStep = update.Step
	task.ProgressSummary = update.Summary
	task.SessionState.MergeData(update.StatePatch)
	task.LastActivityAt = time.Now()
	return nil
}

func (s *memStore) SetStatus(_ context.Context, taskKey string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskKey]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.ErrorMessage = errMsg
	task.LastActivityAt = time.Now()
	return nil
}

func (s *memStore) ListTasksByStatus(_ context.Context, status Status) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, task := range s.tasks {
		if task.Status == status {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListChildren(_ context.Context, parentTaskID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, task := range s.tasks {
		if task.ParentTaskID == parentTaskID {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) AcquirePendingTask(_ context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Status == StatusPending {
			task.Status = StatusRunning
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateMessage(_ context.Context, msg *TaskMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.msgs = append(s.msgs, &cp)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, toTaskKey string, unreadOnly bool) ([]*TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskMessage
	for _, msg := range s.msgs {
		if msg.ToTaskKey != toTaskKey {
			continue
		}
		if unreadOnly && msg.Status != MessageStatusPending {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkMessagesRead(_ context.Context, ids []string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.msgs {
		for _, id := range ids {
			if msg.ID == id && msg.Status == MessageStatusPending {
				msg.Status = MessageStatusRead
				at := readAt
				msg.ReadAt = &at
			}
		}
	}
	return nil
}

func (s *memStore) MarkMessagesProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.msgs {
		for _, id := range ids {
			if msg.ID == id && msg.Status == MessageStatusRead {
				msg.Status = MessageStatusProcessed
			}
		}
	}
	return nil
}

func (s *memStore) setLastActivity(taskKey string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskKey].LastActivityAt = at
}

// stepFunc adapts a function to StepRunner.
type stepFunc func(ctx context.Context, task *Task, prompt string) (*StepResult, error)

func (f stepFunc) RunStep(ctx context.Context, task *Task, prompt string) (*StepResult, error) {
	return f(ctx, task, prompt)
}

// doneAfter completes the task after n steps.
func doneAfter(n int) StepRunner {
	var mu sync.Mutex
	count := 0
	return stepFunc(func(_ context.Context, _ *Task, _ string) (*StepResult, error) {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		return &StepResult{
			Output:     fmt.Sprintf("output after %d steps", c),
			Progress:   fmt.Sprintf("finished step %d", c),
			StatePatch: map[string]any{fmt.Sprintf("step_%d", c): true},
			Done:       c >= n,
		}, nil
	})
}

func waitTask(t *testing.T, m *Manager, key string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, key); err != nil {
		t.Fatalf("wait for %s: %v", key, err)
	}
	task, err := m.store.GetTaskByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestStartTaskRunsToCompletion(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(3), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{
		TaskKey: "task-x",
		UserID:  "u1",
		Prompt:  "do research",
	})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	final := waitTask(t, m, task.TaskKey)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.CurrentStep != 3 {
		t.Errorf("current step = %d, want 3", final.CurrentStep)
	}
	if final.FinalOutput != "output after 3 steps" {
		t.Errorf("final output = %q", final.FinalOutput)
	}
	// Each step's state patch merged, none replaced.
	for i := 1; i <= 3; i++ {
		if _, ok := final.SessionState.Data[fmt.Sprintf("step_%d", i)]; !ok {
			t.Errorf("state key step_%d lost", i)
		}
	}
}

func TestStartTaskRejectsDoubleExecution(t *testing.T) {
	store := newMemStore()
	block := make(chan struct{})
	m := NewManager(store, stepFunc(func(ctx context.Context, _ *Task, _ string) (*StepResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &StepResult{Done: true}, nil
	}), nil, nil)

	if _, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-x", UserID: "u1", Prompt: "go"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	_, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-x", UserID: "u1", Prompt: "go"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	close(block)
}

func TestStepLimitFailsTask(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, stepFunc(func(_ context.Context, _ *Task, _ string) (*StepResult, error) {
		return &StepResult{Progress: "still going"}, nil
	}), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{
		TaskKey:  "task-x",
		UserID:   "u1",
		Prompt:   "go",
		MaxSteps: 4,
	})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	final := waitTask(t, m, task.TaskKey)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "step limit") {
		t.Errorf("error = %q", final.ErrorMessage)
	}
	if final.CurrentStep != 4 {
		t.Errorf("current step = %d, want 4", final.CurrentStep)
	}
}

func TestStepErrorFailsTaskWithPartialProgress(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	count := 0
	m := NewManager(store, stepFunc(func(_ context.Context, _ *Task, _ string) (*StepResult, error) {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		if c >= 2 {
			return nil, errors.New("model unreachable")
		}
		return &StepResult{Progress: "step one done"}, nil
	}), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-x", UserID: "u1", Prompt: "go"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	final := waitTask(t, m, task.TaskKey)
	if final.Status != StatusFailed || !strings.Contains(final.ErrorMessage, "model unreachable") {
		t.Fatalf("final = %+v", final)
	}
	if final.CurrentStep != 1 || final.ProgressSummary != "step one done" {
		t.Errorf("partial progress lost: step=%d summary=%q", final.CurrentStep, final.ProgressSummary)
	}
}

func TestAbortObservedAtStepBoundary(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	var once sync.Once
	m := NewManager(store, stepFunc(func(ctx context.Context, _ *Task, _ string) (*StepResult, error) {
		once.Do(func() { close(started) })
		time.Sleep(10 * time.Millisecond)
		return &StepResult{Progress: "tick"}, nil
	}), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-x", UserID: "u1", Prompt: "go"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	<-started
	if err := m.Abort(context.Background(), task.TaskKey); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	final := waitTask(t, m, task.TaskKey)
	if final.Status != StatusAborted {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestPauseThenResume(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	var once sync.Once
	m := NewManager(store, stepFunc(func(ctx context.Context, task *Task, prompt string) (*StepResult, error) {
		once.Do(func() { close(started) })
		// After a resume the continuation prompt carries prior progress.
		if task.SessionState.ResumeCount > 0 {
			if !strings.Contains(prompt, "Last progress:") {
				return nil, fmt.Errorf("continuation prompt missing progress: %q", prompt)
			}
			return &StepResult{Output: "resumed and finished", Done: true}, nil
		}
		time.Sleep(10 * time.Millisecond)
		return &StepResult{Progress: "working"}, nil
	}), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-x", UserID: "u1", Prompt: "go"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	<-started
	if err := m.Pause(task.TaskKey); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := waitTask(t, m, task.TaskKey)
	if paused.Status != StatusPaused {
		t.Fatalf("status = %s", paused.Status)
	}

	resumed, err := m.Resume(context.Background(), task.TaskKey)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.SessionState.ResumeCount != 1 {
		t.Errorf("resume count = %d, want 1", resumed.SessionState.ResumeCount)
	}

	final := waitTask(t, m, task.TaskKey)
	if final.Status != StatusCompleted || final.FinalOutput != "resumed and finished" {
		t.Fatalf("final = %+v", final)
	}
}

func TestResumeValidation(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	if _, err := m.Resume(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task: err = %v", err)
	}

	store.tasks["done"] = &Task{TaskKey: "done", Status: StatusCompleted}
	if _, err := m.Resume(context.Background(), "done"); !errors.Is(err, ErrNotResumable) {
		t.Errorf("terminal task: err = %v", err)
	}
}

func TestRecoverOrphansGraceWindow(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["fresh"] = &Task{TaskKey: "fresh", Status: StatusRunning, LastActivityAt: time.Now().Add(-2 * time.Minute)}
	store.tasks["stale"] = &Task{TaskKey: "stale", Status: StatusRunning, LastActivityAt: time.Now().Add(-10 * time.Minute)}

	report, err := m.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}

	if len(report.Recovered) != 1 || report.Recovered[0] != "fresh" {
		t.Errorf("recovered = %v", report.Recovered)
	}
	if len(report.Stale) != 1 || report.Stale[0] != "stale" {
		t.Errorf("stale = %v", report.Stale)
	}

	fresh, _ := store.GetTaskByKey(context.Background(), "fresh")
	if fresh.Status != StatusPaused {
		t.Errorf("fresh status = %s, want paused", fresh.Status)
	}
	if fresh.SessionState.RecoveredAt == nil {
		t.Error("RecoveredAt not stamped")
	}

	// Stale tasks are surfaced, never mutated by the scan.
	stale, _ := store.GetTaskByKey(context.Background(), "stale")
	if stale.Status != StatusRunning {
		t.Errorf("stale status = %s, want running untouched", stale.Status)
	}
}

func TestRecoverOrphansSkipsActiveRuns(t *testing.T) {
	store := newMemStore()
	block := make(chan struct{})
	m := NewManager(store, stepFunc(func(ctx context.Context, _ *Task, _ string) (*StepResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &StepResult{Done: true}, nil
	}), nil, nil)

	task, err := m.StartTask(context.Background(), &StartRequest{TaskKey: "task-live", UserID: "u1", Prompt: "go"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	store.setLastActivity(task.TaskKey, time.Now().Add(-time.Minute))

	report, err := m.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if len(report.Recovered) != 0 {
		t.Errorf("active run recovered: %v", report.Recovered)
	}
	close(block)
}

func TestSweepStale(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["old"] = &Task{TaskKey: "old", Status: StatusRunning, LastActivityAt: time.Now().Add(-2 * time.Hour)}
	store.tasks["recent"] = &Task{TaskKey: "recent", Status: StatusRunning, LastActivityAt: time.Now().Add(-time.Minute)}

	swept, err := m.SweepStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(swept) != 1 || swept[0] != "old" {
		t.Fatalf("swept = %v", swept)
	}

	old, _ := store.GetTaskByKey(context.Background(), "old")
	if old.Status != StatusFailed {
		t.Errorf("old status = %s", old.Status)
	}
	recent, _ := store.GetTaskByKey(context.Background(), "recent")
	if recent.Status != StatusRunning {
		t.Errorf("recent status = %s", recent.Status)
	}
}

func TestSendTaskMessageValidatesEndpoints(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["a"] = &Task{TaskKey: "a", Status: StatusRunning}
	store.tasks["b"] = &Task{TaskKey: "b", Status: StatusRunning}

	if _, err := m.SendTaskMessage(context.Background(), "a", "ghost", MessageTypeMessage, json.RawMessage(`{}`)); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing recipient: err = %v", err)
	}
	if _, err := m.SendTaskMessage(context.Background(), "a", "a", MessageTypeMessage, json.RawMessage(`{}`)); err == nil {
		t.Error("self-message accepted")
	}
	if _, err := m.SendTaskMessage(context.Background(), "a", "b", "broadcast", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown message type accepted")
	}

	msg, err := m.SendTaskMessage(context.Background(), "a", "b", MessageTypeResult, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("SendTaskMessage: %v", err)
	}
	if msg.Status != MessageStatusPending {
		t.Errorf("status = %s", msg.Status)
	}
}

func TestMessageLifecycle(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["a"] = &Task{TaskKey: "a", Status: StatusRunning}
	store.tasks["b"] = &Task{TaskKey: "b", Status: StatusRunning}

	msg, err := m.SendTaskMessage(context.Background(), "a", "b", MessageTypeMessage, json.RawMessage(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("SendTaskMessage: %v", err)
	}

	// Directional: the sender's mailbox stays empty.
	senderInbox, _ := m.GetTaskMessages(context.Background(), "a", true)
	if len(senderInbox) != 0 {
		t.Errorf("sender inbox = %v", senderInbox)
	}

	inbox, _ := m.GetTaskMessages(context.Background(), "b", true)
	if len(inbox) != 1 {
		t.Fatalf("inbox = %v", inbox)
	}

	if err := m.MarkMessagesRead(context.Background(), []string{msg.ID}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}

	// Unread-only now excludes it; the full mailbox still has it.
	inbox, _ = m.GetTaskMessages(context.Background(), "b", true)
	if len(inbox) != 0 {
		t.Errorf("unread inbox = %v", inbox)
	}
	all, _ := m.GetTaskMessages(context.Background(), "b", false)
	if len(all) != 1 || all[0].Status != MessageStatusRead || all[0].ReadAt == nil {
		t.Fatalf("all = %+v", all[0])
	}

	if err := m.MarkMessagesProcessed(context.Background(), []string{msg.ID}); err != nil {
		t.Fatalf("MarkMessagesProcessed: %v", err)
	}
	all, _ = m.GetTaskMessages(context.Background(), "b", false)
	if all[0].Status != MessageStatusProcessed {
		t.Errorf("status = %s", all[0].Status)
	}
}

func TestSpawnDepthInvariant(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["root"] = &Task{ID: "id-root", TaskKey: "root", UserID: "u1", Status: StatusRunning, SpawnDepth: 0}

	child, err := m.SpawnSubTask(context.Background(), "root", &SpawnRequest{Prompt: "part one"})
	if err != nil {
		t.Fatalf("SpawnSubTask: %v", err)
	}
	if child.SpawnDepth != 1 {
		t.Errorf("child depth = %d, want 1", child.SpawnDepth)
	}
	if !strings.HasPrefix(child.TaskKey, "root.") {
		t.Errorf("child key %q not derived from parent", child.TaskKey)
	}
	if child.ParentTaskID != "id-root" {
		t.Errorf("parent id = %q", child.ParentTaskID)
	}
	waitTask(t, m, child.TaskKey)

	store.tasks["deep"] = &Task{ID: "id-deep", TaskKey: "deep", UserID: "u1", Status: StatusRunning, SpawnDepth: MaxSpawnDepth}
	_, err = m.SpawnSubTask(context.Background(), "deep", &SpawnRequest{Prompt: "too deep"})
	if !errors.Is(err, ErrSpawnDepthExceeded) {
		t.Fatalf("err = %v, want ErrSpawnDepthExceeded", err)
	}
}

func TestWaitForChildTasksPartialOnTimeout(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["c1"] = &Task{TaskKey: "c1", ParentTaskID: "p1", Status: StatusCompleted, FinalOutput: "done"}
	store.tasks["c2"] = &Task{TaskKey: "c2", ParentTaskID: "p1", Status: StatusRunning}

	start := time.Now()
	children, err := m.WaitForChildTasks(context.Background(), "p1", 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForChildTasks: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("wait did not respect timeout")
	}
	// Partial results: both children returned, one still running.
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
}

func TestWaitForChildTasksAllTerminal(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, doneAfter(1), nil, nil)

	store.tasks["c1"] = &Task{TaskKey: "c1", ParentTaskID: "p1", Status: StatusCompleted}
	store.tasks["c2"] = &Task{TaskKey: "c2", ParentTaskID: "p1", Status: StatusFailed}

	children, err := m.WaitForChildTasks(context.Background(), "p1", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForChildTasks: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
}

func TestSessionStateMergeSemantics(t *testing.T) {
	state := NewSessionState()
	state.MergeData(map[string]any{"a": 1, "b": "x"})
	state.MergeData(map[string]any{"b": "y", "c": true})

	if state.Data["a"] != 1 {
		t.Errorf("disjoint key lost: %v", state.Data)
	}
	if state.Data["b"] != "y" {
		t.Errorf("repeated key not last-write-wins: %v", state.Data)
	}
	if state.Data["c"] != true {
		t.Errorf("new key missing: %v", state.Data)
	}
}

func TestUnmarshalDefaultsOldRecords(t *testing.T) {
	state, err := UnmarshalSessionState([]byte(`{"is_running":true}`))
	if err != nil {
		t.Fatalf("UnmarshalSessionState: %v", err)
	}
	if state.Version != sessionStateVersion || !state.IsRunning {
		t.Errorf("state = %+v", state)
	}

	cfg, err := UnmarshalTaskConfig([]byte(`{"require_tool_call":true}`))
	if err != nil {
		t.Fatalf("UnmarshalTaskConfig: %v", err)
	}
	if cfg.Version != taskConfigVersion || cfg.MaxAttempts != 3 || !cfg.RequireToolCall {
		t.Errorf("config = %+v", cfg)
	}
}
