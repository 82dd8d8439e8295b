package autonomous

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/models"
)

// StepResult is the outcome of one loop step.
type StepResult struct {
	// Output is the step's text output. For the final step it becomes the
	// task's final output.
	Output string

	// ToolsCalled lists tool names invoked during the step, in call order.
	ToolsCalled []string

	// Done signals the task reached its goal and the loop should stop.
	Done bool

	// Progress is a short human-readable summary persisted with the step.
	Progress string

	// StatePatch is merged shallowly into the durable session state.
	StatePatch map[string]any
}

// StepRunner executes one bounded step of a task. Implementations normalize
// their own failures: a returned error is treated as a task-logic failure,
// not retried by the loop (retry policy lives inside the step).
type StepRunner interface {
	RunStep(ctx context.Context, task *Task, prompt string) (*StepResult, error)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// RecoveryGrace bounds how stale an orphaned running task may be and
	// still be recovered to paused. Default: 5 minutes
	RecoveryGrace time.Duration

	// DefaultMaxSteps applies when a task does not set its own budget.
	// Default: 20
	DefaultMaxSteps int

	// StepInterval is a cooperative pause between steps. Task config may
	// override it per task. Default: 0
	StepInterval time.Duration

	// OnEvent receives progress events. Must not block; the loop calls it
	// inline. Nil disables event emission.
	OnEvent func(models.TaskEvent)
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		RecoveryGrace:   5 * time.Minute,
		DefaultMaxSteps: 20,
	}
}

func sanitizeManagerConfig(config *ManagerConfig) *ManagerConfig {
	if config == nil {
		return DefaultManagerConfig()
	}
	cfg := *config
	defaults := DefaultManagerConfig()
	if cfg.RecoveryGrace <= 0 {
		cfg.RecoveryGrace = defaults.RecoveryGrace
	}
	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = defaults.DefaultMaxSteps
	}
	return &cfg
}

// activeRun tracks one in-flight loop. The registry of active runs is the
// single source of truth for "is this task key executing in this process".
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	pause  atomic.Bool
}

// Manager owns the autonomous task lifecycle: start, pause, resume, abort,
// crash recovery, cross-task messaging, and sub-task spawning.
type Manager struct {
	store  Store
	runner StepRunner
	config *ManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewManager creates a session manager. If config is nil, defaults are used.
func NewManager(store Store, runner StepRunner, config *ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "autonomous")
	}
	return &Manager{
		store:  store,
		runner: runner,
		config: sanitizeManagerConfig(config),
		logger: logger,
		active: make(map[string]*activeRun),
	}
}

// StartRequest describes a new task.
type StartRequest struct {
	// TaskKey uniquely identifies the task. Generated when empty.
	TaskKey        string
	UserID         string
	ConversationID string
	Prompt         string
	ModelID        string
	MaxSteps       int
	Config         *TaskConfig
	Timeout        time.Duration

	ChannelAccountID string
	ChannelID        string
	ChannelThreadID  string

	// Spawn lineage; set by SpawnSubTask, zero for root tasks.
	ParentTaskID string
	SpawnDepth   int
}

// StartTask creates a task and begins its loop. Returns the persisted task;
// the loop runs in the background until a terminal status.
func (m *Manager) StartTask(ctx context.Context, req *StartRequest) (*Task, error) {
	if req == nil {
		return nil, fmt.Errorf("start request is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	taskKey := req.TaskKey
	if taskKey == "" {
		taskKey = "task-" + uuid.NewString()[:8]
	}

	if existing, err := m.store.GetTaskByKey(ctx, taskKey); err != nil {
		return nil, err
	} else if existing != nil && !existing.Status.Terminal() {
		return nil, fmt.Errorf("task %s: %w", taskKey, ErrAlreadyRunning)
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = m.config.DefaultMaxSteps
	}
	config := DefaultTaskConfig()
	if req.Config != nil {
		config = *req.Config
		if config.Version == 0 {
			config.Version = taskConfigVersion
		}
	}

	now := time.Now()
	task := &Task{
		ID:               uuid.NewString(),
		TaskKey:          taskKey,
		UserID:           req.UserID,
		ConversationID:   req.ConversationID,
		InitialPrompt:    req.Prompt,
		ModelID:          req.ModelID,
		MaxSteps:         maxSteps,
		Status:           StatusPending,
		SessionState:     NewSessionState(),
		ParentTaskID:     req.ParentTaskID,
		SpawnDepth:       req.SpawnDepth,
		Config:           config,
		ChannelAccountID: req.ChannelAccountID,
		ChannelID:        req.ChannelID,
		ChannelThreadID:  req.ChannelThreadID,
		Timeout:          req.Timeout,
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := m.begin(task, task.InitialPrompt); err != nil {
		return nil, err
	}
	return task, nil
}

// begin registers the run and launches the loop goroutine. The registry is
// consulted under the lock so two callers cannot both start the same key.
func (m *Manager) begin(task *Task, prompt string) error {
	m.mu.Lock()
	if _, ok := m.active[task.TaskKey]; ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.TaskKey, ErrAlreadyRunning)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	m.active[task.TaskKey] = run
	m.mu.Unlock()

	go m.runLoop(runCtx, run, task, prompt)
	return nil
}

func (m *Manager) unregister(taskKey string) {
	m.mu.Lock()
	delete(m.active, taskKey)
	m.mu.Unlock()
}

// isActive reports whether the task key is currently executing in-process.
func (m *Manager) isActive(taskKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[taskKey]
	return ok
}

// runLoop drives the task to a terminal status. All failures terminate in a
// status write; nothing propagates past the loop.
func (m *Manager) runLoop(ctx context.Context, run *activeRun, task *Task, prompt string) {
	defer close(run.done)
	defer m.unregister(task.TaskKey)

	log := m.logger.With("task_key", task.TaskKey)

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	if err := m.store.SetStatus(ctx, task.TaskKey, StatusRunning, ""); err != nil {
		log.Error("mark task running", "error", err)
		return
	}

	interval := m.config.StepInterval
	if task.Config.StepInterval > 0 {
		interval = task.Config.StepInterval
	}

	for step := task.CurrentStep + 1; step <= task.MaxSteps; step++ {
		// Abort and pause are observed at step boundaries only.
		if ctx.Err() != nil {
			m.settleCancelled(run, task, log)
			return
		}

		result, err := m.runner.RunStep(ctx, task, prompt)
		if err != nil {
			if ctx.Err() != nil {
				m.settleCancelled(run, task, log)
				return
			}
			log.Warn("task step failed", "step", step, "error", err)
			m.finish(task, StatusFailed, "", err.Error())
			return
		}

		patch := result.StatePatch
		if err := m.store.SaveProgress(ctx, task.TaskKey, ProgressUpdate{
			Step:       step,
			Summary:    result.Progress,
			StatePatch: patch,
		}); err != nil {
			log.Error("save progress", "step", step, "error", err)
			m.finish(task, StatusFailed, "", fmt.Sprintf("persist step %d: %v", step, err))
			return
		}
		task.CurrentStep = step
		task.ProgressSummary = result.Progress
		task.SessionState.MergeData(patch)

		m.emit(models.TaskEvent{
			Type:      models.TaskEventStep,
			TaskID:    task.TaskKey,
			Step:      step,
			Detail:    result.Progress,
			Timestamp: time.Now(),
		})
		for _, tool := range result.ToolsCalled {
			m.emit(models.TaskEvent{
				Type:      models.TaskEventToolCall,
				TaskID:    task.TaskKey,
				Step:      step,
				Tool:      tool,
				Timestamp: time.Now(),
			})
		}

		if result.Done {
			m.finish(task, StatusCompleted, result.Output, "")
			return
		}

		prompt = continuationPrompt(task)

		if interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	m.finish(task, StatusFailed, "", fmt.Sprintf("step limit reached after %d steps", task.MaxSteps))
}

// settleCancelled resolves a cancelled loop into paused or aborted.
func (m *Manager) settleCancelled(run *activeRun, task *Task, log *slog.Logger) {
	if run.pause.Load() {
		log.Info("task paused")
		m.finishStatus(task, StatusPaused, "paused by request")
		return
	}
	log.Info("task aborted")
	m.finishStatus(task, StatusAborted, "aborted")
}

// finish writes the terminal outcome. Uses a fresh context: the run context
// may already be cancelled.
func (m *Manager) finish(task *Task, status Status, finalOutput, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task.Status = status
	task.FinalOutput = finalOutput
	task.ErrorMessage = errMsg
	task.SessionState.IsRunning = false
	task.LastActivityAt = time.Now()

	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Error("finalize task", "task_key", task.TaskKey, "status", status, "error", err)
	}

	m.emit(models.TaskEvent{
		Type:      models.TaskEventProgress,
		TaskID:    task.TaskKey,
		Step:      task.CurrentStep,
		Detail:    string(status),
		Timestamp: time.Now(),
	})
}

func (m *Manager) finishStatus(task *Task, status Status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SetStatus(ctx, task.TaskKey, status, reason); err != nil {
		m.logger.Error("set task status", "task_key", task.TaskKey, "status", status, "error", err)
	}
}

// Pause requests a cooperative pause of an in-process run. The loop settles
// at the next step boundary.
func (m *Manager) Pause(taskKey string) error {
	m.mu.Lock()
	run, ok := m.active[taskKey]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s: %w", taskKey, ErrTaskNotFound)
	}
	run.pause.Store(true)
	run.cancel()
	return nil
}

// Abort cancels a running task. In-process runs settle cooperatively; tasks
// not active here are transitioned directly in storage.
func (m *Manager) Abort(ctx context.Context, taskKey string) error {
	m.mu.Lock()
	run, ok := m.active[taskKey]
	m.mu.Unlock()
	if ok {
		run.cancel()
		return nil
	}

	task, err := m.store.GetTaskByKey(ctx, taskKey)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", taskKey, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		return nil
	}
	return m.store.SetStatus(ctx, taskKey, StatusAborted, "aborted")
}

// Resume restarts a paused or orphaned task under the same task key. The
// continuation prompt references the last progress summary and step number.
func (m *Manager) Resume(ctx context.Context, taskKey string) (*Task, error) {
	task, err := m.store.GetTaskByKey(ctx, taskKey)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskKey, ErrTaskNotFound)
	}
	if m.isActive(taskKey) {
		return nil, fmt.Errorf("task %s: %w", taskKey, ErrAlreadyRunning)
	}
	if task.Status != StatusRunning && task.Status != StatusPaused {
		return nil, fmt.Errorf("task %s in status %s: %w", taskKey, task.Status, ErrNotResumable)
	}

	task.SessionState.ResumeCount++
	task.SessionState.IsRunning = true
	task.Status = StatusRunning
	task.ErrorMessage = ""
	task.LastActivityAt = time.Now()
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := m.begin(task, continuationPrompt(task)); err != nil {
		return nil, err
	}
	return task, nil
}

// Wait blocks until the task's in-process loop exits or ctx is done.
// Returns immediately when the key is not active here.
func (m *Manager) Wait(ctx context.Context, taskKey string) error {
	m.mu.Lock()
	run, ok := m.active[taskKey]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emit(event models.TaskEvent) {
	if m.config.OnEvent != nil {
		m.config.OnEvent(event)
	}
}

// continuationPrompt synthesizes the next step's prompt from persisted
// progress, so a resumed loop picks up where the last save left off.
func continuationPrompt(task *Task) string {
	summary := task.ProgressSummary
	if summary == "" {
		summary = "no progress recorded yet"
	}
	return fmt.Sprintf(
		"You are continuing task %s at step %d of %d.\nLast progress: %s\n\nOriginal objective:\n%s",
		task.TaskKey, task.CurrentStep, task.MaxSteps, summary, task.InitialPrompt,
	)
}
