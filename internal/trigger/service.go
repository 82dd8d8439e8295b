// Package trigger fires scheduled and one-shot actions: agent turns,
// notifications, and skill invocations. Schedules are cron expressions or
// "@at"/"@once" one-shots that never fire twice.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conductorhq/conductor/internal/ratelimit"
	"github.com/conductorhq/conductor/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ActionType discriminates the trigger action union.
type ActionType string

const (
	// ActionAgentTurn runs an isolated agent turn.
	ActionAgentTurn ActionType = "agent_turn"
	// ActionNotify delivers a fixed message to a channel.
	ActionNotify ActionType = "notify"
	// ActionSkill invokes a registered skill.
	ActionSkill ActionType = "skill"
)

// Action is a tagged union over the trigger action types. Only the fields
// of the tagged variant are read.
type Action struct {
	Type ActionType `yaml:"type" json:"type"`

	// ActionAgentTurn fields.
	Prompt string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Tools  []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// ActionNotify fields.
	Channel  models.ChannelType `yaml:"channel,omitempty" json:"channel,omitempty"`
	Message  string             `yaml:"message,omitempty" json:"message,omitempty"`
	Metadata map[string]any     `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// ActionSkill fields.
	Skill string          `yaml:"skill,omitempty" json:"skill,omitempty"`
	Args  json.RawMessage `yaml:"args,omitempty" json:"args,omitempty"`
}

// Trigger binds a schedule to an action for a user.
type Trigger struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	UserID   string `yaml:"user_id" json:"user_id"`
	Schedule string `yaml:"schedule" json:"schedule"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Action   Action `yaml:"action" json:"action"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`

	// HourlyLimit caps fires per wall-clock hour. Advisory and process
	// local; zero means unlimited.
	HourlyLimit int `yaml:"hourly_limit,omitempty" json:"hourly_limit,omitempty"`
}

// Store lists the triggers to evaluate and records their runs.
type Store interface {
	ListEnabled(ctx context.Context) ([]*Trigger, error)
	RecordRun(ctx context.Context, triggerID string, at time.Time, runErr error) error
}

// AgentRunner executes an isolated agent turn for a trigger.
type AgentRunner interface {
	RunAgentTurn(ctx context.Context, trigger *Trigger) error
}

// Notifier delivers a notification. delivery.Notifier satisfies this.
type Notifier interface {
	Deliver(ctx context.Context, channel models.ChannelType, userID, text string, metadata map[string]any) error
}

// SkillInvoker invokes a registered skill by name.
type SkillInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Service evaluates trigger schedules on a tick and dispatches due actions.
type Service struct {
	store   Store
	agents  AgentRunner
	notify  Notifier
	skills  SkillInvoker
	logger  *slog.Logger
	now     func() time.Time
	tick    time.Duration
	counter *ratelimit.HourlyCounter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextAt  map[string]time.Time
	fired   map[string]bool
}

// Option configures the service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
			s.counter = ratelimit.NewHourlyCounter(now)
		}
	}
}

// WithTickInterval overrides the evaluation interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// NewService creates a trigger service. agents, notify, and skills may be
// nil; triggers needing an absent collaborator fail their run with a logged
// error.
func NewService(store Store, agents AgentRunner, notify Notifier, skills SkillInvoker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		agents: agents,
		notify: notify,
		skills: skills,
		logger: slog.Default().With("component", "trigger"),
		now:    time.Now,
		tick:   time.Second,
		nextAt: make(map[string]time.Time),
		fired:  make(map[string]bool),
	}
	s.counter = ratelimit.NewHourlyCounter(nil)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins schedule evaluation until Stop is called.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop halts evaluation and waits for in-flight dispatches.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce evaluates due triggers immediately. Primarily for tests.
func (s *Service) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Service) runDue(ctx context.Context) int {
	triggers, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("list triggers", "error", err)
		return 0
	}

	now := s.now()
	fired := 0
	for _, trigger := range triggers {
		if !trigger.Enabled {
			continue
		}
		due, err := s.isDue(trigger, now)
		if err != nil {
			s.logger.Warn("trigger schedule invalid", "id", trigger.ID, "schedule", trigger.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}

		if s.counter.Exceeded(trigger.ID, trigger.HourlyLimit) {
			// Advisory limit: skip this fire, recheck next window.
			s.logger.Warn("trigger hourly limit reached, skipping",
				"id", trigger.ID, "limit", trigger.HourlyLimit)
			s.advance(trigger, now)
			continue
		}
		s.counter.Increment(trigger.ID)

		runErr := s.dispatch(ctx, trigger)
		if runErr != nil {
			s.logger.Warn("trigger run failed", "id", trigger.ID, "error", runErr)
		}
		if err := s.store.RecordRun(ctx, trigger.ID, now, runErr); err != nil {
			s.logger.Error("record trigger run", "id", trigger.ID, "error", err)
		}
		s.advance(trigger, now)
		fired++
	}
	return fired
}

// isDue resolves whether the trigger's next fire time has arrived, lazily
// computing and caching it.
func (s *Service) isDue(trigger *Trigger, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.nextAt[trigger.ID]
	if !ok {
		sched, err := parseSchedule(trigger.Schedule, trigger.Timezone)
		if err != nil {
			return false, err
		}
		if sched.oneShot && s.fired[trigger.ID] {
			return false, nil
		}
		at, ok := sched.next(now)
		if !ok {
			return false, nil
		}
		s.nextAt[trigger.ID] = at
		next = at
	}

	return !now.Before(next), nil
}

// advance computes the fire time after now, or retires a one-shot.
func (s *Service) advance(trigger *Trigger, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nextAt, trigger.ID)

	sched, err := parseSchedule(trigger.Schedule, trigger.Timezone)
	if err != nil {
		return
	}
	if sched.oneShot {
		s.fired[trigger.ID] = true
		return
	}
	if at, ok := sched.next(now); ok {
		s.nextAt[trigger.ID] = at
	}
}

// dispatch routes the action to its collaborator. The switch is exhaustive
// over the action union; unknown types are errors, never silently dropped.
func (s *Service) dispatch(ctx context.Context, trigger *Trigger) error {
	switch trigger.Action.Type {
	case ActionAgentTurn:
		if s.agents == nil {
			return fmt.Errorf("no agent runner configured")
		}
		return s.agents.RunAgentTurn(ctx, trigger)
	case ActionNotify:
		if s.notify == nil {
			return fmt.Errorf("no notifier configured")
		}
		return s.notify.Deliver(ctx, trigger.Action.Channel, trigger.UserID, trigger.Action.Message, trigger.Action.Metadata)
	case ActionSkill:
		if s.skills == nil {
			return fmt.Errorf("no skill invoker configured")
		}
		_, err := s.skills.Invoke(ctx, trigger.Action.Skill, trigger.Action.Args)
		return err
	default:
		return fmt.Errorf("unknown action type %q", trigger.Action.Type)
	}
}

// schedule is a parsed trigger schedule.
type schedule struct {
	oneShot bool
	at      time.Time
	cron    cron.Schedule
}

// next returns the first fire time at or after now. A one-shot keeps its
// fixed time even when now has passed it; firing at most once is enforced
// by the service's fired set.
func (s *schedule) next(now time.Time) (time.Time, bool) {
	if s.oneShot {
		return s.at, true
	}
	at := s.cron.Next(now)
	return at, !at.IsZero()
}

// parseSchedule accepts cron expressions (seconds field optional,
// descriptors like @hourly allowed) and "@at <time>" / "@once <time>"
// one-shots.
func parseSchedule(expr, timezone string) (*schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule is required")
	}

	for _, prefix := range []string{"@at ", "@once "} {
		if strings.HasPrefix(expr, prefix) {
			at, err := parseOneShot(strings.TrimPrefix(expr, prefix), timezone)
			if err != nil {
				return nil, err
			}
			return &schedule{oneShot: true, at: at}, nil
		}
	}

	if timezone != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "@") {
		expr = "TZ=" + timezone + " " + expr
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &schedule{cron: sched}, nil
}

func parseOneShot(value, timezone string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("one-shot schedule needs a timestamp")
	}
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			if parsed, err := time.ParseInLocation(time.RFC3339, value, loc); err == nil {
				return parsed, nil
			}
			if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc); err == nil {
				return parsed, nil
			}
		}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid one-shot timestamp: %s", value)
}
