// Package main is the conductor CLI: a multi-agent orchestration runtime
// that executes autonomous tasks, scheduled triggers, and isolated agent
// runs against configured LLM providers.
//
// Basic usage:
//
//	conductor serve --config conductor.yaml
//	conductor version
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/autonomous"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/credentials"
	"github.com/conductorhq/conductor/internal/delivery"
	"github.com/conductorhq/conductor/internal/isolated"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/llm/providers"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/tools"
	"github.com/conductorhq/conductor/internal/trigger"
	"github.com/conductorhq/conductor/pkg/models"
)

// Build-time variables, set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "conductor",
		Short:   "Multi-agent orchestration runtime",
		Long:    "Conductor runs autonomous tasks, scheduled triggers, and multi-agent orchestrations against configured LLM providers.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
				})
			}
			fmt.Printf("conductor %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger.Slog())
	log := logger.Slog().With("component", "serve")

	metrics := observability.NewMetrics()

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "conductor",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for serve")
	}
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	store := autonomous.NewPostgresStore(db)

	providerRegistry, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	creds := buildCredentials(cfg)
	registry, skillTool := buildToolRegistry(log)

	notifier := delivery.NewNotifier(
		&delivery.LogDeliverer{Logger: logger.Slog().With("component", "delivery")},
		nil,
		logger.Slog().With("component", "delivery"),
	)

	isolatedRunner := isolated.NewRunner(
		providerRegistry, registry, creds, nil, notifier,
		isolated.Defaults{
			Provider: cfg.Providers.Default,
			ModelID:  defaultModelFor(cfg, cfg.Providers.Default),
		},
		logger.Slog(),
	)

	manager := autonomous.NewManager(store, &taskStepRunner{runner: isolatedRunner}, &autonomous.ManagerConfig{
		RecoveryGrace:   cfg.Autonomous.RecoveryGrace,
		DefaultMaxSteps: cfg.Autonomous.DefaultMaxSteps,
		StepInterval:    cfg.Autonomous.StepInterval,
		OnEvent:         taskEventRecorder(metrics),
	}, logger.Slog())

	// Task coordination tools join the registry only after the manager
	// exists; isolated runs still never see them.
	if err := registry.Register(autonomous.NewSendToTaskTool(manager)); err != nil {
		return err
	}
	if err := registry.Register(autonomous.NewSpawnTaskTool(manager)); err != nil {
		return err
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	report, err := manager.RecoverOrphans(bootCtx)
	cancelBoot()
	if err != nil {
		return fmt.Errorf("recover orphaned tasks: %w", err)
	}
	log.Info("task recovery complete",
		"recovered", len(report.Recovered), "stale", len(report.Stale))

	triggerSvc := trigger.NewService(
		newConfigTriggerStore(cfg, logger.Slog()),
		&triggerAgentRunner{runner: isolatedRunner, metrics: metrics},
		notifier,
		&skillDispatcher{tool: skillTool},
		trigger.WithLogger(logger.Slog().With("component", "trigger")),
		trigger.WithTickInterval(cfg.Triggers.TickInterval),
	)
	if err := triggerSvc.Start(); err != nil {
		return fmt.Errorf("start trigger service: %w", err)
	}

	metricsSrv := startMetricsServer(cfg, log)

	log.Info("conductor started",
		"version", version,
		"metrics_port", cfg.Server.MetricsPort,
		"triggers", len(cfg.Triggers.Definitions))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := triggerSvc.Stop(shutdownCtx); err != nil {
		log.Warn("trigger service stop", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", "error", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// providerMap satisfies the provider registries of the isolated runner and
// the orchestrator.
type providerMap map[string]llm.Provider

func (m providerMap) Get(name string) (llm.Provider, bool) {
	p, ok := m[name]
	return p, ok
}

func buildProviders(cfg *config.Config) (providerMap, error) {
	registry := providerMap{}

	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		registry["anthropic"] = p
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		registry["openai"] = providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey)
	}

	if len(registry) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	return registry, nil
}

func buildCredentials(cfg *config.Config) credentials.Resolver {
	keys := map[string]string{}
	if cfg.Providers.Anthropic.APIKey != "" {
		keys["anthropic"] = cfg.Providers.Anthropic.APIKey
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		keys["openai"] = cfg.Providers.OpenAI.APIKey
	}
	return &sharedResolver{keys: keys}
}

// sharedResolver resolves every user to the deployment-wide keys from the
// config file. Per-user key storage lives outside this process.
type sharedResolver struct {
	keys map[string]string
}

func (r *sharedResolver) Resolve(_ context.Context, userID, provider string) (string, error) {
	if !credentials.RequiresCredential(provider) {
		return "", nil
	}
	if key := r.keys[provider]; key != "" {
		return key, nil
	}
	return "", credentials.NewMissingCredentialError(userID, provider)
}

func (r *sharedResolver) Providers(_ context.Context, _ string) ([]string, error) {
	out := make([]string, 0, len(r.keys)+1)
	for provider := range r.keys {
		out = append(out, provider)
	}
	out = append(out, "ollama")
	return out, nil
}

// buildToolRegistry registers the builtin tools. The web search tool runs
// unconfigured until a searcher is wired; the skill tool is returned so
// trigger skill actions can share its registry.
func buildToolRegistry(log *slog.Logger) (*tools.Registry, *tools.UseSkillTool) {
	registry := tools.NewRegistry()
	skillTool := tools.NewUseSkillTool()
	for _, tool := range []tools.Tool{
		tools.NewReadFileTool(),
		tools.NewWriteFileTool(),
		tools.NewListDirTool(),
		tools.NewShellTool(),
		tools.NewWebSearchTool(nil),
		skillTool,
	} {
		if err := registry.Register(tool); err != nil {
			log.Warn("tool registration failed", "tool", tool.Name(), "error", err)
		}
	}
	return registry, skillTool
}

// skillDispatcher routes trigger skill actions through the use_skill tool so
// scheduled skills and model-invoked skills share one skill set.
type skillDispatcher struct {
	tool *tools.UseSkillTool
}

func (d *skillDispatcher) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	payload, err := json.Marshal(struct {
		Skill string          `json:"skill"`
		Args  json.RawMessage `json:"args,omitempty"`
	}{Skill: name, Args: args})
	if err != nil {
		return "", err
	}
	res, err := d.tool.Execute(ctx, payload)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("skill %s: %s", name, res.Content)
	}
	return res.Content, nil
}

func defaultModelFor(cfg *config.Config, provider string) string {
	switch provider {
	case "anthropic":
		return cfg.Providers.Anthropic.DefaultModel
	case "openai":
		return cfg.Providers.OpenAI.DefaultModel
	case "ollama":
		return cfg.Providers.Ollama.DefaultModel
	}
	return ""
}

// taskDoneMarker is the line the model emits to end an autonomous task.
const taskDoneMarker = "TASK_COMPLETE"

// isolatedExecutor is the slice of the isolated runner the step loop needs.
type isolatedExecutor interface {
	Run(ctx context.Context, req *isolated.RunRequest) (*isolated.Outcome, error)
}

// taskStepRunner adapts the isolated runner to the autonomous step loop:
// each step is one isolated run without delivery. The task keeps stepping
// until the model signals completion with the done marker; a successful
// step alone does not finish the task.
type taskStepRunner struct {
	runner isolatedExecutor
}

func (s *taskStepRunner) RunStep(ctx context.Context, task *autonomous.Task, prompt string) (*autonomous.StepResult, error) {
	outcome, err := s.runner.Run(ctx, &isolated.RunRequest{
		TaskID:   task.ID,
		TaskName: task.TaskKey,
		UserID:   task.UserID,
		Prompt: prompt + "\n\nWhen the objective is fully achieved, end your reply with the line " +
			taskDoneMarker + ". Otherwise report the progress made and what remains.",
		Trigger:       isolated.TriggerAdHoc,
		ModelOverride: task.ModelID,
		Tools:         task.Config.Tools,
		Deliver:       false,
	})
	if err != nil {
		return nil, err
	}
	exec := outcome.Execution
	if exec == nil {
		return nil, fmt.Errorf("isolated run produced no execution result")
	}
	done := exec.Success && strings.Contains(exec.Output, taskDoneMarker)
	output := strings.TrimSpace(strings.ReplaceAll(exec.Output, taskDoneMarker, ""))
	return &autonomous.StepResult{
		Output:      output,
		ToolsCalled: exec.ToolsCalled,
		Done:        done,
		Progress:    output,
	}, nil
}

// taskEventRecorder feeds task lifecycle events into the metrics.
func taskEventRecorder(metrics *observability.Metrics) func(models.TaskEvent) {
	return func(ev models.TaskEvent) {
		switch ev.Type {
		case models.TaskEventStep:
			metrics.RecordTaskStep("ok")
		case models.TaskEventToolCall:
			metrics.RecordToolExecution(ev.Tool, "success", 0)
		}
	}
}

// configTriggerStore serves trigger definitions straight from the config
// file; runs are recorded to the log only.
type configTriggerStore struct {
	triggers []*trigger.Trigger
	logger   *slog.Logger
}

func newConfigTriggerStore(cfg *config.Config, logger *slog.Logger) *configTriggerStore {
	store := &configTriggerStore{logger: logger.With("component", "trigger-store")}
	for _, def := range cfg.Triggers.Definitions {
		limit := def.HourlyLimit
		if limit == 0 {
			limit = cfg.Triggers.DefaultHourlyLimit
		}
		var args json.RawMessage
		if len(def.Action.Args) > 0 {
			args, _ = json.Marshal(def.Action.Args)
		}
		store.triggers = append(store.triggers, &trigger.Trigger{
			ID:       def.ID,
			Name:     def.Name,
			UserID:   def.UserID,
			Schedule: def.Schedule,
			Timezone: def.Timezone,
			Enabled:  !def.Disabled,
			Action: trigger.Action{
				Type:    trigger.ActionType(def.Action.Type),
				Prompt:  def.Action.Prompt,
				Tools:   def.Action.Tools,
				Channel: models.ChannelType(def.Action.Channel),
				Message: def.Action.Message,
				Skill:   def.Action.Skill,
				Args:    args,
			},
			HourlyLimit: limit,
		})
	}
	return store
}

func (s *configTriggerStore) ListEnabled(_ context.Context) ([]*trigger.Trigger, error) {
	return s.triggers, nil
}

func (s *configTriggerStore) RecordRun(_ context.Context, triggerID string, at time.Time, runErr error) error {
	if runErr != nil {
		s.logger.Warn("trigger run recorded", "id", triggerID, "at", at, "error", runErr)
		return nil
	}
	s.logger.Info("trigger run recorded", "id", triggerID, "at", at)
	return nil
}

// triggerAgentRunner runs scheduled agent turns through the isolated runner
// with delivery enabled.
type triggerAgentRunner struct {
	runner  *isolated.Runner
	metrics *observability.Metrics
}

func (r *triggerAgentRunner) RunAgentTurn(ctx context.Context, t *trigger.Trigger) error {
	outcome, err := r.runner.Run(ctx, &isolated.RunRequest{
		TaskID:   "trigger-" + t.ID,
		TaskName: t.Name,
		UserID:   t.UserID,
		Prompt:   t.Action.Prompt,
		Trigger:  isolated.TriggerScheduled,
		Tools:    t.Action.Tools,
		Deliver:  true,
		Channel:  models.ChannelInternal,
	})
	if err != nil {
		r.metrics.RecordTriggerFire("agent_turn", "error")
		return err
	}
	if outcome.Execution == nil || !outcome.Execution.Success {
		r.metrics.RecordTriggerFire("agent_turn", "error")
		reason := "run did not complete"
		if outcome.Execution != nil {
			reason = outcome.Execution.FailureReason
		}
		return fmt.Errorf("agent turn failed: %s", reason)
	}
	r.metrics.RecordTriggerFire("agent_turn", "success")
	return nil
}

func startMetricsServer(cfg *config.Config, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
