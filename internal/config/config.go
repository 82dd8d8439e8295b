// Package config loads runtime configuration from YAML with environment
// variable expansion and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the conductor runtime.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Autonomous   AutonomousConfig   `yaml:"autonomous"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Triggers     TriggersConfig     `yaml:"triggers"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ProvidersConfig struct {
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type ExecutorConfig struct {
	MaxSteps       int           `yaml:"max_steps"`
	MaxRetries     int           `yaml:"max_retries"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
}

type AutonomousConfig struct {
	DefaultMaxSteps int           `yaml:"default_max_steps"`
	RecoveryGrace   time.Duration `yaml:"recovery_grace"`
	StepInterval    time.Duration `yaml:"step_interval"`
	SweepOlderThan  time.Duration `yaml:"sweep_older_than"`
}

type OrchestratorConfig struct {
	MaxAgents       int `yaml:"max_agents"`
	ConsensusRounds int `yaml:"consensus_rounds"`
}

type TriggersConfig struct {
	TickInterval       time.Duration       `yaml:"tick_interval"`
	DefaultHourlyLimit int                 `yaml:"default_hourly_limit"`
	Definitions        []TriggerDefinition `yaml:"definitions"`
}

// TriggerDefinition declares a scheduled trigger in the config file.
type TriggerDefinition struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	UserID      string        `yaml:"user_id"`
	Schedule    string        `yaml:"schedule"`
	Timezone    string        `yaml:"timezone"`
	Action      TriggerAction `yaml:"action"`
	Disabled    bool          `yaml:"disabled"`
	HourlyLimit int           `yaml:"hourly_limit"`
}

// TriggerAction mirrors the trigger action union: exactly one of the
// variant field groups applies depending on Type.
type TriggerAction struct {
	Type    string         `yaml:"type"`
	Prompt  string         `yaml:"prompt"`
	Tools   []string       `yaml:"tools"`
	Channel string         `yaml:"channel"`
	Message string         `yaml:"message"`
	Skill   string         `yaml:"skill"`
	Args    map[string]any `yaml:"args"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	Enabled           bool    `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, env-expands, and parses the configuration file, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Executor.MaxSteps == 0 {
		cfg.Executor.MaxSteps = 10
	}
	if cfg.Executor.MaxRetries == 0 {
		cfg.Executor.MaxRetries = 3
	}
	if cfg.Executor.StepTimeout == 0 {
		cfg.Executor.StepTimeout = 2 * time.Minute
	}
	if cfg.Executor.OverallTimeout == 0 {
		cfg.Executor.OverallTimeout = 10 * time.Minute
	}
	if cfg.Autonomous.DefaultMaxSteps == 0 {
		cfg.Autonomous.DefaultMaxSteps = 20
	}
	if cfg.Autonomous.RecoveryGrace == 0 {
		cfg.Autonomous.RecoveryGrace = 5 * time.Minute
	}
	if cfg.Autonomous.SweepOlderThan == 0 {
		cfg.Autonomous.SweepOlderThan = 24 * time.Hour
	}
	if cfg.Orchestrator.MaxAgents == 0 {
		cfg.Orchestrator.MaxAgents = 8
	}
	if cfg.Orchestrator.ConsensusRounds == 0 {
		cfg.Orchestrator.ConsensusRounds = 2
	}
	if cfg.Triggers.TickInterval == 0 {
		cfg.Triggers.TickInterval = time.Second
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations that cannot produce a working runtime.
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	if c.Executor.MaxSteps < 1 {
		return fmt.Errorf("executor.max_steps must be at least 1")
	}
	if c.Autonomous.DefaultMaxSteps < 1 {
		return fmt.Errorf("autonomous.default_max_steps must be at least 1")
	}
	if c.Orchestrator.MaxAgents < 1 {
		return fmt.Errorf("orchestrator.max_agents must be at least 1")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	for i, def := range c.Triggers.Definitions {
		if def.ID == "" {
			return fmt.Errorf("triggers.definitions[%d]: id is required", i)
		}
		if def.Schedule == "" {
			return fmt.Errorf("trigger %s: schedule is required", def.ID)
		}
		if def.UserID == "" {
			return fmt.Errorf("trigger %s: user_id is required", def.ID)
		}
		switch def.Action.Type {
		case "agent_turn", "notify", "skill":
		default:
			return fmt.Errorf("trigger %s: unknown action type %q", def.ID, def.Action.Type)
		}
	}
	return nil
}
