// Package config provides configuration types and defaults for gaffer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	// ListenAddr is the host:port the API server binds to.
	// Default: ":8080"
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	// Path is the sqlite database file. An empty value resolves to
	// ~/.gaffer/gaffer.db at startup.
	Path string `mapstructure:"path"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// MaxWorkers caps how many live workers the pool admits.
	// Default: 10
	MaxWorkers int `mapstructure:"max_workers"`

	// ContextWindowLimit is the per-worker token budget assigned at spawn.
	// Default: 200000
	ContextWindowLimit int64 `mapstructure:"context_window_limit"`
}

// OrchestratorConfig holds the scheduler loop settings.
type OrchestratorConfig struct {
	// CycleIntervalMs is the scheduler tick period in milliseconds.
	// Default: 5000
	CycleIntervalMs int `mapstructure:"cycle_interval_ms"`

	// MaxGlobalWorkers caps concurrent executions across the fleet.
	// Default: 5
	MaxGlobalWorkers int `mapstructure:"max_global_workers"`

	// MaxWorkersPerRepo caps concurrent executions targeting one repository.
	// Default: 2
	MaxWorkersPerRepo int `mapstructure:"max_workers_per_repo"`

	// MaxWorkersPerUser caps concurrent executions for one work item creator.
	// Default: 3
	MaxWorkersPerUser int `mapstructure:"max_workers_per_user"`

	// MaxRetryAttempts is how many retries a failing work item gets before
	// escalation. Default: 3
	MaxRetryAttempts int `mapstructure:"max_retry_attempts"`

	// RetryBaseDelayMs is the backoff base in milliseconds. Default: 1000
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`

	// RetryMaxDelayMs caps the computed backoff delay. Default: 60000
	RetryMaxDelayMs int `mapstructure:"retry_max_delay_ms"`

	// AutoSpawnWorkers lets the scheduler spawn a compatible worker when
	// no idle worker fits a queued item. Default: true
	AutoSpawnWorkers bool `mapstructure:"auto_spawn_workers"`
}

// AssignmentWeights tunes the scorer. Each weight scales one signal in the
// weighted sum; signals are normalized to [0,1] before weighting.
type AssignmentWeights struct {
	RoleMatch       float64 `mapstructure:"role_match"`
	RepoFamiliarity float64 `mapstructure:"repo_familiarity"`
	WorkloadInverse float64 `mapstructure:"workload_inverse"`
	LowErrorRate    float64 `mapstructure:"low_error_rate"`
	Recency         float64 `mapstructure:"recency"`
}

// AssignmentConfig holds assignment scorer settings.
type AssignmentConfig struct {
	Weights AssignmentWeights `mapstructure:"weights"`

	// CostBudgetUSD normalizes the workload signal: a worker at or past
	// this spend scores zero on workload. Default: 10.0
	CostBudgetUSD float64 `mapstructure:"cost_budget_usd"`

	// RecencyHalfLifeMinutes controls how fast the recency signal decays
	// after a worker's last completion. Default: 30
	RecencyHalfLifeMinutes int `mapstructure:"recency_half_life_minutes"`
}

// ExecutorConfig holds agent subprocess settings.
type ExecutorConfig struct {
	// Command is the agent CLI binary, resolved through PATH unless
	// absolute. Default: "claude"
	Command string `mapstructure:"command"`

	// Model overrides the agent's default model when non-empty.
	Model string `mapstructure:"model"`

	// AllowedTools and DisallowedTools restrict the agent's tool surface.
	AllowedTools    []string `mapstructure:"allowed_tools"`
	DisallowedTools []string `mapstructure:"disallowed_tools"`

	// BypassPermissions disables the agent's permission prompts. Headless
	// workers cannot answer prompts. Default: true
	BypassPermissions bool `mapstructure:"bypass_permissions"`

	// TimeoutMinutes bounds one execution's wall clock. Zero disables the
	// limit. Default: 30
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/gaffer/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Enabled turns file logging on. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Level is the minimum level written: debug, info, warn, error.
	// Default: "info"
	Level string `mapstructure:"level"`

	// Path is the log file. An empty value resolves to
	// ~/.gaffer/gaffer.log at startup.
	Path string `mapstructure:"path"`
}

// Config holds all configuration options for gaffer.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Assignment   AssignmentConfig   `mapstructure:"assignment"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Log          LogConfig          `mapstructure:"log"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			Path: "", // Derived from home dir at runtime
		},
		Pool: PoolConfig{
			MaxWorkers:         10,
			ContextWindowLimit: 200_000,
		},
		Orchestrator: OrchestratorConfig{
			CycleIntervalMs:   5000,
			MaxGlobalWorkers:  5,
			MaxWorkersPerRepo: 2,
			MaxWorkersPerUser: 3,
			MaxRetryAttempts:  3,
			RetryBaseDelayMs:  1000,
			RetryMaxDelayMs:   60_000,
			AutoSpawnWorkers:  true,
		},
		Assignment: AssignmentConfig{
			Weights: AssignmentWeights{
				RoleMatch:       0.8,
				RepoFamiliarity: 0.7,
				WorkloadInverse: 1.0,
				LowErrorRate:    0.6,
				Recency:         0.3,
			},
			CostBudgetUSD:          10.0,
			RecencyHalfLifeMinutes: 30,
		},
		Executor: ExecutorConfig{
			Command:           "claude",
			BypassPermissions: true,
			TimeoutMinutes:    30,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Enabled: false,
			Level:   "info",
			Path:    "",
		},
	}
}

// DefaultDatabasePath returns ~/.gaffer/gaffer.db, or empty string if the
// home dir is unavailable.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gaffer", "gaffer.db")
}

// DefaultLogPath returns ~/.gaffer/gaffer.log, or empty string if the home
// dir is unavailable.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gaffer", "gaffer.log")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/gaffer/traces/traces.jsonl or empty string if home dir
// unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gaffer", "traces", "traces.jsonl")
}

// Validate checks the whole configuration for errors.
func (c Config) Validate() error {
	if err := ValidatePool(c.Pool); err != nil {
		return err
	}
	if err := ValidateOrchestrator(c.Orchestrator); err != nil {
		return err
	}
	if err := ValidateAssignment(c.Assignment); err != nil {
		return err
	}
	if err := ValidateExecutor(c.Executor); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	return nil
}

// ValidatePool checks pool configuration for errors.
func ValidatePool(pool PoolConfig) error {
	if pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be at least 1, got %d", pool.MaxWorkers)
	}
	if pool.ContextWindowLimit < 0 {
		return fmt.Errorf("pool.context_window_limit must not be negative, got %d", pool.ContextWindowLimit)
	}
	return nil
}

// ValidateOrchestrator checks scheduler loop configuration for errors.
func ValidateOrchestrator(orch OrchestratorConfig) error {
	if orch.CycleIntervalMs < 100 {
		return fmt.Errorf("orchestrator.cycle_interval_ms must be at least 100, got %d", orch.CycleIntervalMs)
	}
	if orch.MaxGlobalWorkers < 1 {
		return fmt.Errorf("orchestrator.max_global_workers must be at least 1, got %d", orch.MaxGlobalWorkers)
	}
	if orch.MaxWorkersPerRepo < 1 {
		return fmt.Errorf("orchestrator.max_workers_per_repo must be at least 1, got %d", orch.MaxWorkersPerRepo)
	}
	if orch.MaxWorkersPerUser < 1 {
		return fmt.Errorf("orchestrator.max_workers_per_user must be at least 1, got %d", orch.MaxWorkersPerUser)
	}
	if orch.MaxRetryAttempts < 0 {
		return fmt.Errorf("orchestrator.max_retry_attempts must not be negative, got %d", orch.MaxRetryAttempts)
	}
	if orch.RetryBaseDelayMs < 1 {
		return fmt.Errorf("orchestrator.retry_base_delay_ms must be at least 1, got %d", orch.RetryBaseDelayMs)
	}
	if orch.RetryMaxDelayMs < orch.RetryBaseDelayMs {
		return fmt.Errorf("orchestrator.retry_max_delay_ms must be >= retry_base_delay_ms, got %d < %d",
			orch.RetryMaxDelayMs, orch.RetryBaseDelayMs)
	}
	return nil
}

// ValidateAssignment checks assignment scorer configuration for errors.
func ValidateAssignment(a AssignmentConfig) error {
	weights := map[string]float64{
		"role_match":       a.Weights.RoleMatch,
		"repo_familiarity": a.Weights.RepoFamiliarity,
		"workload_inverse": a.Weights.WorkloadInverse,
		"low_error_rate":   a.Weights.LowErrorRate,
		"recency":          a.Weights.Recency,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("assignment.weights.%s must not be negative, got %v", name, w)
		}
	}
	if a.CostBudgetUSD <= 0 {
		return fmt.Errorf("assignment.cost_budget_usd must be positive, got %v", a.CostBudgetUSD)
	}
	if a.RecencyHalfLifeMinutes < 1 {
		return fmt.Errorf("assignment.recency_half_life_minutes must be at least 1, got %d", a.RecencyHalfLifeMinutes)
	}
	return nil
}

// ValidateExecutor checks agent subprocess configuration for errors.
func ValidateExecutor(exec ExecutorConfig) error {
	if exec.Command == "" {
		return fmt.Errorf("executor.command must not be empty")
	}
	if exec.TimeoutMinutes < 0 {
		return fmt.Errorf("executor.timeout_minutes must not be negative, got %d", exec.TimeoutMinutes)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(logCfg LogConfig) error {
	if logCfg.Level != "" {
		switch logCfg.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", logCfg.Level)
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Gaffer Configuration

# HTTP API server
server:
  listen_addr: ":8080"

# Sqlite database location
# database:
#   path: /path/to/gaffer.db   # default: ~/.gaffer/gaffer.db

# Worker pool
pool:
  max_workers: 10              # Cap on live workers
  context_window_limit: 200000 # Per-worker token budget

# Scheduler loop
orchestrator:
  cycle_interval_ms: 5000      # How often the loop runs a cycle
  max_global_workers: 5        # Concurrent executions across the fleet
  max_workers_per_repo: 2      # Concurrent executions per repository
  max_workers_per_user: 3      # Concurrent executions per work item creator
  max_retry_attempts: 3        # Retries before escalation
  retry_base_delay_ms: 1000    # Backoff base
  retry_max_delay_ms: 60000    # Backoff cap
  auto_spawn_workers: true     # Spawn a worker when none fits a queued item

# Assignment scorer
assignment:
  weights:
    role_match: 0.8
    repo_familiarity: 0.7
    workload_inverse: 1.0
    low_error_rate: 0.6
    recency: 0.3
  cost_budget_usd: 10.0
  recency_half_life_minutes: 30

# Agent subprocess
executor:
  command: claude              # Agent CLI binary
  # model: opus                # Override the agent's default model
  bypass_permissions: true     # Headless workers cannot answer prompts
  timeout_minutes: 30          # Wall clock bound per execution, 0 disables
  # allowed_tools: [Read, Bash]
  # disallowed_tools: [WebSearch]

# Distributed tracing (disabled by default)
tracing:
  enabled: false
  exporter: file               # none, file, stdout, otlp
  # file_path: ~/.config/gaffer/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Debug log (disabled by default)
log:
  enabled: false
  level: info                  # debug, info, warn, error
  # path: ~/.gaffer/gaffer.log
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Fails if the file already exists.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
