// Package cmd wires the gaffer CLI: the serve daemon, the top status
// view, and template inspection.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/gaffer/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gaffer",
	Short: "Control plane for a fleet of coding agents",
	Long: `Gaffer schedules dependency-aware work items across a fleet of coding
agents. The daemon pulls ready items from a prioritized queue, assigns
each to the best-fit worker under concurrency caps, drives executions
through an agent CLI, and retries or escalates failures.

Run 'gaffer serve' to start the daemon, 'gaffer top' to watch the fleet,
and 'gaffer templates' to inspect agent templates.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .gaffer/config.yaml, then ~/.config/gaffer/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"force debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("pool.max_workers", defaults.Pool.MaxWorkers)
	viper.SetDefault("pool.context_window_limit", defaults.Pool.ContextWindowLimit)
	viper.SetDefault("orchestrator.cycle_interval_ms", defaults.Orchestrator.CycleIntervalMs)
	viper.SetDefault("orchestrator.max_global_workers", defaults.Orchestrator.MaxGlobalWorkers)
	viper.SetDefault("orchestrator.max_workers_per_repo", defaults.Orchestrator.MaxWorkersPerRepo)
	viper.SetDefault("orchestrator.max_workers_per_user", defaults.Orchestrator.MaxWorkersPerUser)
	viper.SetDefault("orchestrator.max_retry_attempts", defaults.Orchestrator.MaxRetryAttempts)
	viper.SetDefault("orchestrator.retry_base_delay_ms", defaults.Orchestrator.RetryBaseDelayMs)
	viper.SetDefault("orchestrator.retry_max_delay_ms", defaults.Orchestrator.RetryMaxDelayMs)
	viper.SetDefault("orchestrator.auto_spawn_workers", defaults.Orchestrator.AutoSpawnWorkers)
	viper.SetDefault("assignment.weights.role_match", defaults.Assignment.Weights.RoleMatch)
	viper.SetDefault("assignment.weights.repo_familiarity", defaults.Assignment.Weights.RepoFamiliarity)
	viper.SetDefault("assignment.weights.workload_inverse", defaults.Assignment.Weights.WorkloadInverse)
	viper.SetDefault("assignment.weights.low_error_rate", defaults.Assignment.Weights.LowErrorRate)
	viper.SetDefault("assignment.weights.recency", defaults.Assignment.Weights.Recency)
	viper.SetDefault("assignment.cost_budget_usd", defaults.Assignment.CostBudgetUSD)
	viper.SetDefault("assignment.recency_half_life_minutes", defaults.Assignment.RecencyHalfLifeMinutes)
	viper.SetDefault("executor.command", defaults.Executor.Command)
	viper.SetDefault("executor.model", defaults.Executor.Model)
	viper.SetDefault("executor.bypass_permissions", defaults.Executor.BypassPermissions)
	viper.SetDefault("executor.timeout_minutes", defaults.Executor.TimeoutMinutes)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.enabled", defaults.Log.Enabled)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.path", defaults.Log.Path)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .gaffer/config.yaml (current directory)
		// 2. ~/.config/gaffer/config.yaml (user config)
		if _, err := os.Stat(".gaffer/config.yaml"); err == nil {
			viper.SetConfigFile(".gaffer/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "gaffer"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .gaffer/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(".gaffer", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
