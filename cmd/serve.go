package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/gaffer/internal/api"
	"github.com/zjrosen/gaffer/internal/config"
	"github.com/zjrosen/gaffer/internal/infrastructure/sqlite"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/metrics"
	"github.com/zjrosen/gaffer/internal/orchestration/assign"
	"github.com/zjrosen/gaffer/internal/orchestration/executor"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
	"github.com/zjrosen/gaffer/internal/orchestration/limits"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
	"github.com/zjrosen/gaffer/internal/orchestration/progress"
	"github.com/zjrosen/gaffer/internal/orchestration/queue"
	"github.com/zjrosen/gaffer/internal/orchestration/retry"
	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
	"github.com/zjrosen/gaffer/internal/orchestration/tracing"
	"github.com/zjrosen/gaffer/internal/registry"
	"github.com/zjrosen/gaffer/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler as a daemon that exposes an HTTP API for managing
work items, workers, and templates. The scheduler loop pulls ready items
from the queue, assigns each to the best-fit worker under concurrency
caps, and drives executions through the agent CLI.

The daemon listens on the configured address (default: :8080).

Example:
  gaffer serve               # Start on the configured address
  gaffer serve --addr :9090  # Start on port 9090`,
	RunE: runServe,
}

var (
	serveAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Log.Enabled || debugFlag {
		logPath := cfg.Log.Path
		if logPath == "" {
			logPath = config.DefaultLogPath()
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		if debugFlag {
			log.SetMinLevel(log.LevelDebug)
		} else {
			log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
		}
		log.Info(log.CatConfig, "gaffer daemon starting", "logPath", logPath)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = config.DefaultDatabasePath()
	}
	if dbPath == "" {
		return fmt.Errorf("no database path configured and home directory unavailable")
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error(log.CatDB, "Error closing database", "error", err)
		}
	}()

	traceCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if traceCfg.Enabled && traceCfg.Exporter == "file" && traceCfg.FilePath == "" {
		traceCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(traceCfg)
	if err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			log.Error(log.CatOrch, "Error shutting down tracing", "error", err)
		}
	}()

	svc, err := buildServices(db, provider.Tracer())
	if err != nil {
		return err
	}
	defer svc.hub.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(promReg)
	detach := m.Observe(svc.orch, svc.eng)
	defer detach()

	// Address priority: --addr flag > config listen_addr
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}
	server, err := api.NewServer(api.Deps{
		Registry:     svc.reg,
		Pool:         svc.pool,
		Orchestrator: svc.orch,
		Hub:          svc.hub,
		Items:        db.WorkItems(),
		Workers:      db.Workers(),
		Executions:   db.Executions(),
		Traces:       db.Traces(),
		Repos:        db.Repositories(),
		Metrics:      metrics.Handler(promReg),
	}, api.ServerConfig{
		Addr:  addr,
		Debug: debugFlag,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	w, err := watcher.New(watcher.DefaultConfig(db.Path()))
	if err != nil {
		return fmt.Errorf("creating database watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting database watcher: %w", err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			log.Error(log.CatWatch, "Error stopping watcher", "error", err)
		}
	}()

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.orch.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer svc.orch.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		// External writers (CLI inserts, manual sqlite edits) surface as
		// file change events. Force a cycle so new items dispatch without
		// waiting out the tick.
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-changes:
				if !ok {
					return nil
				}
				if err := svc.orch.ForceCycle(gctx); err != nil {
					log.Warn(log.CatOrch, "forced cycle failed", "error", err)
				}
			}
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	fmt.Printf("Gaffer daemon started on %s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown: stop dispatching first so in-flight executions
	// finish against a live API, then drain the server.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	svc.orch.Stop()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(log.CatAPI, "Error stopping API server", "error", err)
	}

	cancel()
	if err := <-errCh; err != nil {
		log.Error(log.CatOrch, "Error from background tasks", "error", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}

// services holds the scheduler and the collaborators the API server and
// metrics need direct handles on.
type services struct {
	hub  *hub.Hub
	pool *pool.WorkerPool
	reg  *registry.Registry
	eng  *retry.Engine
	orch *scheduler.Orchestrator
}

func buildServices(db *sqlite.DB, tracer trace.Tracer) (*services, error) {
	h := hub.New()

	p := pool.New(db.Workers(), db.Templates(), h, pool.Config{
		MaxWorkers:         cfg.Pool.MaxWorkers,
		ContextWindowLimit: cfg.Pool.ContextWindowLimit,
	})

	reg := registry.New(db.Templates(), db.Traces())
	if err := reg.InitializeBuiltIns(); err != nil {
		return nil, fmt.Errorf("seeding built-in templates: %w", err)
	}

	scorer := assign.New(db.Workers(), db.Templates(), assign.Config{
		Weights: assign.Weights{
			RoleMatch:       cfg.Assignment.Weights.RoleMatch,
			RepoFamiliarity: cfg.Assignment.Weights.RepoFamiliarity,
			WorkloadInverse: cfg.Assignment.Weights.WorkloadInverse,
			LowErrorRate:    cfg.Assignment.Weights.LowErrorRate,
			Recency:         cfg.Assignment.Weights.Recency,
		},
		CostBudgetUSD:   cfg.Assignment.CostBudgetUSD,
		RecencyHalfLife: time.Duration(cfg.Assignment.RecencyHalfLifeMinutes) * time.Minute,
	}, nil)
	reg.OnWrite(scorer.InvalidateTemplates)

	// Reconstruct familiarity counters from execution history. A cold
	// scorer still works, it just scores familiarity at zero.
	if err := scorer.Rebuild(context.Background(), db.Executions(), db.WorkItems()); err != nil {
		log.Warn(log.CatAssign, "familiarity rebuild failed, starting cold", "error", err)
	}

	gate := limits.New(limits.Config{
		MaxGlobalWorkers:  cfg.Orchestrator.MaxGlobalWorkers,
		MaxWorkersPerRepo: cfg.Orchestrator.MaxWorkersPerRepo,
		MaxWorkersPerUser: cfg.Orchestrator.MaxWorkersPerUser,
	})

	eng := retry.New(retry.Config{
		MaxRetryAttempts: cfg.Orchestrator.MaxRetryAttempts,
		BaseDelay:        time.Duration(cfg.Orchestrator.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Orchestrator.RetryMaxDelayMs) * time.Millisecond,
	}, nil)

	agent := executor.New(executor.Config{
		Command:           cfg.Executor.Command,
		Model:             cfg.Executor.Model,
		AllowedTools:      cfg.Executor.AllowedTools,
		DisallowedTools:   cfg.Executor.DisallowedTools,
		BypassPermissions: cfg.Executor.BypassPermissions,
		Timeout:           time.Duration(cfg.Executor.TimeoutMinutes) * time.Minute,
	})

	orch, err := scheduler.New(scheduler.Deps{
		Items:        db.WorkItems(),
		Executions:   db.Executions(),
		Traces:       db.Traces(),
		Repositories: db.Repositories(),
		Queue:        queue.NewManager(db.WorkItems()),
		Assign:       scorer,
		Pool:         p,
		Limits:       gate,
		Retry:        eng,
		Progress:     progress.New(db.WorkItems(), h),
		Registry:     reg,
		Executor:     agent,
		Tracer:       tracer,
	}, scheduler.Config{
		CycleInterval:    time.Duration(cfg.Orchestrator.CycleIntervalMs) * time.Millisecond,
		AutoSpawnWorkers: cfg.Orchestrator.AutoSpawnWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	return &services{hub: h, pool: p, reg: reg, eng: eng, orch: orch}, nil
}
