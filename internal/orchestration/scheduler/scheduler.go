// Package scheduler is the orchestration loop: a ticker drives cycles
// that drain due retries, refresh the work item queue, and dispatch
// queued items to scored workers. Executions run in background
// goroutines, each holding its own cancel function; the cycle itself
// never blocks on an executor.
//
// The scheduler is the only writer that moves items from ready to
// in_progress. Other writers create items or push them to ready; they
// never dispatch.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/assign"
	"github.com/zjrosen/gaffer/internal/orchestration/limits"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
	"github.com/zjrosen/gaffer/internal/orchestration/progress"
	"github.com/zjrosen/gaffer/internal/orchestration/queue"
	"github.com/zjrosen/gaffer/internal/orchestration/retry"
	"github.com/zjrosen/gaffer/internal/registry"
)

// DefaultCycleInterval is used when the configured interval is zero.
const DefaultCycleInterval = 5 * time.Second

// ErrAlreadyStarted is returned by Start when the loop is running.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Config tunes the loop itself. Sub-service caps (limits, retry, pool)
// are configured on those services and updated through UpdateConfig.
type Config struct {
	// CycleInterval is the tick period. Zero takes the default.
	CycleInterval time.Duration

	// AutoSpawnWorkers lets a cycle spawn a compatible worker when no
	// idle worker fits a queued item.
	AutoSpawnWorkers bool
}

// Deps wires the scheduler to its collaborators. Items, Executions,
// Queue, Assign, Pool, Limits, Retry, Progress, Registry, and Executor
// are required; Repositories, Traces, and Tracer may be nil.
type Deps struct {
	Items        domain.WorkItemRepository
	Executions   domain.ExecutionRepository
	Traces       domain.TraceRepository
	Repositories domain.RepositoryStore

	Queue    *queue.Manager
	Assign   *assign.Scorer
	Pool     *pool.WorkerPool
	Limits   *limits.Gate
	Retry    *retry.Engine
	Progress *progress.Tracker
	Registry *registry.Registry

	Executor Executor

	// Tracer creates spans around cycles and executions. Nil disables
	// tracing via a no-op tracer.
	Tracer trace.Tracer
}

func (d Deps) validate() error {
	switch {
	case d.Items == nil:
		return errors.New("scheduler: Items is required")
	case d.Executions == nil:
		return errors.New("scheduler: Executions is required")
	case d.Queue == nil:
		return errors.New("scheduler: Queue is required")
	case d.Assign == nil:
		return errors.New("scheduler: Assign is required")
	case d.Pool == nil:
		return errors.New("scheduler: Pool is required")
	case d.Limits == nil:
		return errors.New("scheduler: Limits is required")
	case d.Retry == nil:
		return errors.New("scheduler: Retry is required")
	case d.Progress == nil:
		return errors.New("scheduler: Progress is required")
	case d.Registry == nil:
		return errors.New("scheduler: Registry is required")
	case d.Executor == nil:
		return errors.New("scheduler: Executor is required")
	}
	return nil
}

// Update is a partial config change. Nil fields keep their value; cap
// fields are routed to the owning sub-service.
type Update struct {
	CycleInterval     *time.Duration
	AutoSpawnWorkers  *bool
	MaxGlobalWorkers  *int
	MaxWorkersPerRepo *int
	MaxWorkersPerUser *int
	MaxRetryAttempts  *int
	RetryBaseDelay    *time.Duration
	RetryMaxDelay     *time.Duration
	MaxPoolWorkers    *int
}

// Status is a point-in-time report of the loop.
type Status struct {
	Running          bool            `json:"running"`
	CycleCount       int64           `json:"cycleCount"`
	LastCycleAt      *time.Time      `json:"lastCycleAt,omitempty"`
	QueueLength      int             `json:"queueLength"`
	PendingRetries   int             `json:"pendingRetries"`
	ActiveExecutions int             `json:"activeExecutions"`
	Workers          map[string]int  `json:"workers"`
	Limits           limits.Snapshot `json:"limits"`
}

// Orchestrator drives the scheduling loop.
type Orchestrator struct {
	deps   Deps
	hooks  *hookSet
	tracer trace.Tracer

	mu            sync.Mutex
	cycleInterval time.Duration
	autoSpawn     bool
	running       bool
	cycleCount    int64
	lastCycleAt   time.Time

	// cycleMu serializes cycles so the ticker and ForceCycle never
	// interleave dispatches.
	cycleMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup

	execMu   sync.Mutex
	inflight map[string]context.CancelFunc
	execWg   sync.WaitGroup
}

// New creates an orchestrator. It does not start the loop.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("scheduler")
	}
	return &Orchestrator{
		deps:          deps,
		hooks:         newHookSet(),
		tracer:        tracer,
		cycleInterval: cfg.CycleInterval,
		autoSpawn:     cfg.AutoSpawnWorkers,
		stopCh:        make(chan struct{}),
		inflight:      make(map[string]context.CancelFunc),
	}, nil
}

// Start launches the ticker loop in a goroutine. The ctx bounds the
// loop; Stop or ctx cancellation ends it.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.running = true
	interval := o.cycleInterval
	o.mu.Unlock()

	o.loopWg.Add(1)
	go o.run(ctx)

	log.Info(log.CatOrch, "scheduler started", "interval", interval)
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.loopWg.Done()

	ticker := time.NewTicker(o.interval())
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runCycle(ctx); err != nil {
				log.ErrorErr(log.CatOrch, "cycle failed", err)
			}
			// Pick up interval changes made through UpdateConfig.
			ticker.Reset(o.interval())
		}
	}
}

// Stop halts the loop and cancels every in-flight execution, then waits
// for their completion handlers to finish. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.loopWg.Wait()

	o.execMu.Lock()
	n := len(o.inflight)
	for _, cancel := range o.inflight {
		cancel()
	}
	o.execMu.Unlock()
	if n > 0 {
		log.Info(log.CatOrch, "cancelling in-flight executions", "count", n)
	}
	o.execWg.Wait()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	log.Info(log.CatOrch, "scheduler stopped")
}

// ForceCycle runs one cycle synchronously.
func (o *Orchestrator) ForceCycle(ctx context.Context) error {
	return o.runCycle(ctx)
}

// Status reports the loop's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		Running:    o.running,
		CycleCount: o.cycleCount,
	}
	if !o.lastCycleAt.IsZero() {
		at := o.lastCycleAt
		s.LastCycleAt = &at
	}
	o.mu.Unlock()

	s.QueueLength = o.deps.Queue.Len()
	s.PendingRetries = o.deps.Retry.PendingRetries()
	s.Limits = o.deps.Limits.Status()

	o.execMu.Lock()
	s.ActiveExecutions = len(o.inflight)
	o.execMu.Unlock()

	if snap, err := o.deps.Pool.Pool(); err == nil {
		s.Workers = snap.ByStatus
	} else {
		log.ErrorErr(log.CatOrch, "pool snapshot failed", err)
	}
	return s
}

// UpdateConfig applies the non-nil fields, routing caps to the owning
// sub-services. The first validation failure aborts the remainder.
func (o *Orchestrator) UpdateConfig(u Update) error {
	if u.CycleInterval != nil {
		if *u.CycleInterval <= 0 {
			return &domain.ValidationError{Field: "cycleInterval", Reason: "must be positive"}
		}
		o.mu.Lock()
		o.cycleInterval = *u.CycleInterval
		o.mu.Unlock()
	}
	if u.AutoSpawnWorkers != nil {
		o.mu.Lock()
		o.autoSpawn = *u.AutoSpawnWorkers
		o.mu.Unlock()
	}

	if u.MaxGlobalWorkers != nil || u.MaxWorkersPerRepo != nil || u.MaxWorkersPerUser != nil {
		err := o.deps.Limits.UpdateConfig(limits.Update{
			MaxGlobalWorkers:  u.MaxGlobalWorkers,
			MaxWorkersPerRepo: u.MaxWorkersPerRepo,
			MaxWorkersPerUser: u.MaxWorkersPerUser,
		})
		if err != nil {
			return err
		}
	}
	if u.MaxRetryAttempts != nil || u.RetryBaseDelay != nil || u.RetryMaxDelay != nil {
		o.deps.Retry.UpdateConfig(retry.Update{
			MaxRetryAttempts: u.MaxRetryAttempts,
			BaseDelay:        u.RetryBaseDelay,
			MaxDelay:         u.RetryMaxDelay,
		})
	}
	if u.MaxPoolWorkers != nil {
		if err := o.deps.Pool.SetMaxWorkers(*u.MaxPoolWorkers); err != nil {
			return err
		}
	}

	log.Info(log.CatOrch, "scheduler config updated")
	return nil
}

func (o *Orchestrator) interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycleInterval
}

func (o *Orchestrator) autoSpawnEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoSpawn
}
