package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/infrastructure/sqlite"
	"github.com/zjrosen/gaffer/internal/orchestration/assign"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
	"github.com/zjrosen/gaffer/internal/orchestration/limits"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
	"github.com/zjrosen/gaffer/internal/orchestration/progress"
	"github.com/zjrosen/gaffer/internal/orchestration/queue"
	"github.com/zjrosen/gaffer/internal/orchestration/retry"
	"github.com/zjrosen/gaffer/internal/registry"
	"github.com/zjrosen/gaffer/internal/testutil"
)

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func durPtr(v time.Duration) *time.Duration { return &v }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingExecutor captures every request. fn, when set, decides the
// result per call (1-based); otherwise result is returned as-is.
type recordingExecutor struct {
	mu       sync.Mutex
	requests []Request
	result   Result
	fn       func(ctx context.Context, call int, req Request) Result
}

func (e *recordingExecutor) Execute(ctx context.Context, req Request) Result {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	call := len(e.requests)
	fn := e.fn
	res := e.result
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, req)
	}
	return res
}

func (e *recordingExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *recordingExecutor) request(i int) Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[i]
}

type env struct {
	db     *sqlite.DB
	orch   *Orchestrator
	queue  *queue.Manager
	gate   *limits.Gate
	eng    *retry.Engine
	scorer *assign.Scorer
	pool   *pool.WorkerPool
	clock  *fakeClock
}

func newEnv(t *testing.T, db *sqlite.DB, exec Executor, cfg Config, caps limits.Config) *env {
	t.Helper()

	if caps == (limits.Config{}) {
		caps = limits.Config{MaxGlobalWorkers: 5, MaxWorkersPerRepo: 2, MaxWorkersPerUser: 3}
	}

	h := hub.New()
	t.Cleanup(h.Close)
	clk := newFakeClock()

	p := pool.New(db.Workers(), db.Templates(), h, pool.Config{})
	t.Cleanup(p.Close)
	reg := registry.New(db.Templates(), db.Traces())
	scorer := assign.New(db.Workers(), db.Templates(), assign.Config{}, clk)
	gate := limits.New(caps)
	eng := retry.New(retry.Config{}, clk)
	q := queue.NewManager(db.WorkItems())
	tracker := progress.New(db.WorkItems(), h)

	o, err := New(Deps{
		Items:        db.WorkItems(),
		Executions:   db.Executions(),
		Traces:       db.Traces(),
		Repositories: db.Repositories(),
		Queue:        q,
		Assign:       scorer,
		Pool:         p,
		Limits:       gate,
		Retry:        eng,
		Progress:     tracker,
		Registry:     reg,
		Executor:     exec,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	return &env{db: db, orch: o, queue: q, gate: gate, eng: eng, scorer: scorer, pool: p, clock: clk}
}

// cycle runs one pass and waits for every launched execution to finish
// its completion handling.
func (e *env) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, e.orch.ForceCycle(context.Background()))
	e.orch.execWg.Wait()
}

func (e *env) itemStatus(t *testing.T, id string) domain.WorkItemStatus {
	t.Helper()
	item, err := e.db.WorkItems().Get(id)
	require.NoError(t, err)
	return item.Status
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Items is required")
}

func TestCycle_DispatchesReadyItem(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "Fix the login flow").
		WithWorker("w-1", "tpl-1").
		Build()

	exec := &recordingExecutor{result: Result{
		TokensUsed: 1000, CostUSD: 0.05, ToolCallsCount: 5, Output: "patched login handler",
	}}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	type completion struct {
		itemID string
		status domain.ExecutionStatus
	}
	var completed []completion
	var mu sync.Mutex
	e.orch.RegisterPostExecutionHook("capture", func(item *domain.WorkItem, w *domain.Worker, ex *domain.Execution) {
		mu.Lock()
		completed = append(completed, completion{item.ID, ex.Status})
		mu.Unlock()
	})

	e.cycle(t)

	require.Equal(t, 1, exec.calls())
	req := exec.request(0)
	require.Equal(t, "session-w-1", req.SessionID)
	require.Contains(t, req.Prompt, "You are a coding agent.")
	require.Contains(t, req.Prompt, "**implementer**")
	require.Contains(t, req.Prompt, "## Fix the login flow")
	require.Contains(t, req.Prompt, "- ID: wi-1")

	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-1"))

	execs, err := db.Executions().ListByWorkItem("wi-1")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, domain.ExecutionSuccess, execs[0].Status)
	require.Equal(t, int64(1000), execs[0].TokensUsed)
	require.InDelta(t, 0.05, execs[0].CostUSD, 1e-9)
	require.Equal(t, 5, execs[0].ToolCallsCount)
	require.Equal(t, "patched login handler", execs[0].Output)
	require.NotNil(t, execs[0].CompletedAt)

	w, err := db.Workers().Get("w-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, w.Status)
	require.Equal(t, int64(1000), w.TokensUsed)

	require.Equal(t, 0, e.gate.Status().GlobalActive)
	mu.Lock()
	require.Equal(t, []completion{{"wi-1", domain.ExecutionSuccess}}, completed)
	mu.Unlock()

	st := e.orch.Status()
	require.Equal(t, int64(1), st.CycleCount)
	require.NotNil(t, st.LastCycleAt)
}

func TestCycle_PersistsForkedSession(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "Fix the login flow").
		WithWorker("w-1", "tpl-1").
		Build()

	// Resuming a session forks it under a new id; the worker record
	// must follow so the next execution resumes the right conversation.
	exec := &recordingExecutor{result: Result{SessionID: "sess-forked", Output: "ok"}}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	e.cycle(t)

	require.Equal(t, "session-w-1", exec.request(0).SessionID)
	w, err := db.Workers().Get("w-1")
	require.NoError(t, err)
	require.Equal(t, "sess-forked", w.SessionID)
}

func TestCycle_BlockedItemWaitsForBlocker(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-a", "schema migration").
		WithWorkItem("wi-b", "api handler", testutil.ItemBlockedBy("wi-a")).
		WithWorker("w-1", "tpl-1").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	e.cycle(t)
	require.Equal(t, 1, exec.calls())
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-a"))
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-b"))

	// A blocker in review is not terminal yet.
	e.cycle(t)
	require.Equal(t, 1, exec.calls())

	item, err := db.WorkItems().Get("wi-a")
	require.NoError(t, err)
	require.NoError(t, item.TransitionTo(domain.StatusDone))
	require.NoError(t, db.WorkItems().Update(item))

	e.cycle(t)
	require.Equal(t, 2, exec.calls())
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-b"))
}

func TestCycle_DispatchOrderFollowsPriority(t *testing.T) {
	db := testutil.NewTestDB(t)
	base := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-feat", "new endpoint", testutil.ItemCreatedAt(base)).
		WithWorkItem("wi-bug", "panic on login", testutil.ItemType(domain.TypeBug), testutil.ItemCreatedAt(base.Add(time.Hour))).
		WithWorker("w-1", "tpl-1").
		WithWorker("w-2", "tpl-1").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	var order []string
	var mu sync.Mutex
	e.orch.RegisterPreExecutionHook("order", func(item *domain.WorkItem, w *domain.Worker) bool {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		return true
	})

	e.cycle(t)

	mu.Lock()
	require.Equal(t, []string{"wi-bug", "wi-feat"}, order, "bugs outrank features regardless of age")
	mu.Unlock()
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-bug"))
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-feat"))
}

func TestCycle_RepoLimitRequeuesWithPenalty(t *testing.T) {
	db := testutil.NewTestDB(t)
	base := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	testutil.NewBuilder(t, db).
		WithRepository("repo-1", "backend").
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "first", testutil.ItemRepository("repo-1"), testutil.ItemCreatedAt(base)).
		WithWorkItem("wi-2", "second", testutil.ItemRepository("repo-1"), testutil.ItemCreatedAt(base.Add(time.Minute))).
		WithWorker("w-1", "tpl-1").
		WithWorker("w-2", "tpl-1").
		Build()

	release := make(chan struct{})
	exec := &recordingExecutor{fn: func(ctx context.Context, call int, req Request) Result {
		if call == 1 {
			<-release
		}
		return Result{TokensUsed: 100}
	}}
	e := newEnv(t, db, exec, Config{}, limits.Config{
		MaxGlobalWorkers: 5, MaxWorkersPerRepo: 1, MaxWorkersPerUser: 3,
	})

	require.NoError(t, e.orch.ForceCycle(context.Background()))

	require.Equal(t, domain.StatusInProgress, e.itemStatus(t, "wi-1"))
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-2"))

	queued := e.queue.Items()
	require.Len(t, queued, 1)
	require.Equal(t, "wi-2", queued[0].Item.ID)
	require.Equal(t, 1, queued[0].RetryCount, "a denied dispatch sinks in priority")
	require.Contains(t, queued[0].LastError, "Per-repository limit reached for repo-1")

	close(release)
	e.orch.execWg.Wait()
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-1"))
	require.Equal(t, 1, e.scorer.FamiliarityCount("w-1", "repo-1"))

	e.cycle(t)
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-2"))
	require.Equal(t, 0, e.gate.Status().GlobalActive)
}

func TestCycle_FailuresRetryThenEscalate(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "flaky deploy").
		Build()

	exec := &recordingExecutor{result: Result{Err: "connection timeout"}}
	e := newEnv(t, db, exec, Config{AutoSpawnWorkers: true}, limits.Config{})

	type escalation struct {
		itemID string
		cat    retry.Category
	}
	var mu sync.Mutex
	var failures int
	var escalations []escalation
	e.orch.RegisterErrorHook("count", func(item *domain.WorkItem, workerID, errMsg string) {
		mu.Lock()
		failures++
		mu.Unlock()
	})
	e.eng.RegisterEscalationHook("capture", func(workItemID, workerID, reason string, cat retry.Category) {
		mu.Lock()
		escalations = append(escalations, escalation{workItemID, cat})
		mu.Unlock()
	})

	e.cycle(t)
	require.Equal(t, 1, exec.calls())
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-1"))
	require.Equal(t, 1, e.eng.PendingRetries())

	// Not due yet: the item is parked while its backoff runs.
	e.cycle(t)
	require.Equal(t, 1, exec.calls())

	e.clock.Advance(2 * time.Second)
	e.cycle(t)
	require.Equal(t, 2, exec.calls())

	e.clock.Advance(3 * time.Second)
	e.cycle(t)
	require.Equal(t, 3, exec.calls())

	e.clock.Advance(6 * time.Second)
	e.cycle(t)
	require.Equal(t, 4, exec.calls(), "three retries after the first failure, then stop")

	require.True(t, e.eng.IsEscalated("wi-1"))
	require.Equal(t, 0, e.eng.PendingRetries())
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-1"))

	records, total := e.eng.History("wi-1")
	require.Equal(t, 4, total)
	require.Len(t, records, 4)
	mu.Lock()
	require.Equal(t, 4, failures)
	require.Equal(t, []escalation{{"wi-1", retry.CategoryTransient}}, escalations)
	mu.Unlock()

	// Escalated items stay parked even though they are still ready.
	e.cycle(t)
	require.Equal(t, 4, exec.calls())

	workers, err := db.Workers().List()
	require.NoError(t, err)
	require.Len(t, workers, 4, "each attempt auto-spawned a fresh worker")
	for _, w := range workers {
		require.Equal(t, domain.WorkerError, w.Status)
		require.Equal(t, "connection timeout", w.LastError)
	}

	execs, err := db.Executions().ListByWorkItem("wi-1")
	require.NoError(t, err)
	require.Len(t, execs, 4)
	for _, ex := range execs {
		require.Equal(t, domain.ExecutionError, ex.Status)
		require.Equal(t, "connection timeout", ex.ErrorMessage)
	}

	require.Equal(t, 0, e.gate.Status().GlobalActive)
}

func TestCycle_ValidationFailureReleasesWorker(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "bad input").
		WithWorker("w-1", "tpl-1").
		Build()

	exec := &recordingExecutor{result: Result{Err: "invalid request: missing required field"}}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	e.cycle(t)

	require.Equal(t, 1, exec.calls())
	require.True(t, e.eng.IsEscalated("wi-1"), "validation failures never retry")
	require.Equal(t, 0, e.eng.PendingRetries())

	// The worker is not at fault and goes back to idle.
	w, err := db.Workers().Get("w-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, w.Status)
	require.Zero(t, w.ErrorCount)

	e.cycle(t)
	require.Equal(t, 1, exec.calls())
}

func TestStop_CancelsInflightExecutions(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "long run").
		WithWorker("w-1", "tpl-1").
		Build()

	exec := &recordingExecutor{fn: func(ctx context.Context, call int, req Request) Result {
		<-ctx.Done()
		return Result{Err: "interrupted"}
	}}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	require.NoError(t, e.orch.ForceCycle(context.Background()))
	require.Equal(t, domain.StatusInProgress, e.itemStatus(t, "wi-1"))
	require.Equal(t, 1, e.gate.Status().GlobalActive)
	require.Equal(t, 1, e.orch.Status().ActiveExecutions)

	e.orch.Stop()

	execs, err := db.Executions().ListByWorkItem("wi-1")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, domain.ExecutionCancelled, execs[0].Status)

	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-1"))
	require.Equal(t, 0, e.gate.Status().GlobalActive)

	w, err := db.Workers().Get("w-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, w.Status)

	// Cancellation is not a failure: no retry penalty accrues.
	require.NoError(t, e.queue.RefreshQueue(context.Background()))
	queued := e.queue.Items()
	require.Len(t, queued, 1)
	require.Zero(t, queued[0].RetryCount)
}

func TestPreExecutionHook_VetoRequeues(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "held back").
		WithWorker("w-1", "tpl-1").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})
	e.orch.RegisterPreExecutionHook("gate", func(item *domain.WorkItem, w *domain.Worker) bool {
		return false
	})

	e.cycle(t)

	require.Zero(t, exec.calls())
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-1"))

	execs, err := db.Executions().ListByWorkItem("wi-1")
	require.NoError(t, err)
	require.Empty(t, execs)

	queued := e.queue.Items()
	require.Len(t, queued, 1)
	require.Equal(t, 1, queued[0].RetryCount)
	require.Contains(t, queued[0].LastError, "vetoed")

	w, err := db.Workers().Get("w-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, w.Status)

	// Lifting the veto lets the next cycle dispatch.
	e.orch.UnregisterPreExecutionHook("gate")
	e.cycle(t)
	require.Equal(t, 1, exec.calls())
}

func TestAutoSpawn_CreatesWorkerWhenNoneFit(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "unstaffed").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{AutoSpawnWorkers: true}, limits.Config{})

	e.cycle(t)

	require.Equal(t, 1, exec.calls())
	require.Equal(t, domain.StatusReview, e.itemStatus(t, "wi-1"))

	workers, err := db.Workers().List()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "tpl-1", workers[0].TemplateID)
	require.Equal(t, domain.WorkerIdle, workers[0].Status)
}

func TestAutoSpawn_DisabledLeavesItemQueued(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorkItem("wi-1", "unstaffed").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{AutoSpawnWorkers: false}, limits.Config{})

	e.cycle(t)

	require.Zero(t, exec.calls())
	require.Equal(t, domain.StatusReady, e.itemStatus(t, "wi-1"))

	workers, err := db.Workers().List()
	require.NoError(t, err)
	require.Empty(t, workers)

	queued := e.queue.Items()
	require.Len(t, queued, 1)
	require.Contains(t, queued[0].LastError, "no available worker")
}

func TestAutoSpawn_SkipsTemplatesWithoutCapability(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-bugs", "bug-only", testutil.TemplateTypes("bug")).
		WithWorkItem("wi-1", "a feature").
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{AutoSpawnWorkers: true}, limits.Config{})

	e.cycle(t)

	require.Zero(t, exec.calls())
	workers, err := db.Workers().List()
	require.NoError(t, err)
	require.Empty(t, workers)
}

func TestStartStop_TickerDrivesCycles(t *testing.T) {
	db := testutil.NewTestDB(t)
	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{CycleInterval: 20 * time.Millisecond}, limits.Config{})

	require.NoError(t, e.orch.Start(context.Background()))
	require.ErrorIs(t, e.orch.Start(context.Background()), ErrAlreadyStarted)
	require.True(t, e.orch.Status().Running)

	require.Eventually(t, func() bool {
		return e.orch.Status().CycleCount >= 2
	}, 2*time.Second, 10*time.Millisecond)

	e.orch.Stop()
	require.False(t, e.orch.Status().Running)
}

func TestForceCycle_CancelledContext(t *testing.T) {
	db := testutil.NewTestDB(t)
	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.orch.ForceCycle(ctx), context.Canceled)
}

func TestStatus_ReportsWorkerAndLimitState(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithTemplate("tpl-1", "implementer").
		WithWorker("w-1", "tpl-1").
		WithWorker("w-2", "tpl-1", testutil.WorkerState(domain.WorkerPaused)).
		Build()

	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	st := e.orch.Status()
	require.False(t, st.Running)
	require.Zero(t, st.CycleCount)
	require.Nil(t, st.LastCycleAt)
	require.Equal(t, 1, st.Workers["idle"])
	require.Equal(t, 1, st.Workers["paused"])
	require.Equal(t, 5, st.Limits.MaxGlobalWorkers)
	require.Zero(t, st.ActiveExecutions)
}

func TestUpdateConfig_RoutesToSubServices(t *testing.T) {
	db := testutil.NewTestDB(t)
	exec := &recordingExecutor{}
	e := newEnv(t, db, exec, Config{}, limits.Config{})

	err := e.orch.UpdateConfig(Update{CycleInterval: durPtr(-time.Second)})
	require.True(t, domain.IsValidation(err))

	require.NoError(t, e.orch.UpdateConfig(Update{
		CycleInterval:    durPtr(50 * time.Millisecond),
		AutoSpawnWorkers: boolPtr(true),
		MaxGlobalWorkers: intPtr(9),
		MaxRetryAttempts: intPtr(5),
		MaxPoolWorkers:   intPtr(4),
	}))

	require.Equal(t, 50*time.Millisecond, e.orch.interval())
	require.True(t, e.orch.autoSpawnEnabled())
	require.Equal(t, 9, e.orch.Status().Limits.MaxGlobalWorkers)
	require.Equal(t, 4, e.pool.MaxWorkers())
	require.True(t, e.eng.ShouldRetry(retry.CategoryTransient, 4))
	require.False(t, e.eng.ShouldRetry(retry.CategoryTransient, 5))

	err = e.orch.UpdateConfig(Update{MaxPoolWorkers: intPtr(0)})
	require.True(t, domain.IsValidation(err))
}
