// Package pool manages the worker fleet: spawning workers from
// templates, enforcing lifecycle transitions, accumulating resource
// usage, and capturing per-worker log output. Worker state lives in the
// repository; the pool is the only writer and checks the status rules
// before every write.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
	"github.com/zjrosen/gaffer/internal/pubsub"
)

// DefaultMaxWorkers caps the fleet when the config does not say otherwise.
const DefaultMaxWorkers = 10

// DefaultLogCapacity is the number of log lines retained per worker.
const DefaultLogCapacity = 500

// ErrAtCapacity is returned when spawning would exceed the worker cap.
var ErrAtCapacity = errors.New("worker pool at capacity")

// Config holds pool settings. Zero values fall back to defaults.
type Config struct {
	MaxWorkers         int
	ContextWindowLimit int64
	LogCapacity        int
}

// StateChange is the payload of agent:state_changed events.
type StateChange struct {
	WorkerID string              `json:"workerId"`
	From     domain.WorkerStatus `json:"from"`
	To       domain.WorkerStatus `json:"to"`
	Worker   *domain.Worker      `json:"worker"`
}

// Snapshot summarizes the fleet.
type Snapshot struct {
	MaxWorkers int              `json:"maxWorkers"`
	Active     int              `json:"active"`
	ByStatus   map[string]int   `json:"byStatus"`
	Workers    []*domain.Worker `json:"workers"`
}

// WorkerPool coordinates worker lifecycle against the repository. The
// mutex serializes read-modify-write cycles so concurrent callers cannot
// clobber counters or race the spawn cap.
type WorkerPool struct {
	workers   domain.WorkerRepository
	templates domain.TemplateRepository
	hub       *hub.Hub

	mu                 sync.Mutex
	maxWorkers         int
	contextWindowLimit int64
	logCapacity        int
	logs               map[string]*LogBuffer

	logFeed *pubsub.Broker[LogLine]
}

// New creates a pool over the given repositories. hub may be nil; events
// are then dropped.
func New(workers domain.WorkerRepository, templates domain.TemplateRepository, h *hub.Hub, cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ContextWindowLimit <= 0 {
		cfg.ContextWindowLimit = domain.DefaultContextWindowLimit
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	return &WorkerPool{
		workers:            workers,
		templates:          templates,
		hub:                h,
		maxWorkers:         cfg.MaxWorkers,
		contextWindowLimit: cfg.ContextWindowLimit,
		logCapacity:        cfg.LogCapacity,
		logs:               make(map[string]*LogBuffer),
		logFeed:            pubsub.NewBroker[LogLine](),
	}
}

// Spawn creates an idle worker from the template. An empty sessionID is
// replaced with a fresh one. Returns ErrAtCapacity when the fleet is at
// its cap; paused, errored, and terminated workers do not occupy slots.
func (p *WorkerPool) Spawn(templateID, sessionID string) (*domain.Worker, error) {
	tpl, err := p.templates.Get(templateID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	p.mu.Lock()
	active, err := p.activeCountLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if active >= p.maxWorkers {
		p.mu.Unlock()
		return nil, ErrAtCapacity
	}

	w := &domain.Worker{
		ID:                 uuid.NewString(),
		TemplateID:         tpl.ID,
		SessionID:          sessionID,
		Status:             domain.WorkerIdle,
		ContextWindowLimit: p.contextWindowLimit,
		SpawnedAt:          time.Now(),
	}
	if err := p.workers.Create(w); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.logs[w.ID] = NewLogBuffer(p.logCapacity)
	p.mu.Unlock()

	log.Info(log.CatPool, "spawned worker",
		"workerId", w.ID, "templateId", tpl.ID, "template", tpl.Name)
	if p.hub != nil {
		p.hub.Publish(hub.NewEvent(hub.EventAgentSpawned, w), hub.AgentChannel(w.ID))
	}
	return w, nil
}

// Terminate retires the worker: the current assignment is cleared and
// the status moves to terminated. Terminating an already-terminated
// worker is a no-op.
func (p *WorkerPool) Terminate(id string) error {
	p.mu.Lock()
	w, err := p.workers.Get(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if w.Status == domain.WorkerTerminated {
		p.mu.Unlock()
		return nil
	}
	from := w.Status
	w.Status = domain.WorkerTerminated
	w.CurrentWorkItemID = ""
	w.CurrentRole = ""
	now := time.Now()
	w.TerminatedAt = &now
	err = p.workers.Update(w)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info(log.CatPool, "terminated worker", "workerId", id, "from", string(from))
	p.emitStateChange(from, w)
	return nil
}

// Pause suspends a working worker. The assignment is kept so Resume can
// restore it.
func (p *WorkerPool) Pause(id string) error {
	return p.transition(id, "pause", func(w *domain.Worker) error {
		if w.Status != domain.WorkerWorking {
			return &domain.WorkerStateError{WorkerID: id, Status: w.Status, Op: "pause"}
		}
		w.Status = domain.WorkerPaused
		return nil
	})
}

// Resume wakes a paused worker: back to working when it still holds an
// assignment, otherwise to idle.
func (p *WorkerPool) Resume(id string) error {
	return p.transition(id, "resume", func(w *domain.Worker) error {
		if w.Status != domain.WorkerPaused {
			return &domain.WorkerStateError{WorkerID: id, Status: w.Status, Op: "resume"}
		}
		if w.HasAssignment() {
			w.Status = domain.WorkerWorking
		} else {
			w.Status = domain.WorkerIdle
		}
		return nil
	})
}

// AssignWork hands a work item to an idle worker and moves it to
// working. Non-idle workers are rejected.
func (p *WorkerPool) AssignWork(workerID, workItemID string, role domain.Role) error {
	return p.transition(workerID, "assign", func(w *domain.Worker) error {
		if !w.CanAcceptWork() {
			return &domain.WorkerStateError{WorkerID: workerID, Status: w.Status, Op: "assign work to"}
		}
		w.Status = domain.WorkerWorking
		w.CurrentWorkItemID = workItemID
		w.CurrentRole = role
		return nil
	})
}

// CompleteWork clears the worker's assignment and returns it to idle.
// Only working workers complete; a worker that errored mid-execution
// stays errored.
func (p *WorkerPool) CompleteWork(workerID string) error {
	return p.transition(workerID, "complete", func(w *domain.Worker) error {
		if w.Status != domain.WorkerWorking {
			return &domain.WorkerStateError{WorkerID: workerID, Status: w.Status, Op: "complete work for"}
		}
		w.Status = domain.WorkerIdle
		w.CurrentWorkItemID = ""
		w.CurrentRole = ""
		return nil
	})
}

// ReportError moves the worker to the error state and bumps its error
// count. Terminated workers are final and cannot take errors.
func (p *WorkerPool) ReportError(workerID, msg string) error {
	return p.transition(workerID, "fail", func(w *domain.Worker) error {
		if w.Status == domain.WorkerTerminated {
			return &domain.WorkerStateError{WorkerID: workerID, Status: w.Status, Op: "fail"}
		}
		w.Status = domain.WorkerError
		w.ErrorCount++
		w.LastError = msg
		return nil
	})
}

// UpdateMetrics accumulates usage deltas onto the worker. When the
// context window budget is exhausted the worker moves to the error
// state. Returns the updated worker.
func (p *WorkerPool) UpdateMetrics(workerID string, delta domain.WorkerMetricsDelta) (*domain.Worker, error) {
	p.mu.Lock()
	w, err := p.workers.Get(workerID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	from := w.Status
	w.TokensUsed += delta.TokensUsed
	w.CostUSD += delta.CostUSD
	w.ToolCallsCount += delta.ToolCalls
	w.ContextWindowUsed += delta.ContextWindowUsed

	exhausted := w.ContextExhausted() &&
		from != domain.WorkerError && from != domain.WorkerTerminated
	if exhausted {
		w.Status = domain.WorkerError
		w.ErrorCount++
		w.LastError = fmt.Sprintf("context window exhausted: %d/%d tokens used",
			w.ContextWindowUsed, w.ContextWindowLimit)
	}

	err = p.workers.Update(w)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if p.hub != nil {
		p.hub.Publish(hub.NewEvent(hub.EventMetricsUpdated, w), hub.AgentChannel(w.ID))
	}
	if exhausted {
		log.Warn(log.CatPool, "worker exhausted context window",
			"workerId", workerID, "used", w.ContextWindowUsed, "limit", w.ContextWindowLimit)
		p.emitStateChange(from, w)
	}
	return w, nil
}

// SetSession records the worker's current agent session. Executors
// report the session id they actually ran under, which diverges from
// the stored one when the agent forks a resumed conversation or starts
// fresh after a failed resume.
func (p *WorkerPool) SetSession(workerID, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	p.mu.Lock()
	w, err := p.workers.Get(workerID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if w.SessionID == sessionID {
		p.mu.Unlock()
		return nil
	}
	w.SessionID = sessionID
	err = p.workers.Update(w)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	log.Debug(log.CatPool, "worker session updated",
		"workerId", workerID, "sessionId", sessionID)
	return nil
}

// transition runs a guarded read-modify-write on one worker and emits a
// state-change event when the status moved.
func (p *WorkerPool) transition(id, op string, mutate func(w *domain.Worker) error) error {
	p.mu.Lock()
	w, err := p.workers.Get(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	from := w.Status
	if err := mutate(w); err != nil {
		p.mu.Unlock()
		return err
	}
	err = p.workers.Update(w)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	log.Debug(log.CatPool, "worker transition",
		"workerId", id, "op", op, "from", string(from), "to", string(w.Status))
	if w.Status != from {
		p.emitStateChange(from, w)
	}
	return nil
}

func (p *WorkerPool) emitStateChange(from domain.WorkerStatus, w *domain.Worker) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(
		hub.NewEvent(hub.EventAgentStateChanged, StateChange{
			WorkerID: w.ID,
			From:     from,
			To:       w.Status,
			Worker:   w,
		}),
		hub.AgentChannel(w.ID),
	)
}

// Pool returns a point-in-time summary of the fleet.
func (p *WorkerPool) Pool() (*Snapshot, error) {
	all, err := p.workers.List()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		MaxWorkers: p.MaxWorkers(),
		ByStatus:   make(map[string]int),
		Workers:    all,
	}
	for _, w := range all {
		snap.ByStatus[string(w.Status)]++
		if w.Status.CountsAgainstCap() {
			snap.Active++
		}
	}
	return snap, nil
}

// AvailableWorkers returns the idle workers.
func (p *WorkerPool) AvailableWorkers() ([]*domain.Worker, error) {
	return p.workers.ListByStatus(domain.WorkerIdle)
}

// WorkersByTemplate returns every worker spawned from the template.
func (p *WorkerPool) WorkersByTemplate(templateID string) ([]*domain.Worker, error) {
	return p.workers.ListByTemplate(templateID)
}

// CanSpawnMore reports whether the fleet is below its cap.
func (p *WorkerPool) CanSpawnMore() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active, err := p.activeCountLocked()
	if err != nil {
		return false, err
	}
	return active < p.maxWorkers, nil
}

// MaxWorkers returns the current fleet cap.
func (p *WorkerPool) MaxWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWorkers
}

// SetMaxWorkers adjusts the fleet cap. Lowering it never terminates
// workers; it only blocks new spawns until attrition catches up.
func (p *WorkerPool) SetMaxWorkers(n int) error {
	if n < 1 {
		return &domain.ValidationError{Field: "maxWorkers", Reason: "must be at least 1"}
	}
	p.mu.Lock()
	p.maxWorkers = n
	p.mu.Unlock()
	log.Info(log.CatPool, "updated worker cap", "maxWorkers", n)
	return nil
}

// Caller holds p.mu.
func (p *WorkerPool) activeCountLocked() (int, error) {
	all, err := p.workers.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range all {
		if w.Status.CountsAgainstCap() {
			n++
		}
	}
	return n, nil
}

// AppendLog records one output line for the worker and feeds live
// followers. Buffers are created lazily so workers loaded from an
// existing database still capture logs.
func (p *WorkerPool) AppendLog(workerID, line string) {
	p.mu.Lock()
	buf, ok := p.logs[workerID]
	if !ok {
		buf = NewLogBuffer(p.logCapacity)
		p.logs[workerID] = buf
	}
	p.mu.Unlock()

	entry := LogLine{WorkerID: workerID, Line: line, At: time.Now()}
	buf.Write(entry)
	p.logFeed.Publish(pubsub.CreatedEvent, entry)
}

// Logs returns up to n recent log lines for the worker, oldest first.
// n <= 0 returns the whole buffer.
func (p *WorkerPool) Logs(workerID string, n int) []LogLine {
	p.mu.Lock()
	buf, ok := p.logs[workerID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if n <= 0 {
		return buf.Lines()
	}
	return buf.LastN(n)
}

// LogFeed exposes the live log stream. Subscribers receive every line
// appended after they subscribe; filter by LogLine.WorkerID.
func (p *WorkerPool) LogFeed() pubsub.Subscriber[LogLine] {
	return p.logFeed
}

// Close shuts the live log feed down.
func (p *WorkerPool) Close() {
	p.logFeed.Close()
}
