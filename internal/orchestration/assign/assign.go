// Package assign picks the best idle worker for a work item. Candidates
// are filtered by template capability, then ranked by a weighted sum over
// role fit, repository familiarity, remaining cost budget, error rate,
// and completion recency.
package assign

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/cachemanager"
	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// familiaritySaturation is the completed-task count at which the
// familiarity signal reaches 1.0.
const familiaritySaturation = 50

const templateCacheTTL = 5 * time.Minute

// Clock abstracts time for the recency signal.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Weights scales each scoring signal. Signals are normalized to [0,1]
// before weighting.
type Weights struct {
	RoleMatch       float64
	RepoFamiliarity float64
	WorkloadInverse float64
	LowErrorRate    float64
	Recency         float64
}

// DefaultWeights returns the stock signal weights.
func DefaultWeights() Weights {
	return Weights{
		RoleMatch:       0.8,
		RepoFamiliarity: 0.7,
		WorkloadInverse: 1.0,
		LowErrorRate:    0.6,
		Recency:         0.3,
	}
}

// Config tunes the scorer. Zero values fall back to defaults.
type Config struct {
	Weights Weights

	// CostBudgetUSD normalizes the workload signal: a worker at or past
	// this spend scores zero on workload.
	CostBudgetUSD float64

	// RecencyHalfLife is the time after a completion at which the
	// recency signal has decayed to 0.5.
	RecencyHalfLife time.Duration
}

// Scorer ranks idle workers for assignment. Familiarity counters and
// completion times are in-memory views; Rebuild reconstructs them from
// the execution history after a restart.
type Scorer struct {
	workers   domain.WorkerRepository
	templates domain.TemplateRepository
	cfg       Config
	clock     Clock

	cache cachemanager.CacheManager[string, *domain.Template]

	mu             sync.Mutex
	familiarity    map[string]map[string]int // workerID -> repoID -> completed
	lastCompletion map[string]time.Time
}

// New creates a scorer over the worker and template repositories. A nil
// clock selects the system clock.
func New(workers domain.WorkerRepository, templates domain.TemplateRepository, cfg Config, clock Clock) *Scorer {
	if (cfg.Weights == Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.CostBudgetUSD <= 0 {
		cfg.CostBudgetUSD = 10.0
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 30 * time.Minute
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Scorer{
		workers:   workers,
		templates: templates,
		cfg:       cfg,
		clock:     clock,
		cache: cachemanager.NewInMemoryCacheManager[string, *domain.Template](
			"assign-templates", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval,
		),
		familiarity:    make(map[string]map[string]int),
		lastCompletion: make(map[string]time.Time),
	}
}

// FindBestWorker returns the highest-scoring idle worker whose template
// accepts the item's type, or nil when no idle worker qualifies. Ties
// break toward the lexically smaller worker id.
func (s *Scorer) FindBestWorker(ctx context.Context, item *domain.WorkItem, role domain.Role) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idle, err := s.workers.ListByStatus(domain.WorkerIdle)
	if err != nil {
		return nil, err
	}

	var best *domain.Worker
	var bestScore float64
	for _, w := range idle {
		tpl, err := s.template(ctx, w.TemplateID)
		if err != nil {
			if domain.IsNotFound(err) {
				log.Warn(log.CatAssign, "worker references missing template",
					"workerId", w.ID, "templateId", w.TemplateID)
				continue
			}
			return nil, err
		}
		if !tpl.AllowsWorkItemType(item.Type) {
			continue
		}

		score := s.score(w, tpl, item, role)
		if best == nil || score > bestScore || (score == bestScore && w.ID < best.ID) {
			best, bestScore = w, score
		}
	}

	if best != nil {
		log.Debug(log.CatAssign, "selected worker",
			"workerId", best.ID, "workItemId", item.ID, "role", string(role), "score", bestScore)
	}
	return best, nil
}

func (s *Scorer) score(w *domain.Worker, tpl *domain.Template, item *domain.WorkItem, role domain.Role) float64 {
	var roleMatch float64
	if tpl.DefaultRole == role {
		roleMatch = 1
	}

	workload := clamp01(1 - w.CostUSD/s.cfg.CostBudgetUSD)

	lowError := 1.0
	if w.ToolCallsCount > 0 {
		lowError = clamp01(1 - float64(w.ErrorCount)/float64(w.ToolCallsCount))
	}

	wt := s.cfg.Weights
	return wt.RoleMatch*roleMatch +
		wt.RepoFamiliarity*s.familiarityScore(w.ID, item.RepositoryID) +
		wt.WorkloadInverse*workload +
		wt.LowErrorRate*lowError +
		wt.Recency*s.recencyScore(w.ID)
}

// familiarityScore maps the completed-task count for (worker, repo) onto
// [0,1] with a log curve saturating at familiaritySaturation.
func (s *Scorer) familiarityScore(workerID, repoID string) float64 {
	if repoID == "" {
		return 0
	}
	s.mu.Lock()
	n := s.familiarity[workerID][repoID]
	s.mu.Unlock()
	if n == 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(n))/math.Log1p(familiaritySaturation))
}

// recencyScore halves for every RecencyHalfLife elapsed since the
// worker's last completion. Workers with no completion score zero.
func (s *Scorer) recencyScore(workerID string) float64 {
	s.mu.Lock()
	last, ok := s.lastCompletion[workerID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	elapsed := s.clock.Now().Sub(last)
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Exp2(-float64(elapsed) / float64(s.cfg.RecencyHalfLife))
}

// RecordRepoExperience increments the worker's familiarity counter for a
// repository. Items without a repository do not accrue familiarity.
func (s *Scorer) RecordRepoExperience(workerID, repoID string) {
	if workerID == "" || repoID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byRepo, ok := s.familiarity[workerID]
	if !ok {
		byRepo = make(map[string]int)
		s.familiarity[workerID] = byRepo
	}
	byRepo[repoID]++
}

// RecordCompletion stamps the worker's last completion time for the
// recency signal.
func (s *Scorer) RecordCompletion(workerID string) {
	if workerID == "" {
		return
	}
	s.mu.Lock()
	s.lastCompletion[workerID] = s.clock.Now()
	s.mu.Unlock()
}

// FamiliarityCount returns the completed-task count for (worker, repo).
func (s *Scorer) FamiliarityCount(workerID, repoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.familiarity[workerID][repoID]
}

// InvalidateTemplates drops the template cache. Wire this to the
// registry's OnWrite hook so template edits take effect immediately.
func (s *Scorer) InvalidateTemplates() {
	_ = s.cache.Flush(context.Background())
}

// Rebuild reconstructs familiarity counters and completion times by
// replaying successful executions. Call once at startup; counters accrue
// in memory afterwards.
func (s *Scorer) Rebuild(ctx context.Context, executions domain.ExecutionRepository, items domain.WorkItemRepository) error {
	const pageSize = 200

	replayed := 0
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, _, err := executions.List(domain.ExecutionFilter{
			Status: domain.ExecutionSuccess,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, ex := range page {
			s.replayExecution(ex, items)
			replayed++
		}
		if len(page) < pageSize {
			break
		}
	}

	log.Debug(log.CatAssign, "rebuilt assignment counters", "executions", replayed)
	return nil
}

func (s *Scorer) replayExecution(ex *domain.Execution, items domain.WorkItemRepository) {
	if ex.CompletedAt != nil {
		s.mu.Lock()
		if ex.CompletedAt.After(s.lastCompletion[ex.WorkerID]) {
			s.lastCompletion[ex.WorkerID] = *ex.CompletedAt
		}
		s.mu.Unlock()
	}

	item, err := items.Get(ex.WorkItemID)
	if err != nil {
		// The item may have been deleted since; familiarity for it is gone.
		if !domain.IsNotFound(err) {
			log.ErrorErr(log.CatAssign, "replay: work item lookup failed", err, "workItemId", ex.WorkItemID)
		}
		return
	}
	s.RecordRepoExperience(ex.WorkerID, item.RepositoryID)
}

func (s *Scorer) template(ctx context.Context, id string) (*domain.Template, error) {
	if tpl, ok := s.cache.Get(ctx, id); ok {
		return tpl, nil
	}
	tpl, err := s.templates.Get(id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, id, tpl, templateCacheTTL)
	return tpl, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
