// Package limits is the admission gate for execution starts. It keeps
// three counters (global, per-repository, per-user) and answers whether
// a work item may start another execution right now. Check and register
// are separate calls; each is atomic under one mutex.
package limits

import (
	"fmt"
	"sync"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// Config carries the three caps.
type Config struct {
	MaxGlobalWorkers  int
	MaxWorkersPerRepo int
	MaxWorkersPerUser int
}

// Update is a partial config change. Nil fields keep their current value.
type Update struct {
	MaxGlobalWorkers  *int
	MaxWorkersPerRepo *int
	MaxWorkersPerUser *int
}

// Decision is the outcome of an admission check. Reason names the
// denying dimension when Allowed is false.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Snapshot reports current counter state for status endpoints.
type Snapshot struct {
	GlobalActive      int            `json:"globalActive"`
	MaxGlobalWorkers  int            `json:"maxGlobalWorkers"`
	ActiveByRepo      map[string]int `json:"activeByRepo"`
	MaxWorkersPerRepo int            `json:"maxWorkersPerRepo"`
	ActiveByUser      map[string]int `json:"activeByUser"`
	MaxWorkersPerUser int            `json:"maxWorkersPerUser"`
}

// Gate tracks live (work item, worker) execution pairs against the caps.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	global int
	byRepo map[string]int
	byUser map[string]int
	// live pair key -> repo/user dimensions charged at start, so that
	// completion releases exactly what start took even if the item's
	// fields changed in between.
	live map[string]pairCharge
}

type pairCharge struct {
	repoID string
	userID string
}

// New creates a gate with the given caps.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:    cfg,
		byRepo: make(map[string]int),
		byUser: make(map[string]int),
		live:   make(map[string]pairCharge),
	}
}

func pairKey(workItemID, workerID string) string {
	return workItemID + ":" + workerID
}

// CanStartExecution reports whether the item may start another execution
// without breaching any cap. It never mutates counters.
func (g *Gate) CanStartExecution(item *domain.WorkItem) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global >= g.cfg.MaxGlobalWorkers {
		return Decision{Reason: fmt.Sprintf(
			"Global worker limit reached (%d/%d)", g.global, g.cfg.MaxGlobalWorkers)}
	}
	if item.RepositoryID != "" && g.byRepo[item.RepositoryID] >= g.cfg.MaxWorkersPerRepo {
		return Decision{Reason: fmt.Sprintf(
			"Per-repository limit reached for %s (%d/%d)",
			item.RepositoryID, g.byRepo[item.RepositoryID], g.cfg.MaxWorkersPerRepo)}
	}
	if item.CreatedBy != "" && g.byUser[item.CreatedBy] >= g.cfg.MaxWorkersPerUser {
		return Decision{Reason: fmt.Sprintf(
			"Per-user limit reached for %s (%d/%d)",
			item.CreatedBy, g.byUser[item.CreatedBy], g.cfg.MaxWorkersPerUser)}
	}
	return Decision{Allowed: true}
}

// RegisterStart charges the counters for one (item, worker) execution.
// A second start for a pair that has not completed is an error.
func (g *Gate) RegisterStart(item *domain.WorkItem, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pairKey(item.ID, workerID)
	if _, exists := g.live[key]; exists {
		return fmt.Errorf("execution already registered for work item %s and worker %s", item.ID, workerID)
	}

	g.live[key] = pairCharge{repoID: item.RepositoryID, userID: item.CreatedBy}
	g.global++
	if item.RepositoryID != "" {
		g.byRepo[item.RepositoryID]++
	}
	if item.CreatedBy != "" {
		g.byUser[item.CreatedBy]++
	}

	log.Debug(log.CatOrch, "execution start registered",
		"workItem", item.ID, "worker", workerID, "global", g.global)
	return nil
}

// RegisterCompletion releases the counters charged by RegisterStart.
// Completing a pair that was never started is a logged no-op.
func (g *Gate) RegisterCompletion(item *domain.WorkItem, workerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pairKey(item.ID, workerID)
	charge, exists := g.live[key]
	if !exists {
		log.Warn(log.CatOrch, "completion for unregistered execution",
			"workItem", item.ID, "worker", workerID)
		return
	}
	delete(g.live, key)

	g.global--
	if charge.repoID != "" {
		g.byRepo[charge.repoID]--
		if g.byRepo[charge.repoID] <= 0 {
			delete(g.byRepo, charge.repoID)
		}
	}
	if charge.userID != "" {
		g.byUser[charge.userID]--
		if g.byUser[charge.userID] <= 0 {
			delete(g.byUser, charge.userID)
		}
	}

	log.Debug(log.CatOrch, "execution completion registered",
		"workItem", item.ID, "worker", workerID, "global", g.global)
}

// Status returns a copy of the current counter state.
func (g *Gate) Status() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	byRepo := make(map[string]int, len(g.byRepo))
	for k, v := range g.byRepo {
		byRepo[k] = v
	}
	byUser := make(map[string]int, len(g.byUser))
	for k, v := range g.byUser {
		byUser[k] = v
	}
	return Snapshot{
		GlobalActive:      g.global,
		MaxGlobalWorkers:  g.cfg.MaxGlobalWorkers,
		ActiveByRepo:      byRepo,
		MaxWorkersPerRepo: g.cfg.MaxWorkersPerRepo,
		ActiveByUser:      byUser,
		MaxWorkersPerUser: g.cfg.MaxWorkersPerUser,
	}
}

// UpdateConfig applies the non-nil fields. Caps must stay at least 1.
// Lowering a cap below the current count is allowed; it only blocks new
// starts until enough executions complete.
func (g *Gate) UpdateConfig(u Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if u.MaxGlobalWorkers != nil && *u.MaxGlobalWorkers < 1 {
		return &domain.ValidationError{Field: "maxGlobalWorkers", Reason: "must be at least 1"}
	}
	if u.MaxWorkersPerRepo != nil && *u.MaxWorkersPerRepo < 1 {
		return &domain.ValidationError{Field: "maxWorkersPerRepo", Reason: "must be at least 1"}
	}
	if u.MaxWorkersPerUser != nil && *u.MaxWorkersPerUser < 1 {
		return &domain.ValidationError{Field: "maxWorkersPerUser", Reason: "must be at least 1"}
	}

	if u.MaxGlobalWorkers != nil {
		g.cfg.MaxGlobalWorkers = *u.MaxGlobalWorkers
	}
	if u.MaxWorkersPerRepo != nil {
		g.cfg.MaxWorkersPerRepo = *u.MaxWorkersPerRepo
	}
	if u.MaxWorkersPerUser != nil {
		g.cfg.MaxWorkersPerUser = *u.MaxWorkersPerUser
	}

	log.Info(log.CatOrch, "limits config updated",
		"global", g.cfg.MaxGlobalWorkers,
		"perRepo", g.cfg.MaxWorkersPerRepo,
		"perUser", g.cfg.MaxWorkersPerUser)
	return nil
}
