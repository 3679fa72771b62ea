package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/domain"
)

const statsCacheKey = "stats"

// recentLimit bounds the recent-activity lists on the dashboard.
const recentLimit = 5

// DashboardStats is the aggregate snapshot behind GET /api/dashboard/stats.
type DashboardStats struct {
	Repositories      RepositoryStats     `json:"repositories"`
	Agents            AgentStats          `json:"agents"`
	WorkItems         WorkItemStats       `json:"workItems"`
	RecentCompletions []*domain.WorkItem  `json:"recentCompletions"`
	RecentExecutions  []*domain.Execution `json:"recentExecutions"`
	GeneratedAt       time.Time           `json:"generatedAt"`
}

// RepositoryStats summarizes registered repositories.
type RepositoryStats struct {
	Total        int            `json:"total"`
	BySyncStatus map[string]int `json:"bySyncStatus"`
}

// AgentStats summarizes the worker fleet.
type AgentStats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	MaxWorkers int            `json:"maxWorkers"`
	ByStatus   map[string]int `json:"byStatus"`
}

// WorkItemStats summarizes the work item backlog.
type WorkItemStats struct {
	Total    int            `json:"total"`
	Blocked  int            `json:"blocked"`
	ByStatus map[string]int `json:"byStatus"`
	ByType   map[string]int `json:"byType"`
}

// getDashboardStats serves the snapshot from a short TTL cache. The
// dashboard polls aggressively; the data does not change that fast.
func (s *Server) getDashboardStats(c *gin.Context) {
	ctx := c.Request.Context()
	if cached, ok := s.stats.Get(ctx, statsCacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	stats, err := s.buildDashboardStats()
	if err != nil {
		respondError(c, err)
		return
	}
	s.stats.Set(ctx, statsCacheKey, stats, s.statsTTL)
	c.JSON(http.StatusOK, stats)
}

func (s *Server) buildDashboardStats() (*DashboardStats, error) {
	stats := &DashboardStats{
		Repositories:      RepositoryStats{BySyncStatus: map[string]int{}},
		RecentCompletions: []*domain.WorkItem{},
		RecentExecutions:  []*domain.Execution{},
		GeneratedAt:       time.Now(),
	}

	if s.deps.Repos != nil {
		repos, err := s.deps.Repos.List()
		if err != nil {
			return nil, err
		}
		stats.Repositories.Total = len(repos)
		for _, r := range repos {
			stats.Repositories.BySyncStatus[string(r.SyncStatus)]++
		}
	}

	snapshot, err := s.deps.Pool.Pool()
	if err != nil {
		return nil, err
	}
	stats.Agents = AgentStats{
		Total:      len(snapshot.Workers),
		Active:     snapshot.Active,
		MaxWorkers: snapshot.MaxWorkers,
		ByStatus:   snapshot.ByStatus,
	}

	items, err := s.deps.Items.List()
	if err != nil {
		return nil, err
	}
	stats.WorkItems = summarizeWorkItems(items)
	stats.RecentCompletions = recentCompletions(items, recentLimit)

	recent, _, err := s.deps.Executions.List(domain.ExecutionFilter{Limit: recentLimit})
	if err != nil {
		return nil, err
	}
	if recent != nil {
		stats.RecentExecutions = recent
	}

	return stats, nil
}

func summarizeWorkItems(items []*domain.WorkItem) WorkItemStats {
	stats := WorkItemStats{
		Total:    len(items),
		ByStatus: map[string]int{},
		ByType:   map[string]int{},
	}

	statusOf := make(map[string]domain.WorkItemStatus, len(items))
	for _, item := range items {
		statusOf[item.ID] = item.Status
	}
	lookup := func(id string) (domain.WorkItemStatus, bool) {
		status, ok := statusOf[id]
		return status, ok
	}

	for _, item := range items {
		stats.ByStatus[string(item.Status)]++
		stats.ByType[string(item.Type)]++
		if item.IsBlocked(lookup) {
			stats.Blocked++
		}
	}
	return stats
}

func recentCompletions(items []*domain.WorkItem, limit int) []*domain.WorkItem {
	done := make([]*domain.WorkItem, 0, limit)
	for _, item := range items {
		if item.Status == domain.StatusDone && item.CompletedAt != nil {
			done = append(done, item)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].CompletedAt.After(*done[j].CompletedAt)
	})
	if len(done) > limit {
		done = done[:limit]
	}
	return done
}
