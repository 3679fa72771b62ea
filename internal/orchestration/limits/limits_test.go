package limits

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/gaffer/internal/domain"
)

func intPtr(v int) *int { return &v }

func item(id, repo, user string) *domain.WorkItem {
	return &domain.WorkItem{ID: id, RepositoryID: repo, CreatedBy: user}
}

func TestGate_GlobalCap(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 2, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 10})

	require.True(t, g.CanStartExecution(item("wi-1", "", "")).Allowed)
	require.NoError(t, g.RegisterStart(item("wi-1", "", ""), "w-1"))
	require.NoError(t, g.RegisterStart(item("wi-2", "", ""), "w-2"))

	d := g.CanStartExecution(item("wi-3", "", ""))
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Global")

	g.RegisterCompletion(item("wi-1", "", ""), "w-1")
	require.True(t, g.CanStartExecution(item("wi-3", "", "")).Allowed)
}

func TestGate_PerRepositoryCap(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 10, MaxWorkersPerRepo: 2, MaxWorkersPerUser: 10})

	require.NoError(t, g.RegisterStart(item("wi-1", "repo-x", ""), "w-1"))
	require.NoError(t, g.RegisterStart(item("wi-2", "repo-x", ""), "w-2"))

	d := g.CanStartExecution(item("wi-3", "repo-x", ""))
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Per-repository")
	require.Contains(t, d.Reason, "repo-x")

	// A different repository is unaffected.
	require.True(t, g.CanStartExecution(item("wi-4", "repo-y", "")).Allowed)

	// Items without a repository skip the repo dimension entirely.
	require.True(t, g.CanStartExecution(item("wi-5", "", "")).Allowed)
}

func TestGate_PerUserCap(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 10, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 1})

	require.NoError(t, g.RegisterStart(item("wi-1", "", "alice"), "w-1"))

	d := g.CanStartExecution(item("wi-2", "", "alice"))
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Per-user")
	require.Contains(t, d.Reason, "alice")

	require.True(t, g.CanStartExecution(item("wi-3", "", "bob")).Allowed)
}

func TestGate_DuplicateStartIsError(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 10, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 10})

	wi := item("wi-1", "repo-x", "alice")
	require.NoError(t, g.RegisterStart(wi, "w-1"))
	require.Error(t, g.RegisterStart(wi, "w-1"), "second start for a live pair must fail")

	// Same item with a different worker is a distinct pair.
	require.NoError(t, g.RegisterStart(wi, "w-2"))

	// After completion the pair can start again.
	g.RegisterCompletion(wi, "w-1")
	require.NoError(t, g.RegisterStart(wi, "w-1"))
}

func TestGate_CompletionWithoutStartIsNoOp(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 10, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 10})

	g.RegisterCompletion(item("wi-ghost", "repo-x", "alice"), "w-1")

	snap := g.Status()
	require.Equal(t, 0, snap.GlobalActive)
	require.Empty(t, snap.ActiveByRepo)
	require.Empty(t, snap.ActiveByUser)
}

func TestGate_CompletionReleasesChargedDimensions(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 10, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 10})

	wi := item("wi-1", "repo-x", "alice")
	require.NoError(t, g.RegisterStart(wi, "w-1"))

	// The item's fields change while the execution runs. Completion must
	// release what start charged, not what the item now claims.
	wi.RepositoryID = "repo-y"
	wi.CreatedBy = "bob"
	g.RegisterCompletion(wi, "w-1")

	snap := g.Status()
	require.Equal(t, 0, snap.GlobalActive)
	require.Empty(t, snap.ActiveByRepo)
	require.Empty(t, snap.ActiveByUser)
}

func TestGate_Status(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 5, MaxWorkersPerRepo: 2, MaxWorkersPerUser: 3})

	require.NoError(t, g.RegisterStart(item("wi-1", "repo-x", "alice"), "w-1"))
	require.NoError(t, g.RegisterStart(item("wi-2", "repo-x", "bob"), "w-2"))

	snap := g.Status()
	require.Equal(t, 2, snap.GlobalActive)
	require.Equal(t, 5, snap.MaxGlobalWorkers)
	require.Equal(t, 2, snap.ActiveByRepo["repo-x"])
	require.Equal(t, 1, snap.ActiveByUser["alice"])
	require.Equal(t, 1, snap.ActiveByUser["bob"])

	// The snapshot is a copy; mutating it does not touch the gate.
	snap.ActiveByRepo["repo-x"] = 99
	require.Equal(t, 2, g.Status().ActiveByRepo["repo-x"])
}

func TestGate_UpdateConfig(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 5, MaxWorkersPerRepo: 2, MaxWorkersPerUser: 3})

	require.NoError(t, g.UpdateConfig(Update{MaxGlobalWorkers: intPtr(1)}))
	snap := g.Status()
	require.Equal(t, 1, snap.MaxGlobalWorkers)
	require.Equal(t, 2, snap.MaxWorkersPerRepo, "untouched fields keep their value")

	err := g.UpdateConfig(Update{MaxWorkersPerUser: intPtr(0)})
	require.Error(t, err)
	require.True(t, domain.IsValidation(err))
	require.Equal(t, 3, g.Status().MaxWorkersPerUser)
}

func TestGate_LoweredCapBlocksNewStartsOnly(t *testing.T) {
	g := New(Config{MaxGlobalWorkers: 3, MaxWorkersPerRepo: 10, MaxWorkersPerUser: 10})

	require.NoError(t, g.RegisterStart(item("wi-1", "", ""), "w-1"))
	require.NoError(t, g.RegisterStart(item("wi-2", "", ""), "w-2"))

	require.NoError(t, g.UpdateConfig(Update{MaxGlobalWorkers: intPtr(1)}))

	require.False(t, g.CanStartExecution(item("wi-3", "", "")).Allowed)

	// Existing executions still complete normally.
	g.RegisterCompletion(item("wi-1", "", ""), "w-1")
	g.RegisterCompletion(item("wi-2", "", ""), "w-2")
	require.Equal(t, 0, g.Status().GlobalActive)
	require.True(t, g.CanStartExecution(item("wi-3", "", "")).Allowed)
}

// TestProperty_CountersMatchLivePairs drives random admission-gated
// start/complete sequences and checks the accounting invariants: the
// global counter equals the number of live pairs and no counter exceeds
// its cap.
func TestProperty_CountersMatchLivePairs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			MaxGlobalWorkers:  rapid.IntRange(1, 6).Draw(t, "maxGlobal"),
			MaxWorkersPerRepo: rapid.IntRange(1, 4).Draw(t, "maxPerRepo"),
			MaxWorkersPerUser: rapid.IntRange(1, 4).Draw(t, "maxPerUser"),
		}
		g := New(cfg)

		repos := []string{"", "repo-a", "repo-b"}
		users := []string{"", "alice", "bob"}

		type pair struct {
			item   *domain.WorkItem
			worker string
		}
		var live []pair

		numOps := rapid.IntRange(1, 60).Draw(t, "numOps")
		for i := 0; i < numOps; i++ {
			complete := len(live) > 0 && rapid.Bool().Draw(t, fmt.Sprintf("complete-%d", i))
			if complete {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, fmt.Sprintf("idx-%d", i))
				p := live[idx]
				g.RegisterCompletion(p.item, p.worker)
				live = append(live[:idx], live[idx+1:]...)
			} else {
				wi := item(
					fmt.Sprintf("wi-%d", i),
					repos[rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("repo-%d", i))],
					users[rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("user-%d", i))],
				)
				if !g.CanStartExecution(wi).Allowed {
					continue
				}
				require.NoError(t, g.RegisterStart(wi, fmt.Sprintf("w-%d", i)))
				live = append(live, pair{item: wi, worker: fmt.Sprintf("w-%d", i)})
			}

			snap := g.Status()
			require.Equal(t, len(live), snap.GlobalActive, "global counter must equal live pairs")
			require.LessOrEqual(t, snap.GlobalActive, cfg.MaxGlobalWorkers)
			for repo, n := range snap.ActiveByRepo {
				require.LessOrEqual(t, n, cfg.MaxWorkersPerRepo, "repo %s over cap", repo)
				require.Positive(t, n)
			}
			for user, n := range snap.ActiveByUser {
				require.LessOrEqual(t, n, cfg.MaxWorkersPerUser, "user %s over cap", user)
				require.Positive(t, n)
			}
		}
	})
}
