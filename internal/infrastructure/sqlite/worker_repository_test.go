package sqlite

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gaffer/internal/domain"
)

func TestWorkerRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")
	item := seedWorkItem(t, db, "Assigned item", domain.StatusInProgress)

	w := &domain.Worker{
		ID:                 uuid.NewString(),
		TemplateID:         tpl.ID,
		SessionID:          "sess-1",
		Status:             domain.WorkerWorking,
		CurrentWorkItemID:  item.ID,
		CurrentRole:        domain.RoleImplementer,
		ContextWindowUsed:  12_000,
		ContextWindowLimit: 200_000,
		TokensUsed:         34_000,
		CostUSD:            1.25,
		ToolCallsCount:     17,
		ErrorCount:         2,
		LastError:          "transient timeout",
	}
	require.NoError(t, db.Workers().Create(w))
	require.False(t, w.SpawnedAt.IsZero(), "Create should stamp spawnedAt")

	got, err := db.Workers().Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, tpl.ID, got.TemplateID)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, domain.WorkerWorking, got.Status)
	require.Equal(t, item.ID, got.CurrentWorkItemID)
	require.Equal(t, domain.RoleImplementer, got.CurrentRole)
	require.Equal(t, int64(12_000), got.ContextWindowUsed)
	require.Equal(t, int64(200_000), got.ContextWindowLimit)
	require.Equal(t, int64(34_000), got.TokensUsed)
	require.InDelta(t, 1.25, got.CostUSD, 1e-9)
	require.Equal(t, 17, got.ToolCallsCount)
	require.Equal(t, 2, got.ErrorCount)
	require.Equal(t, "transient timeout", got.LastError)
	require.Nil(t, got.TerminatedAt)
}

func TestWorkerRepository_Get_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Workers().Get("missing")
	var notFound *domain.WorkerNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "missing", notFound.ID)
}

func TestWorkerRepository_ListByStatus(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")

	idle := seedWorker(t, db, tpl.ID)
	working := &domain.Worker{
		ID:         uuid.NewString(),
		TemplateID: tpl.ID,
		Status:     domain.WorkerWorking,
	}
	require.NoError(t, db.Workers().Create(working))

	idles, err := db.Workers().ListByStatus(domain.WorkerIdle)
	require.NoError(t, err)
	require.Len(t, idles, 1)
	require.Equal(t, idle.ID, idles[0].ID)

	terminated, err := db.Workers().ListByStatus(domain.WorkerTerminated)
	require.NoError(t, err)
	require.Empty(t, terminated)
}

func TestWorkerRepository_ListByTemplate(t *testing.T) {
	db := newTestDB(t)
	impl := seedTemplate(t, db, "Implementer")
	review := seedTemplate(t, db, "Reviewer")

	w1 := seedWorker(t, db, impl.ID)
	seedWorker(t, db, review.ID)

	workers, err := db.Workers().ListByTemplate(impl.ID)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, w1.ID, workers[0].ID)
}

func TestWorkerRepository_Update(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")
	w := seedWorker(t, db, tpl.ID)
	spawned := w.SpawnedAt

	terminatedAt := time.Now().Truncate(time.Second)
	w.Status = domain.WorkerTerminated
	w.TokensUsed = 9000
	w.CostUSD = 0.42
	w.ErrorCount = 1
	w.LastError = "rate limit hit"
	w.TerminatedAt = &terminatedAt
	require.NoError(t, db.Workers().Update(w))

	got, err := db.Workers().Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerTerminated, got.Status)
	require.Equal(t, int64(9000), got.TokensUsed)
	require.InDelta(t, 0.42, got.CostUSD, 1e-9)
	require.Equal(t, 1, got.ErrorCount)
	require.Equal(t, "rate limit hit", got.LastError)
	require.NotNil(t, got.TerminatedAt)
	require.Equal(t, terminatedAt.Unix(), got.TerminatedAt.Unix())
	require.Equal(t, spawned.Unix(), got.SpawnedAt.Unix(), "spawnedAt is immutable")
}

func TestWorkerRepository_Update_NotFound(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")

	ghost := &domain.Worker{ID: "ghost", TemplateID: tpl.ID, Status: domain.WorkerIdle, SpawnedAt: time.Now()}
	err := db.Workers().Update(ghost)

	var notFound *domain.WorkerNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestWorkerRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")
	w := seedWorker(t, db, tpl.ID)

	require.NoError(t, db.Workers().Delete(w.ID))

	_, err := db.Workers().Get(w.ID)
	var notFound *domain.WorkerNotFoundError
	require.ErrorAs(t, err, &notFound)

	err = db.Workers().Delete(w.ID)
	require.ErrorAs(t, err, &notFound)
}

func TestWorkerRepository_ClearAssignment(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, "Implementer")
	item := seedWorkItem(t, db, "Item", domain.StatusInProgress)

	w := seedWorker(t, db, tpl.ID)
	w.Status = domain.WorkerWorking
	w.CurrentWorkItemID = item.ID
	w.CurrentRole = domain.RoleImplementer
	require.NoError(t, db.Workers().Update(w))

	w.Status = domain.WorkerIdle
	w.CurrentWorkItemID = ""
	w.CurrentRole = ""
	require.NoError(t, db.Workers().Update(w))

	got, err := db.Workers().Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerIdle, got.Status)
	require.Empty(t, got.CurrentWorkItemID)
	require.Empty(t, got.CurrentRole)
}
