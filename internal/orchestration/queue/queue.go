// Package queue maintains the in-memory priority queue of ready,
// unblocked work items that feeds the scheduler. The queue is a view
// over persistence: a refresh rebuilds eligibility from the store while
// retry penalties survive in memory.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// QueuedItem is one queue entry wrapping a work item snapshot.
type QueuedItem struct {
	Item       *domain.WorkItem `json:"item"`
	RetryCount int              `json:"retryCount"`
	LastError  string           `json:"lastError,omitempty"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
}

// basePriority orders work item types: bugs first, then features and
// tasks, then research, then anything unknown.
func basePriority(t domain.WorkItemType) int {
	switch t {
	case domain.TypeBug:
		return 3
	case domain.TypeFeature, domain.TypeTask:
		return 2
	case domain.TypeResearch:
		return 1
	default:
		return 0
	}
}

// EffectivePriority is the type priority minus the retry penalty.
func (q *QueuedItem) EffectivePriority() int {
	return basePriority(q.Item.Type) - q.RetryCount
}

// Manager owns the priority queue. All operations are safe for
// concurrent use; the queue holds one mutex for push and pop.
type Manager struct {
	items domain.WorkItemRepository

	mu      sync.Mutex
	entries []*QueuedItem
	// retryCounts survive pop and eviction so a requeued item keeps its
	// penalty until the item completes.
	retryCounts map[string]int
}

// NewManager creates a queue manager over the work item store.
func NewManager(items domain.WorkItemRepository) *Manager {
	return &Manager{
		items:       items,
		retryCounts: make(map[string]int),
	}
}

// RefreshQueue rebuilds the queue from persistence: pulls every ready,
// unblocked work item, dedupes against current entries, evicts entries
// that are no longer eligible, and re-sorts. An item is unblocked when
// every blocker is in a terminal status.
func (m *Manager) RefreshQueue(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := m.items.List()
	if err != nil {
		return err
	}

	statusOf := make(map[string]domain.WorkItemStatus, len(all))
	for _, item := range all {
		statusOf[item.ID] = item.Status
	}
	lookup := func(id string) (domain.WorkItemStatus, bool) {
		s, ok := statusOf[id]
		return s, ok
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]*QueuedItem, len(m.entries))
	for _, entry := range m.entries {
		existing[entry.Item.ID] = entry
	}

	var next []*QueuedItem
	for _, item := range all {
		if item.Status != domain.StatusReady || item.IsBlocked(lookup) {
			continue
		}
		if entry, ok := existing[item.ID]; ok {
			entry.Item = item
			next = append(next, entry)
			continue
		}
		next = append(next, &QueuedItem{
			Item:       item,
			RetryCount: m.retryCounts[item.ID],
			EnqueuedAt: now,
		})
	}
	m.entries = next

	// Completed items no longer need their penalty counter.
	for id := range m.retryCounts {
		if s, ok := statusOf[id]; ok && s.IsTerminal() {
			delete(m.retryCounts, id)
		}
	}

	m.sortLocked()
	log.Debug(log.CatQueue, "queue refreshed", "eligible", len(m.entries), "total", len(all))
	return nil
}

// RefreshItem re-evaluates one work item: inserts it when it became
// eligible, evicts it when it stopped being eligible. Unknown ids are
// evicted.
func (m *Manager) RefreshItem(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	item, err := m.items.Get(id)
	if err != nil {
		if domain.IsNotFound(err) {
			m.Remove(id)
			return nil
		}
		return err
	}

	eligible := item.Status == domain.StatusReady && !item.IsBlocked(func(dep string) (domain.WorkItemStatus, bool) {
		blocker, berr := m.items.Get(dep)
		if berr != nil {
			return "", false
		}
		return blocker.Status, true
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(id)
	switch {
	case eligible && idx >= 0:
		m.entries[idx].Item = item
	case eligible:
		m.entries = append(m.entries, &QueuedItem{
			Item:       item,
			RetryCount: m.retryCounts[id],
			EnqueuedAt: time.Now(),
		})
		log.Debug(log.CatQueue, "item re-inserted", "workItem", id)
	case idx >= 0:
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
		log.Debug(log.CatQueue, "item evicted", "workItem", id)
	}
	m.sortLocked()
	return nil
}

// Next removes and returns the highest-priority entry. Returns false
// when the queue is empty.
func (m *Manager) Next() (*QueuedItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil, false
	}
	entry := m.entries[0]
	m.entries = m.entries[1:]
	return entry, true
}

// Requeue puts a popped entry back with an incremented retry penalty.
// If a refresh re-inserted the item in the meantime, the existing entry
// absorbs the penalty instead of duplicating the item.
func (m *Manager) Requeue(entry *QueuedItem, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.RetryCount++
	entry.LastError = errMsg
	m.retryCounts[entry.Item.ID] = entry.RetryCount

	if idx := m.indexOfLocked(entry.Item.ID); idx >= 0 {
		m.entries[idx].RetryCount = entry.RetryCount
		m.entries[idx].LastError = errMsg
	} else {
		m.entries = append(m.entries, entry)
	}
	m.sortLocked()

	log.Debug(log.CatQueue, "item requeued",
		"workItem", entry.Item.ID, "retryCount", entry.RetryCount, "reason", errMsg)
}

// Remove evicts the entry for the id, keeping its retry penalty in case
// the item comes back.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx := m.indexOfLocked(id); idx >= 0 {
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	}
}

// Items returns a snapshot of the queue in priority order.
func (m *Manager) Items() []*QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*QueuedItem, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of queued entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// indexOfLocked returns the position of the entry for id, or -1.
// Caller holds m.mu.
func (m *Manager) indexOfLocked(id string) int {
	for i, entry := range m.entries {
		if entry.Item.ID == id {
			return i
		}
	}
	return -1
}

// sortLocked orders entries by effective priority descending, ties by
// creation time ascending. Caller holds m.mu.
func (m *Manager) sortLocked() {
	sort.SliceStable(m.entries, func(i, j int) bool {
		pi, pj := m.entries[i].EffectivePriority(), m.entries[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		return m.entries[i].Item.CreatedAt.Before(m.entries[j].Item.CreatedAt)
	})
}
