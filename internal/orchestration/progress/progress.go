// Package progress wraps the work item status machine with lifecycle
// event emission. The scheduler reports execution milestones here; the
// tracker drives the item's status transitions, keeps a bounded
// in-memory event history per item, and fans every event out to
// registered listeners and the hub.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
)

// Kind identifies a progress event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "in_progress"
	KindMilestone Kind = "milestone"
	KindBlocked   Kind = "blocked"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// historyLimit bounds the per-item event history. A long execution can
// report progress for minutes; only the newest entries are kept.
const historyLimit = 100

// Event is one progress report for a work item. Seq is strictly
// increasing per item until the item completes.
type Event struct {
	WorkItemID  string    `json:"workItemId"`
	WorkerID    string    `json:"workerId"`
	ExecutionID string    `json:"executionId,omitempty"`
	Kind        Kind      `json:"kind"`
	Percent     int       `json:"percent,omitempty"`
	Message     string    `json:"message,omitempty"`
	Seq         int       `json:"seq"`
	At          time.Time `json:"at"`
}

// Listener receives every event the tracker emits. Listeners run inline
// on the reporting goroutine and must not call back into the tracker.
type Listener func(Event)

// Tracker emits ordered lifecycle events for work items and moves them
// through the status machine on start and completion.
type Tracker struct {
	items domain.WorkItemRepository
	hub   *hub.Hub

	mu         sync.Mutex
	history    map[string][]Event
	seq        map[string]int
	listeners  map[int]Listener
	nextHandle int
}

// New creates a tracker. The hub may be nil, in which case events only
// reach listeners.
func New(items domain.WorkItemRepository, h *hub.Hub) *Tracker {
	return &Tracker{
		items:     items,
		hub:       h,
		history:   make(map[string][]Event),
		seq:       make(map[string]int),
		listeners: make(map[int]Listener),
	}
}

// AddListener registers a listener for every future event. The returned
// thunk detaches it; calling the thunk twice is harmless.
func (t *Tracker) AddListener(fn Listener) func() {
	t.mu.Lock()
	handle := t.nextHandle
	t.nextHandle++
	t.listeners[handle] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, handle)
		t.mu.Unlock()
	}
}

// MarkStarted transitions the item to in_progress and emits a started
// event. The transition is rejected if the item's current status does
// not allow it.
func (t *Tracker) MarkStarted(ctx context.Context, itemID, workerID, executionID string) error {
	item, err := t.transition(ctx, itemID, domain.StatusInProgress)
	if err != nil {
		return err
	}

	t.emit(Event{
		WorkItemID:  itemID,
		WorkerID:    workerID,
		ExecutionID: executionID,
		Kind:        KindStarted,
	}, item)
	log.Info(log.CatProg, "work item started",
		"workItem", itemID, "worker", workerID, "execution", executionID)
	return nil
}

// UpdateProgress records an in_progress event. Percent is clamped to
// [0, 99]; 100 is reserved for completion.
func (t *Tracker) UpdateProgress(itemID, workerID string, percent int, msg string) {
	if percent < 0 {
		percent = 0
	} else if percent > 99 {
		percent = 99
	}
	t.emit(Event{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Kind:       KindProgress,
		Percent:    percent,
		Message:    msg,
	}, nil)
}

// RecordMilestone records a named milestone for the item.
func (t *Tracker) RecordMilestone(itemID, workerID, milestone string) {
	t.emit(Event{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Kind:       KindMilestone,
		Message:    milestone,
	}, nil)
	log.Debug(log.CatProg, "milestone recorded",
		"workItem", itemID, "worker", workerID, "milestone", milestone)
}

// MarkBlocked records that the worker cannot proceed. The item's status
// is left untouched; unblocking is the scheduler's concern.
func (t *Tracker) MarkBlocked(itemID, workerID, reason string) {
	t.emit(Event{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Kind:       KindBlocked,
		Message:    reason,
	}, nil)
	log.Warn(log.CatProg, "work item blocked",
		"workItem", itemID, "worker", workerID, "reason", reason)
}

// MarkCompleted transitions the item to review, emits a completed event
// and drops the item's in-memory history.
func (t *Tracker) MarkCompleted(ctx context.Context, itemID, workerID, executionID string) error {
	item, err := t.transition(ctx, itemID, domain.StatusReview)
	if err != nil {
		return err
	}

	t.emit(Event{
		WorkItemID:  itemID,
		WorkerID:    workerID,
		ExecutionID: executionID,
		Kind:        KindCompleted,
		Percent:     100,
	}, item)

	t.mu.Lock()
	delete(t.history, itemID)
	delete(t.seq, itemID)
	t.mu.Unlock()

	log.Info(log.CatProg, "work item completed",
		"workItem", itemID, "worker", workerID, "execution", executionID)
	return nil
}

// MarkFailed records an execution failure. The item's status is left
// untouched; requeue or escalation is the retry engine's concern.
func (t *Tracker) MarkFailed(itemID, workerID, reason string) {
	t.emit(Event{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Kind:       KindFailed,
		Message:    reason,
	}, nil)
	log.Warn(log.CatProg, "work item failed",
		"workItem", itemID, "worker", workerID, "reason", reason)
}

// History returns a copy of the item's recorded events, oldest first.
// Completion purges history, so a completed item returns nothing.
func (t *Tracker) History(itemID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.history[itemID]
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// transition applies the status change and persists the item.
func (t *Tracker) transition(ctx context.Context, itemID string, target domain.WorkItemStatus) (*domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := t.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if err := item.TransitionTo(target); err != nil {
		return nil, err
	}
	if err := t.items.Update(item); err != nil {
		return nil, err
	}
	return item, nil
}

// emit stamps, records, and delivers the event. Events are delivered
// under the tracker mutex so each listener observes them in emission
// order. When item is non-nil a work_item:updated hub event follows the
// progress event, carrying the freshly transitioned item.
func (t *Tracker) emit(ev Event, item *domain.WorkItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq[ev.WorkItemID]++
	ev.Seq = t.seq[ev.WorkItemID]
	ev.At = time.Now()

	t.history[ev.WorkItemID] = append(t.history[ev.WorkItemID], ev)
	if len(t.history[ev.WorkItemID]) > historyLimit {
		t.history[ev.WorkItemID] = t.history[ev.WorkItemID][len(t.history[ev.WorkItemID])-historyLimit:]
	}

	for handle, fn := range t.listeners {
		invokeListener(handle, fn, ev)
	}
	if t.hub != nil {
		channel := hub.WorkItemChannel(ev.WorkItemID)
		t.hub.Publish(hub.NewEvent(hub.EventWorkItemProgress, ev), channel)
		if item != nil {
			t.hub.Publish(hub.NewEvent(hub.EventWorkItemUpdated, item), channel)
		}
	}
}

func invokeListener(handle int, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatProg, "progress listener panicked",
				"listener", handle, "workItem", ev.WorkItemID, "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}
