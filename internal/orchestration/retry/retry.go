// Package retry categorizes execution failures, schedules backoff
// retries, and escalates work items once their retry budget is spent.
// Everything lives in memory; the error history is a bounded ring per
// work item.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/log"
)

// Category classifies a failure by its error message.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryTransient   Category = "transient"
	CategoryResource    Category = "resource"
	CategoryValidation  Category = "validation"
	CategorySystem      Category = "system"
)

// categoryPatterns maps each category to its case-insensitive substring
// triggers. Order matters: the first matching category wins.
var categoryPatterns = []struct {
	cat      Category
	patterns []string
}{
	{CategoryRateLimited, []string{"rate limit", "429", "quota", "throttled"}},
	{CategoryTransient, []string{"timeout", "network", "econn", "enotfound", "socket", "503", "504"}},
	{CategoryResource, []string{"out of memory", "context window", "max tokens", "heap"}},
	{CategoryValidation, []string{"invalid", "not found", "400", "401", "403", "permission denied", "missing required"}},
	{CategorySystem, []string{"unexpected", "fatal", "unhandled"}},
}

// delayMultiplier returns the category's backoff multiplier.
func delayMultiplier(cat Category) float64 {
	switch cat {
	case CategoryRateLimited:
		return 5
	case CategoryResource:
		return 3
	case CategorySystem:
		return 4
	default:
		return 1
	}
}

// Retryable reports whether failures in this category may be retried.
func (c Category) Retryable() bool {
	return c != CategoryValidation
}

// Categorize maps an error message to its category. Unmatched messages
// fall back to system.
func Categorize(msg string) Category {
	lower := strings.ToLower(msg)
	for _, entry := range categoryPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.cat
			}
		}
	}
	return CategorySystem
}

// errorHistoryLimit bounds the per-item error ring.
const errorHistoryLimit = 10

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultMaxRetryAttempts = 3
	DefaultBaseDelay        = 1 * time.Second
	DefaultMaxDelay         = 60 * time.Second
)

// Clock provides time for due-date checks. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Config tunes the retry engine.
type Config struct {
	MaxRetryAttempts int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

// Update is a partial config change. Nil fields keep their value.
type Update struct {
	MaxRetryAttempts *int
	BaseDelay        *time.Duration
	MaxDelay         *time.Duration
}

// RetryContext is one scheduled retry for a work item.
type RetryContext struct {
	WorkItemID   string        `json:"workItemId"`
	ErrorMessage string        `json:"errorMessage"`
	Category     Category      `json:"category"`
	Attempt      int           `json:"attempt"`
	Delay        time.Duration `json:"delay"`
	DueAt        time.Time     `json:"dueAt"`
}

// ErrorRecord is one recorded failure.
type ErrorRecord struct {
	WorkItemID string    `json:"workItemId"`
	WorkerID   string    `json:"workerId"`
	Message    string    `json:"message"`
	Category   Category  `json:"category"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ErrorFilter narrows FilterErrors output. Zero fields match anything.
type ErrorFilter struct {
	WorkItemID string
	WorkerID   string
	Category   Category
}

// Stats aggregates the engine's view of failures.
type Stats struct {
	TotalFailures  int              `json:"totalFailures"`
	ByCategory     map[Category]int `json:"byCategory"`
	TrackedItems   int              `json:"trackedItems"`
	PendingRetries int              `json:"pendingRetries"`
	EscalatedItems int              `json:"escalatedItems"`
}

// EscalationHook is invoked when an item exhausts its retries. Hooks run
// inline and isolated: a panicking hook never stops the others.
type EscalationHook func(workItemID, workerID, reason string, cat Category)

type itemErrors struct {
	ring          []ErrorRecord
	totalFailures int
}

// Engine tracks failures and pending retries for work items.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	clock     Clock
	jitter    func() float64 // uniform in [0,1)
	pending   map[string]*RetryContext
	history   map[string]*itemErrors
	byCat     map[Category]int
	escalated map[string]bool
	hooks     map[string]EscalationHook
}

// New creates an engine. Zero config fields take the package defaults.
func New(cfg Config, clock Clock) *Engine {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Engine{
		cfg:       cfg,
		clock:     clock,
		jitter:    rand.Float64,
		pending:   make(map[string]*RetryContext),
		history:   make(map[string]*itemErrors),
		byCat:     make(map[Category]int),
		escalated: make(map[string]bool),
		hooks:     make(map[string]EscalationHook),
	}
}

// ShouldRetry reports whether another retry is allowed after the given
// zero-based attempt. Validation failures are never retried.
func (e *Engine) ShouldRetry(cat Category, attempt int) bool {
	if !cat.Retryable() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return attempt < e.cfg.MaxRetryAttempts
}

// RetryDelay computes the backoff for the given zero-based attempt:
// min(maxDelay, base * categoryMultiplier * 2^attempt) with a +-25%
// jitter applied after capping.
func (e *Engine) RetryDelay(attempt int, cat Category) time.Duration {
	e.mu.Lock()
	base := e.cfg.BaseDelay
	maxDelay := e.cfg.MaxDelay
	j := e.jitter()
	e.mu.Unlock()

	raw := float64(base) * delayMultiplier(cat) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(maxDelay))
	factor := 1 + (j*0.5 - 0.25)
	return time.Duration(capped * factor)
}

// ScheduleRetry records a pending retry for the work item, replacing any
// prior one. Returns nil, false when the failure is not retryable or the
// attempt budget is spent.
func (e *Engine) ScheduleRetry(workItemID, msg string, attempt int) (*RetryContext, bool) {
	cat := Categorize(msg)
	if !e.ShouldRetry(cat, attempt) {
		log.Debug(log.CatRetry, "retry refused",
			"workItem", workItemID, "category", cat, "attempt", attempt)
		return nil, false
	}

	delay := e.RetryDelay(attempt, cat)

	e.mu.Lock()
	rc := &RetryContext{
		WorkItemID:   workItemID,
		ErrorMessage: msg,
		Category:     cat,
		Attempt:      attempt,
		Delay:        delay,
		DueAt:        e.clock.Now().Add(delay),
	}
	e.pending[workItemID] = rc
	e.mu.Unlock()

	log.Info(log.CatRetry, "retry scheduled",
		"workItem", workItemID, "category", cat, "attempt", attempt, "delay", delay)
	out := *rc
	return &out, true
}

// ReadyRetries removes and returns every pending retry whose due time
// has arrived, ordered by due time.
func (e *Engine) ReadyRetries() []*RetryContext {
	e.mu.Lock()
	now := e.clock.Now()
	var due []*RetryContext
	for id, rc := range e.pending {
		if !rc.DueAt.After(now) {
			due = append(due, rc)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > 0 {
		log.Debug(log.CatRetry, "retries ready", "count", len(due))
	}
	return due
}

// CancelRetry drops the pending retry for the item, if any.
func (e *Engine) CancelRetry(workItemID string) {
	e.mu.Lock()
	_, existed := e.pending[workItemID]
	delete(e.pending, workItemID)
	e.mu.Unlock()

	if existed {
		log.Debug(log.CatRetry, "retry cancelled", "workItem", workItemID)
	}
}

// PendingRetries returns the number of scheduled, not yet due retries.
func (e *Engine) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HasPending reports whether the item has a scheduled retry that is not
// yet due.
func (e *Engine) HasPending(workItemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[workItemID]
	return ok
}

// RecordError appends a failure to the item's history ring and bumps its
// total failure count.
func (e *Engine) RecordError(workItemID, workerID, msg string, cat Category) {
	e.mu.Lock()
	entry, ok := e.history[workItemID]
	if !ok {
		entry = &itemErrors{}
		e.history[workItemID] = entry
	}
	entry.totalFailures++
	entry.ring = append(entry.ring, ErrorRecord{
		WorkItemID: workItemID,
		WorkerID:   workerID,
		Message:    msg,
		Category:   cat,
		OccurredAt: e.clock.Now(),
	})
	if len(entry.ring) > errorHistoryLimit {
		entry.ring = entry.ring[len(entry.ring)-errorHistoryLimit:]
	}
	e.byCat[cat]++
	total := entry.totalFailures
	e.mu.Unlock()

	log.Warn(log.CatRetry, "error recorded",
		"workItem", workItemID, "worker", workerID, "category", cat, "totalFailures", total)
}

// Escalate marks the item escalated and fires every registered hook.
// Hooks run in sorted key order; a panicking hook is logged and skipped.
func (e *Engine) Escalate(workItemID, workerID, reason string, cat Category) {
	e.mu.Lock()
	e.escalated[workItemID] = true
	delete(e.pending, workItemID)
	keys := make([]string, 0, len(e.hooks))
	for k := range e.hooks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hooks := make([]EscalationHook, 0, len(keys))
	for _, k := range keys {
		hooks = append(hooks, e.hooks[k])
	}
	e.mu.Unlock()

	log.Error(log.CatRetry, "work item escalated",
		"workItem", workItemID, "worker", workerID, "category", cat, "reason", reason)

	for i, hook := range hooks {
		runEscalationHook(keys[i], hook, workItemID, workerID, reason, cat)
	}
}

func runEscalationHook(key string, hook EscalationHook, workItemID, workerID, reason string, cat Category) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatRetry, "escalation hook panicked",
				"hook", key, "workItem", workItemID, "panic", fmt.Sprint(r))
		}
	}()
	hook(workItemID, workerID, reason, cat)
}

// RegisterEscalationHook installs a hook under the given key, replacing
// any previous hook with the same key.
func (e *Engine) RegisterEscalationHook(key string, hook EscalationHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[key] = hook
}

// UnregisterEscalationHook removes the hook under the key.
func (e *Engine) UnregisterEscalationHook(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.hooks, key)
}

// IsEscalated reports whether the item has been escalated.
func (e *Engine) IsEscalated(workItemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escalated[workItemID]
}

// History returns a copy of the item's error ring, oldest first, plus
// its total failure count.
func (e *Engine) History(workItemID string) ([]ErrorRecord, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.history[workItemID]
	if !ok {
		return nil, 0
	}
	out := make([]ErrorRecord, len(entry.ring))
	copy(out, entry.ring)
	return out, entry.totalFailures
}

// FilterErrors returns recorded failures matching the filter, oldest
// first per item. Only the last errorHistoryLimit entries per item are
// retained, so older failures may be gone.
func (e *Engine) FilterErrors(f ErrorFilter) []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ErrorRecord
	for _, entry := range e.history {
		for _, rec := range entry.ring {
			if f.WorkItemID != "" && rec.WorkItemID != f.WorkItemID {
				continue
			}
			if f.WorkerID != "" && rec.WorkerID != f.WorkerID {
				continue
			}
			if f.Category != "" && rec.Category != f.Category {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

// ErrorStats aggregates failure counts across all items.
func (e *Engine) ErrorStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		ByCategory:     make(map[Category]int, len(e.byCat)),
		TrackedItems:   len(e.history),
		PendingRetries: len(e.pending),
		EscalatedItems: len(e.escalated),
	}
	for cat, n := range e.byCat {
		stats.ByCategory[cat] = n
	}
	for _, entry := range e.history {
		stats.TotalFailures += entry.totalFailures
	}
	return stats
}

// UpdateConfig applies the non-nil fields.
func (e *Engine) UpdateConfig(u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if u.MaxRetryAttempts != nil && *u.MaxRetryAttempts > 0 {
		e.cfg.MaxRetryAttempts = *u.MaxRetryAttempts
	}
	if u.BaseDelay != nil && *u.BaseDelay > 0 {
		e.cfg.BaseDelay = *u.BaseDelay
	}
	if u.MaxDelay != nil && *u.MaxDelay > 0 {
		e.cfg.MaxDelay = *u.MaxDelay
	}

	log.Info(log.CatRetry, "retry config updated",
		"maxAttempts", e.cfg.MaxRetryAttempts,
		"baseDelay", e.cfg.BaseDelay,
		"maxDelay", e.cfg.MaxDelay)
}
