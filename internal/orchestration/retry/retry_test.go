package retry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestEngine pins jitter to its midpoint so delays are exact.
func newTestEngine(cfg Config, clock Clock) *Engine {
	e := New(cfg, clock)
	e.jitter = func() float64 { return 0.5 }
	return e
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"Rate limit exceeded, slow down", CategoryRateLimited},
		{"HTTP 429 Too Many Requests", CategoryRateLimited},
		{"monthly quota exhausted", CategoryRateLimited},
		{"request throttled by upstream", CategoryRateLimited},
		{"Connection timeout", CategoryTransient},
		{"network unreachable", CategoryTransient},
		{"dial tcp: ECONNREFUSED", CategoryTransient},
		{"getaddrinfo ENOTFOUND api.example.com", CategoryTransient},
		{"socket hang up", CategoryTransient},
		{"upstream returned 503", CategoryTransient},
		{"gateway 504", CategoryTransient},
		{"process out of memory", CategoryResource},
		{"context window exceeded", CategoryResource},
		{"max tokens reached", CategoryResource},
		{"JS heap allocation failed", CategoryResource},
		{"invalid work item payload", CategoryValidation},
		{"template not found", CategoryValidation},
		{"server said 400", CategoryValidation},
		{"401 unauthorized", CategoryValidation},
		{"403 forbidden", CategoryValidation},
		{"permission denied on /workspace", CategoryValidation},
		{"missing required field title", CategoryValidation},
		{"unexpected token in response", CategorySystem},
		{"fatal: worker crashed", CategorySystem},
		{"unhandled rejection", CategorySystem},
		{"something completely else", CategorySystem},
		{"", CategorySystem},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			require.Equal(t, tt.want, Categorize(tt.msg))
		})
	}
}

func TestCategorize_FirstMatchWins(t *testing.T) {
	// Contains both a rate-limit trigger and a timeout trigger; the
	// rate_limited category is checked first.
	require.Equal(t, CategoryRateLimited, Categorize("rate limit hit after timeout"))
	// Transient beats validation for the same reason.
	require.Equal(t, CategoryTransient, Categorize("timeout waiting for invalid host"))
}

func TestCategorize_CaseInsensitive(t *testing.T) {
	require.Equal(t, CategoryRateLimited, Categorize("RATE LIMIT"))
	require.Equal(t, CategoryResource, Categorize("Out Of Memory"))
}

func TestShouldRetry(t *testing.T) {
	e := newTestEngine(Config{MaxRetryAttempts: 3}, newFakeClock())

	require.True(t, e.ShouldRetry(CategoryTransient, 0))
	require.True(t, e.ShouldRetry(CategoryTransient, 2))
	require.False(t, e.ShouldRetry(CategoryTransient, 3))

	// Validation failures are never retried.
	require.False(t, e.ShouldRetry(CategoryValidation, 0))
}

func TestRetryDelay_Formula(t *testing.T) {
	e := newTestEngine(Config{BaseDelay: time.Second, MaxDelay: time.Minute}, newFakeClock())

	tests := []struct {
		cat     Category
		attempt int
		want    time.Duration
	}{
		{CategoryTransient, 0, 1 * time.Second},
		{CategoryTransient, 1, 2 * time.Second},
		{CategoryTransient, 2, 4 * time.Second},
		{CategoryResource, 0, 3 * time.Second},
		{CategorySystem, 0, 4 * time.Second},
		{CategoryRateLimited, 0, 5 * time.Second},
		{CategoryRateLimited, 2, 20 * time.Second},
		// 5s * 2^4 = 80s, capped at the 60s max.
		{CategoryRateLimited, 4, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-attempt%d", tt.cat, tt.attempt), func(t *testing.T) {
			require.Equal(t, tt.want, e.RetryDelay(tt.attempt, tt.cat))
		})
	}
}

func TestRetryDelay_JitterBounds(t *testing.T) {
	e := New(Config{BaseDelay: time.Second, MaxDelay: time.Minute}, newFakeClock())

	for i := 0; i < 200; i++ {
		d := e.RetryDelay(1, CategoryTransient)
		require.GreaterOrEqual(t, d, 1500*time.Millisecond)
		require.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestScheduleRetry(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	rc, ok := e.ScheduleRetry("wi-1", "Connection timeout", 0)
	require.True(t, ok)
	require.Equal(t, "wi-1", rc.WorkItemID)
	require.Equal(t, CategoryTransient, rc.Category)
	require.Equal(t, 0, rc.Attempt)
	require.Equal(t, time.Second, rc.Delay)
	require.Equal(t, clock.Now().Add(time.Second), rc.DueAt)
	require.Equal(t, 1, e.PendingRetries())
}

func TestScheduleRetry_RefusesValidationAndExhausted(t *testing.T) {
	e := newTestEngine(Config{MaxRetryAttempts: 3}, newFakeClock())

	rc, ok := e.ScheduleRetry("wi-1", "invalid input", 0)
	require.False(t, ok)
	require.Nil(t, rc)

	rc, ok = e.ScheduleRetry("wi-2", "Connection timeout", 3)
	require.False(t, ok)
	require.Nil(t, rc)

	require.Equal(t, 0, e.PendingRetries())
}

func TestScheduleRetry_ReplacesPrior(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	_, ok := e.ScheduleRetry("wi-1", "Connection timeout", 0)
	require.True(t, ok)
	_, ok = e.ScheduleRetry("wi-1", "Connection timeout", 1)
	require.True(t, ok)

	require.Equal(t, 1, e.PendingRetries(), "one pending retry per item")

	clock.Advance(time.Hour)
	due := e.ReadyRetries()
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Attempt, "latest schedule wins")
}

func TestReadyRetries_DrainsDueOnly(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	_, _ = e.ScheduleRetry("wi-fast", "Connection timeout", 0) // due in 1s
	_, _ = e.ScheduleRetry("wi-slow", "rate limit", 0)         // due in 5s

	require.Empty(t, e.ReadyRetries(), "nothing due yet")

	clock.Advance(time.Second)
	due := e.ReadyRetries()
	require.Len(t, due, 1)
	require.Equal(t, "wi-fast", due[0].WorkItemID)
	require.Equal(t, 1, e.PendingRetries())

	// Draining removes: a second call returns nothing new.
	require.Empty(t, e.ReadyRetries())

	clock.Advance(4 * time.Second)
	due = e.ReadyRetries()
	require.Len(t, due, 1)
	require.Equal(t, "wi-slow", due[0].WorkItemID)
	require.Equal(t, 0, e.PendingRetries())
}

func TestReadyRetries_SortedByDueTime(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	_, _ = e.ScheduleRetry("wi-c", "rate limit", 0)          // 5s
	_, _ = e.ScheduleRetry("wi-a", "Connection timeout", 0)  // 1s
	_, _ = e.ScheduleRetry("wi-b", "out of memory", 0)       // 3s

	clock.Advance(time.Minute)
	due := e.ReadyRetries()
	require.Len(t, due, 3)
	require.Equal(t, "wi-a", due[0].WorkItemID)
	require.Equal(t, "wi-b", due[1].WorkItemID)
	require.Equal(t, "wi-c", due[2].WorkItemID)
}

func TestCancelRetry(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	_, _ = e.ScheduleRetry("wi-1", "Connection timeout", 0)
	e.CancelRetry("wi-1")
	require.Equal(t, 0, e.PendingRetries())

	clock.Advance(time.Hour)
	require.Empty(t, e.ReadyRetries())

	// Cancelling an unknown item is a no-op.
	e.CancelRetry("wi-ghost")
}

func TestRecordError_RingKeepsLastTen(t *testing.T) {
	e := newTestEngine(Config{}, newFakeClock())

	for i := 0; i < 12; i++ {
		e.RecordError("wi-1", "w-1", fmt.Sprintf("fatal error %d", i), CategorySystem)
	}

	history, total := e.History("wi-1")
	require.Equal(t, 12, total, "totalFailures counts every recorded error")
	require.Len(t, history, 10, "ring keeps the last ten")
	require.Equal(t, "fatal error 2", history[0].Message)
	require.Equal(t, "fatal error 11", history[9].Message)
}

func TestHistory_UnknownItem(t *testing.T) {
	e := newTestEngine(Config{}, newFakeClock())

	history, total := e.History("wi-ghost")
	require.Empty(t, history)
	require.Zero(t, total)
}

func TestEscalate_RunsHooksIsolated(t *testing.T) {
	e := newTestEngine(Config{}, newFakeClock())

	var order []string
	e.RegisterEscalationHook("b-notify", func(itemID, workerID, reason string, cat Category) {
		order = append(order, "b-notify")
	})
	e.RegisterEscalationHook("a-panic", func(itemID, workerID, reason string, cat Category) {
		order = append(order, "a-panic")
		panic("hook blew up")
	})

	e.Escalate("wi-1", "w-1", "retries exhausted", CategoryTransient)

	require.Equal(t, []string{"a-panic", "b-notify"}, order,
		"hooks run in key order and a panic does not stop later hooks")
	require.True(t, e.IsEscalated("wi-1"))
	require.False(t, e.IsEscalated("wi-2"))
}

func TestEscalate_DropsPendingRetry(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	_, _ = e.ScheduleRetry("wi-1", "Connection timeout", 0)
	e.Escalate("wi-1", "w-1", "operator intervention", CategoryTransient)

	require.Equal(t, 0, e.PendingRetries())
	clock.Advance(time.Hour)
	require.Empty(t, e.ReadyRetries())
}

func TestUnregisterEscalationHook(t *testing.T) {
	e := newTestEngine(Config{}, newFakeClock())

	calls := 0
	e.RegisterEscalationHook("counter", func(itemID, workerID, reason string, cat Category) {
		calls++
	})
	e.Escalate("wi-1", "w-1", "first", CategorySystem)
	e.UnregisterEscalationHook("counter")
	e.Escalate("wi-2", "w-1", "second", CategorySystem)

	require.Equal(t, 1, calls)
}

func TestErrorStats(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	e.RecordError("wi-1", "w-1", "Connection timeout", CategoryTransient)
	e.RecordError("wi-1", "w-1", "Connection timeout", CategoryTransient)
	e.RecordError("wi-2", "w-2", "invalid payload", CategoryValidation)
	_, _ = e.ScheduleRetry("wi-1", "Connection timeout", 0)
	e.Escalate("wi-2", "w-2", "not retryable", CategoryValidation)

	stats := e.ErrorStats()
	require.Equal(t, 3, stats.TotalFailures)
	require.Equal(t, 2, stats.ByCategory[CategoryTransient])
	require.Equal(t, 1, stats.ByCategory[CategoryValidation])
	require.Equal(t, 2, stats.TrackedItems)
	require.Equal(t, 1, stats.PendingRetries)
	require.Equal(t, 1, stats.EscalatedItems)
}

func TestFilterErrors(t *testing.T) {
	e := newTestEngine(Config{}, newFakeClock())

	e.RecordError("wi-1", "w-1", "Connection timeout", CategoryTransient)
	e.RecordError("wi-1", "w-2", "rate limit", CategoryRateLimited)
	e.RecordError("wi-2", "w-1", "fatal crash", CategorySystem)

	require.Len(t, e.FilterErrors(ErrorFilter{}), 3)
	require.Len(t, e.FilterErrors(ErrorFilter{WorkItemID: "wi-1"}), 2)
	require.Len(t, e.FilterErrors(ErrorFilter{WorkerID: "w-1"}), 2)
	require.Len(t, e.FilterErrors(ErrorFilter{Category: CategoryRateLimited}), 1)
	require.Len(t, e.FilterErrors(ErrorFilter{WorkItemID: "wi-1", WorkerID: "w-1"}), 1)
	require.Empty(t, e.FilterErrors(ErrorFilter{WorkItemID: "wi-ghost"}))
}

func TestUpdateConfig(t *testing.T) {
	e := newTestEngine(Config{MaxRetryAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, newFakeClock())

	attempts := 1
	base := 2 * time.Second
	e.UpdateConfig(Update{MaxRetryAttempts: &attempts, BaseDelay: &base})

	require.False(t, e.ShouldRetry(CategoryTransient, 1))
	require.Equal(t, 2*time.Second, e.RetryDelay(0, CategoryTransient))
	// MaxDelay untouched.
	require.Equal(t, time.Minute, e.RetryDelay(10, CategoryTransient))
}

// TestRetryEscalationFlow walks the full failure ladder: three scheduled
// retries with strictly increasing delays, then escalation on the fourth
// failure.
func TestRetryEscalationFlow(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(Config{MaxRetryAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	escalations := 0
	e.RegisterEscalationHook("count", func(itemID, workerID, reason string, cat Category) {
		escalations++
	})

	const msg = "Connection timeout"
	var lastDelay time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		cat := Categorize(msg)
		e.RecordError("wi-1", "w-1", msg, cat)

		if e.ShouldRetry(cat, attempt) {
			rc, ok := e.ScheduleRetry("wi-1", msg, attempt)
			require.True(t, ok)
			require.Greater(t, rc.Delay, lastDelay, "delay must grow with each attempt")
			lastDelay = rc.Delay
			clock.Advance(rc.Delay)
			require.Len(t, e.ReadyRetries(), 1)
		} else {
			e.Escalate("wi-1", "w-1", msg, cat)
		}
	}

	require.Equal(t, 1, escalations, "escalation hook fires exactly once")
	require.True(t, e.IsEscalated("wi-1"))
	_, total := e.History("wi-1")
	require.Equal(t, 4, total)
}

// TestProperty_DelayMonotoneInAttempt checks that even with jitter the
// computed delay grows strictly with the attempt number until the cap,
// because doubling dominates the +-25% band.
func TestProperty_DelayMonotoneInAttempt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(100, 5000).Draw(t, "baseMs")) * time.Millisecond
		e := New(Config{MaxRetryAttempts: 10, BaseDelay: base, MaxDelay: time.Hour}, newFakeClock())

		cats := []Category{CategoryRateLimited, CategoryTransient, CategoryResource, CategorySystem}
		cat := cats[rapid.IntRange(0, len(cats)-1).Draw(t, "cat")]

		prev := time.Duration(0)
		for attempt := 0; attempt < 6; attempt++ {
			d := e.RetryDelay(attempt, cat)
			require.Greater(t, d, prev,
				"attempt %d delay %v must exceed previous %v", attempt, d, prev)
			prev = d
		}
	})
}

// TestProperty_DelayNeverExceedsJitteredCap checks the upper bound
// min(maxDelay, raw) * 1.25 holds for arbitrary attempts.
func TestProperty_DelayNeverExceedsJitteredCap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxDelay := time.Duration(rapid.IntRange(1, 120).Draw(t, "maxSec")) * time.Second
		e := New(Config{MaxRetryAttempts: 10, BaseDelay: time.Second, MaxDelay: maxDelay}, newFakeClock())

		attempt := rapid.IntRange(0, 20).Draw(t, "attempt")
		d := e.RetryDelay(attempt, CategoryRateLimited)
		limit := time.Duration(float64(maxDelay) * 1.25)
		require.LessOrEqual(t, d, limit)
	})
}
