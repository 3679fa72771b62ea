package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// PreExecutionHook runs before an execution is launched. Returning
// false vetoes the dispatch; the item is requeued.
type PreExecutionHook func(item *domain.WorkItem, worker *domain.Worker) bool

// PostExecutionHook runs after a successful execution.
type PostExecutionHook func(item *domain.WorkItem, worker *domain.Worker, exec *domain.Execution)

// ErrorHook runs after a failed execution, before retry routing.
type ErrorHook func(item *domain.WorkItem, workerID, errMsg string)

// StatusChangeHook runs at the end of every cycle with the scheduler's
// current status.
type StatusChangeHook func(s Status)

// hookSet holds the registered lifecycle hooks. Hooks run inline in key
// order and are isolated: a panicking hook is logged and skipped.
type hookSet struct {
	mu           sync.Mutex
	preExec      map[string]PreExecutionHook
	postExec     map[string]PostExecutionHook
	onError      map[string]ErrorHook
	statusChange map[string]StatusChangeHook
}

func newHookSet() *hookSet {
	return &hookSet{
		preExec:      make(map[string]PreExecutionHook),
		postExec:     make(map[string]PostExecutionHook),
		onError:      make(map[string]ErrorHook),
		statusChange: make(map[string]StatusChangeHook),
	}
}

// RegisterPreExecutionHook installs a veto hook under the key,
// replacing any previous hook with the same key.
func (o *Orchestrator) RegisterPreExecutionHook(key string, fn PreExecutionHook) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	o.hooks.preExec[key] = fn
}

// UnregisterPreExecutionHook removes the hook under the key.
func (o *Orchestrator) UnregisterPreExecutionHook(key string) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	delete(o.hooks.preExec, key)
}

// RegisterPostExecutionHook installs a completion hook under the key.
func (o *Orchestrator) RegisterPostExecutionHook(key string, fn PostExecutionHook) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	o.hooks.postExec[key] = fn
}

// UnregisterPostExecutionHook removes the hook under the key.
func (o *Orchestrator) UnregisterPostExecutionHook(key string) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	delete(o.hooks.postExec, key)
}

// RegisterErrorHook installs a failure hook under the key.
func (o *Orchestrator) RegisterErrorHook(key string, fn ErrorHook) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	o.hooks.onError[key] = fn
}

// UnregisterErrorHook removes the hook under the key.
func (o *Orchestrator) UnregisterErrorHook(key string) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	delete(o.hooks.onError, key)
}

// RegisterStatusChangeHook installs an end-of-cycle hook under the key.
func (o *Orchestrator) RegisterStatusChangeHook(key string, fn StatusChangeHook) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	o.hooks.statusChange[key] = fn
}

// UnregisterStatusChangeHook removes the hook under the key.
func (o *Orchestrator) UnregisterStatusChangeHook(key string) {
	o.hooks.mu.Lock()
	defer o.hooks.mu.Unlock()
	delete(o.hooks.statusChange, key)
}

// sortedKeys returns the map's keys in sorted order so hooks run
// deterministically.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runPreExecutionHooks runs every veto hook. A panicking hook is logged
// and does not count as a veto.
func (h *hookSet) runPreExecutionHooks(item *domain.WorkItem, worker *domain.Worker) bool {
	h.mu.Lock()
	keys := sortedKeys(h.preExec)
	hooks := make([]PreExecutionHook, len(keys))
	for i, k := range keys {
		hooks[i] = h.preExec[k]
	}
	h.mu.Unlock()

	allowed := true
	for i, fn := range hooks {
		ok := runHook(keys[i], "pre-execution", func() bool { return fn(item, worker) })
		if !ok {
			log.Debug(log.CatOrch, "dispatch vetoed by hook", "hook", keys[i], "workItem", item.ID)
			allowed = false
		}
	}
	return allowed
}

func (h *hookSet) runPostExecutionHooks(item *domain.WorkItem, worker *domain.Worker, exec *domain.Execution) {
	h.mu.Lock()
	keys := sortedKeys(h.postExec)
	hooks := make([]PostExecutionHook, len(keys))
	for i, k := range keys {
		hooks[i] = h.postExec[k]
	}
	h.mu.Unlock()

	for i, fn := range hooks {
		runHook(keys[i], "post-execution", func() bool { fn(item, worker, exec); return true })
	}
}

func (h *hookSet) runErrorHooks(item *domain.WorkItem, workerID, errMsg string) {
	h.mu.Lock()
	keys := sortedKeys(h.onError)
	hooks := make([]ErrorHook, len(keys))
	for i, k := range keys {
		hooks[i] = h.onError[k]
	}
	h.mu.Unlock()

	for i, fn := range hooks {
		runHook(keys[i], "error", func() bool { fn(item, workerID, errMsg); return true })
	}
}

func (h *hookSet) runStatusChangeHooks(s Status) {
	h.mu.Lock()
	keys := sortedKeys(h.statusChange)
	hooks := make([]StatusChangeHook, len(keys))
	for i, k := range keys {
		hooks[i] = h.statusChange[k]
	}
	h.mu.Unlock()

	for i, fn := range hooks {
		runHook(keys[i], "status-change", func() bool { fn(s); return true })
	}
}

// runHook invokes fn and recovers from panics. A panic yields true so a
// broken hook never vetoes or aborts anything.
func runHook(key, kind string, fn func() bool) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatOrch, "lifecycle hook panicked",
				"hook", key, "kind", kind, "panic", fmt.Sprint(r))
		}
	}()
	return fn()
}
