package plugrun

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultHookPriority is the priority used when a caller has no ordering
// requirement. Lower priorities run earlier.
const DefaultHookPriority = 10

// HookFunc is a callback attached to a named extension point. During
// Execute the value is the previous callback's return value, forming a
// filter chain; args carry extra call-site context unchanged.
type HookFunc func(ctx context.Context, value any, args ...any) (any, error)

type hookEntry struct {
	id       string
	priority int
	seq      int
	fn       HookFunc
}

// HookRegistry holds named extension points, each with an ordered list
// of prioritized callbacks. Execution order is priority ascending with
// insertion order as the tie-break.
type HookRegistry struct {
	mu     sync.RWMutex
	hooks  map[string][]*hookEntry
	seq    int
	logger Logger
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry(logger Logger) *HookRegistry {
	return &HookRegistry{
		hooks:  make(map[string][]*hookEntry),
		logger: logger,
	}
}

// Register inserts a callback under the named hook and returns an
// unregister closure. The list is kept sorted by priority ascending,
// stable on insertion order for equal priorities.
func (h *HookRegistry) Register(name string, priority int, fn HookFunc) func() {
	if fn == nil {
		h.logger.Error("Ignoring nil hook callback", "hook", name)
		return func() {}
	}

	h.mu.Lock()
	h.seq++
	entry := &hookEntry{id: uuid.New().String(), priority: priority, seq: h.seq, fn: fn}
	h.hooks[name] = append(h.hooks[name], entry)
	sort.SliceStable(h.hooks[name], func(i, j int) bool {
		a, b := h.hooks[name][i], h.hooks[name][j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
	h.mu.Unlock()

	return func() { h.remove(name, entry.id) }
}

func (h *HookRegistry) remove(name, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.hooks[name]
	for i, e := range entries {
		if e.id == id {
			h.hooks[name] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(h.hooks[name]) == 0 {
		delete(h.hooks, name)
	}
}

func (h *HookRegistry) snapshot(name string) []*hookEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*hookEntry(nil), h.hooks[name]...)
}

// Execute pipes value through each callback in order, passing the
// previous return value forward. An error aborts the chain and
// propagates to the caller; the partial value is discarded.
func (h *HookRegistry) Execute(ctx context.Context, name string, value any, args ...any) (any, error) {
	current := value
	for _, entry := range h.snapshot(name) {
		next, err := entry.fn(ctx, current, args...)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", name, err)
		}
		current = next
	}
	return current, nil
}

// ExecuteParallel runs every callback concurrently against the same
// initial value and returns their results in hook order. Errors from
// individual callbacks are joined.
func (h *HookRegistry) ExecuteParallel(ctx context.Context, name string, value any, args ...any) ([]any, error) {
	entries := h.snapshot(name)
	results := make([]any, len(entries))
	errs := make([]error, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, e *hookEntry) {
			defer wg.Done()
			results[i], errs[i] = e.fn(ctx, value, args...)
		}(i, entry)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return results, fmt.Errorf("hook %s: %w", name, err)
	}
	return results, nil
}

// Collect runs each callback in order and gathers all non-nil results.
// Individual callback errors are logged and swallowed; the remaining
// callbacks still run.
func (h *HookRegistry) Collect(ctx context.Context, name string, value any, args ...any) []any {
	var results []any
	for _, entry := range h.snapshot(name) {
		result, err := entry.fn(ctx, value, args...)
		if err != nil {
			h.logger.Warn("Hook callback failed during collect", "hook", name, "error", err)
			continue
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results
}

// ExecuteUntil runs callbacks in order and stops at the first truthy
// result, returning it. Callback errors are logged and skipped. Returns
// nil when no callback produced a truthy result.
func (h *HookRegistry) ExecuteUntil(ctx context.Context, name string, value any, args ...any) any {
	for _, entry := range h.snapshot(name) {
		result, err := entry.fn(ctx, value, args...)
		if err != nil {
			h.logger.Warn("Hook callback failed during executeUntil", "hook", name, "error", err)
			continue
		}
		if isTruthy(result) {
			return result
		}
	}
	return nil
}

// HookCount returns the number of callbacks registered under a name.
func (h *HookRegistry) HookCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks[name])
}

// HookNames lists hook names with at least one callback.
func (h *HookRegistry) HookNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.hooks))
	for name := range h.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes every hook.
func (h *HookRegistry) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = make(map[string][]*hookEntry)
}

// isTruthy mirrors loose truthiness for hook short-circuiting: nil,
// false, zero numbers and empty strings are falsy; everything else is
// truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
