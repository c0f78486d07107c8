package plugrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one record delivered to listeners and kept in the bus history.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler handles a delivered event. Errors are isolated per
// listener during synchronous emission and joined during EmitAsync.
type EventHandler func(ctx context.Context, event Event) error

// DefaultEventHistorySize bounds the diagnostic ring buffer when the
// host does not configure one.
const DefaultEventHistorySize = 100

type busListener struct {
	id   string
	fn   EventHandler
	once bool
}

// EventBus is a named publish/subscribe channel supporting synchronous
// and asynchronous emission, one-shot listeners, a bounded history ring
// buffer, and waiting for the next occurrence of an event.
type EventBus struct {
	mu          sync.RWMutex
	listeners   map[string][]*busListener
	history     []Event
	historySize int
	logger      Logger
}

// NewEventBus creates an event bus with the given history capacity;
// values below one fall back to DefaultEventHistorySize.
func NewEventBus(historySize int, logger Logger) *EventBus {
	if historySize < 1 {
		historySize = DefaultEventHistorySize
	}
	return &EventBus{
		listeners:   make(map[string][]*busListener),
		historySize: historySize,
		logger:      logger,
	}
}

// On registers a listener for the named event and returns an unsubscribe
// closure. Listeners are invoked in registration order.
func (b *EventBus) On(name string, handler EventHandler) func() {
	return b.register(name, handler, false)
}

// Once registers a listener that self-unsubscribes after its first
// invocation.
func (b *EventBus) Once(name string, handler EventHandler) func() {
	return b.register(name, handler, true)
}

func (b *EventBus) register(name string, handler EventHandler, once bool) func() {
	if handler == nil {
		b.logger.Error("Ignoring nil event listener", "event", name)
		return func() {}
	}
	entry := &busListener{id: uuid.New().String(), fn: handler, once: once}

	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], entry)
	b.mu.Unlock()

	return func() { b.remove(name, entry.id) }
}

func (b *EventBus) remove(name, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[name]
	for i, e := range entries {
		if e.id == id {
			b.listeners[name] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(b.listeners[name]) == 0 {
		delete(b.listeners, name)
	}
}

// Emit synchronously invokes every listener registered before the call,
// in registration order. A failing or panicking listener is logged and
// does not prevent the remaining listeners from running. The emission is
// recorded in the bounded history buffer.
func (b *EventBus) Emit(ctx context.Context, name string, payload any) {
	event := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	snapshot := append([]*busListener(nil), b.listeners[name]...)
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.mu.Unlock()

	for _, entry := range snapshot {
		if entry.once {
			b.remove(name, entry.id)
		}
		b.invoke(ctx, entry, event)
	}
}

func (b *EventBus) invoke(ctx context.Context, entry *busListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked", "event", event.Name, "panic", r)
		}
	}()
	if err := entry.fn(ctx, event); err != nil {
		b.logger.Error("Event listener failed", "event", event.Name, "error", err)
	}
}

// EmitAsync invokes all listeners concurrently and waits for them. The
// returned error joins every listener failure; nil means all succeeded.
func (b *EventBus) EmitAsync(ctx context.Context, name string, payload any) error {
	event := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	snapshot := append([]*busListener(nil), b.listeners[name]...)
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.mu.Unlock()

	errCh := make(chan error, len(snapshot))
	var wg sync.WaitGroup
	for _, entry := range snapshot {
		if entry.once {
			b.remove(name, entry.id)
		}
		wg.Add(1)
		go func(e *busListener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("listener for %s panicked: %v", name, r)
				}
			}()
			if err := e.fn(ctx, event); err != nil {
				errCh <- err
			}
		}(entry)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WaitFor blocks until the next occurrence of the named event, the
// timeout elapses, or the context is cancelled. A timeout of zero or
// less waits indefinitely (subject to the context).
func (b *EventBus) WaitFor(ctx context.Context, name string, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	unsubscribe := b.Once(name, func(_ context.Context, event Event) error {
		select {
		case ch <- event:
		default:
		}
		return nil
	})
	defer unsubscribe()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case event := <-ch:
		return event, nil
	case <-timer:
		return Event{}, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, name, timeout)
	case <-ctx.Done():
		return Event{}, fmt.Errorf("waiting for %s: %w", name, ctx.Err())
	}
}

// History returns a copy of the recorded events, oldest first.
func (b *EventBus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}

// ListenerCount returns the number of listeners currently registered for
// an event name.
func (b *EventBus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// EventNames lists event names with at least one listener.
func (b *EventBus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all listeners and history.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*busListener)
	b.history = nil
}

// Namespace returns a view of the bus whose emit/listen operations are
// prefixed with "<prefix>:", scoping events to one module.
func (b *EventBus) Namespace(prefix string) *NamespacedBus {
	return &NamespacedBus{bus: b, prefix: prefix}
}

// NamespacedBus wraps an EventBus with a fixed event-name prefix.
type NamespacedBus struct {
	bus    *EventBus
	prefix string
}

func (n *NamespacedBus) name(event string) string {
	return n.prefix + ":" + event
}

// Emit emits a namespaced event.
func (n *NamespacedBus) Emit(ctx context.Context, event string, payload any) {
	n.bus.Emit(ctx, n.name(event), payload)
}

// EmitAsync emits a namespaced event asynchronously.
func (n *NamespacedBus) EmitAsync(ctx context.Context, event string, payload any) error {
	return n.bus.EmitAsync(ctx, n.name(event), payload)
}

// On subscribes to a namespaced event.
func (n *NamespacedBus) On(event string, handler EventHandler) func() {
	return n.bus.On(n.name(event), handler)
}

// Once subscribes to the next occurrence of a namespaced event.
func (n *NamespacedBus) Once(event string, handler EventHandler) func() {
	return n.bus.Once(n.name(event), handler)
}
