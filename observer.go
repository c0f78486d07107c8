package plugrun

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for host-facing lifecycle notifications, in
// reverse domain notation per the CloudEvents specification. These are
// separate from the internal event bus: observers receive structured
// CloudEvents suitable for forwarding to external systems.
const (
	EventTypeModuleRegistered   = "com.plugrun.module.registered"
	EventTypeModuleEnabled      = "com.plugrun.module.enabled"
	EventTypeModuleDisabled     = "com.plugrun.module.disabled"
	EventTypeModuleUnregistered = "com.plugrun.module.unregistered"
	EventTypeModuleFailed       = "com.plugrun.module.failed"
	EventTypeConfigChanged      = "com.plugrun.config.changed"
	EventTypeHealthChanged      = "com.plugrun.module.health-changed"
	EventTypeRuntimeInitialized = "com.plugrun.runtime.initialized"
	EventTypeRuntimeShutdown    = "com.plugrun.runtime.shutdown"
)

// Observer is notified of runtime lifecycle events. Observers should
// handle events quickly to avoid delaying the initialize sequence.
type Observer interface {
	// OnEvent is called when an event the observer subscribed to occurs.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for registration tracking.
	ObserverID() string
}

// Subject is implemented by the manager: observers register with it to
// receive lifecycle notifications.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered by event
	// types. An empty filter receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for debugging and
// monitoring.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver creates observers from plain functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver wraps a handler function as an Observer.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// NewCloudEvent builds a CloudEvent with the runtime's conventions.
func NewCloudEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())
	if data != nil {
		// Data marshalling failure leaves an empty payload; the type and
		// source still carry the notification.
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

type observerEntry struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// observerRegistry implements Subject for the manager.
type observerRegistry struct {
	mu      sync.RWMutex
	entries []*observerEntry
	logger  Logger
}

func newObserverRegistry(logger Logger) *observerRegistry {
	return &observerRegistry{logger: logger}
}

func (o *observerRegistry) RegisterObserver(observer Observer, eventTypes ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	o.entries = append(o.entries, &observerEntry{
		observer:     observer,
		eventTypes:   filter,
		registeredAt: time.Now(),
	})
	return nil
}

func (o *observerRegistry) UnregisterObserver(observer Observer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, entry := range o.entries {
		if entry.observer.ObserverID() == observer.ObserverID() {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (o *observerRegistry) GetObservers() []ObserverInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	infos := make([]ObserverInfo, 0, len(o.entries))
	for _, entry := range o.entries {
		types := make([]string, 0, len(entry.eventTypes))
		for t := range entry.eventTypes {
			types = append(types, t)
		}
		infos = append(infos, ObserverInfo{
			ID:           entry.observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: entry.registeredAt,
		})
	}
	return infos
}

// notify delivers an event to every observer whose filter matches.
// Observer errors are logged, never propagated.
func (o *observerRegistry) notify(ctx context.Context, event cloudevents.Event) {
	o.mu.RLock()
	snapshot := append([]*observerEntry(nil), o.entries...)
	o.mu.RUnlock()

	for _, entry := range snapshot {
		if len(entry.eventTypes) > 0 && !entry.eventTypes[event.Type()] {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			o.logger.Warn("Observer failed to handle event",
				"observer", entry.observer.ObserverID(), "type", event.Type(), "error", err)
		}
	}
}
