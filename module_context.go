package plugrun

import (
	"context"
	"sync"
)

// ModuleContext is the execution context handed to a module's lifecycle
// callbacks. It exposes a module-scoped logger, emit/on bound to the
// shared event bus under the module's namespace, hook registration, and
// a lookup of other loaded modules by id.
//
// The sandbox mode and resource limits are policy values only; the
// runtime does not enforce isolation.
type ModuleContext struct {
	Logger  Logger
	Sandbox SandboxMode
	Limits  GlobalSettings

	mu       sync.RWMutex
	moduleID string
	config   map[string]any

	bus      *EventBus
	scoped   *NamespacedBus
	hooks    *HookRegistry
	registry *ModuleRegistry
}

func newModuleContext(global GlobalSettings, bus *EventBus, hooks *HookRegistry, registry *ModuleRegistry, logger Logger) *ModuleContext {
	return &ModuleContext{
		Logger:   logger,
		Sandbox:  global.SandboxMode,
		Limits:   global,
		bus:      bus,
		hooks:    hooks,
		registry: registry,
	}
}

// attach binds the context to its module once the manifest id is known.
func (mc *ModuleContext) attach(moduleID string, config map[string]any) {
	mc.mu.Lock()
	mc.moduleID = moduleID
	mc.config = config
	mc.mu.Unlock()
	mc.scoped = mc.bus.Namespace(moduleID)
	mc.Logger = &moduleLogger{moduleID: moduleID, inner: mc.Logger}
}

func (mc *ModuleContext) setConfig(cfg map[string]any) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.config = cfg
}

// ModuleID returns the owning module's id.
func (mc *ModuleContext) ModuleID() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.moduleID
}

// Config returns the module's current merged configuration.
func (mc *ModuleContext) Config() map[string]any {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.config
}

// Emit publishes an event namespaced under the module's id.
func (mc *ModuleContext) Emit(ctx context.Context, event string, payload any) {
	mc.scoped.Emit(ctx, event, payload)
}

// On subscribes to an event namespaced under the module's id and returns
// an unsubscribe closure.
func (mc *ModuleContext) On(event string, handler EventHandler) func() {
	return mc.scoped.On(event, handler)
}

// OnGlobal subscribes to an un-namespaced event on the shared bus, for
// listening to other modules' events or runtime events.
func (mc *ModuleContext) OnGlobal(event string, handler EventHandler) func() {
	return mc.bus.On(event, handler)
}

// EmitGlobal publishes an un-namespaced event on the shared bus.
func (mc *ModuleContext) EmitGlobal(ctx context.Context, event string, payload any) {
	mc.bus.Emit(ctx, event, payload)
}

// RegisterHook attaches a callback to a named extension point.
func (mc *ModuleContext) RegisterHook(name string, priority int, fn HookFunc) func() {
	return mc.hooks.Register(name, priority, fn)
}

// ExecuteHook runs a named extension point as a filter chain.
func (mc *ModuleContext) ExecuteHook(ctx context.Context, name string, value any, args ...any) (any, error) {
	return mc.hooks.Execute(ctx, name, value, args...)
}

// Peer looks up another loaded module by id.
func (mc *ModuleContext) Peer(id string) (*LoadedModule, bool) {
	return mc.registry.Get(id)
}
