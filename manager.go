package plugrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Stats is the aggregate runtime snapshot returned by Manager.GetStats.
type Stats struct {
	Initialized  bool          `json:"initialized"`
	Registry     RegistryStats `json:"registry"`
	LoadOrder    []string      `json:"loadOrder"`
	EventHistory int           `json:"eventHistory"`
	EventNames   []string      `json:"eventNames"`
	HookNames    []string      `json:"hookNames"`
}

// Manager is the top-level orchestrator of the module runtime. It drives
// the full initialize sequence, exposes aggregated capability queries to
// the host, supports runtime enable/disable and configuration updates,
// and shuts the whole system down.
//
// A Manager is an explicit object owned by the host's composition root;
// there is no process-wide singleton. Shutdown resets it for reuse,
// which also gives tests clean isolation.
type Manager struct {
	mu          sync.Mutex
	initialized bool

	coreVersion string
	logger      Logger
	locales     []string
	historySize int
	healthSpec  string

	loader       *ManifestLoader
	validator    *Validator
	configs      *ConfigManager
	translations *TranslationRegistry
	localization *LocalizationManager
	registry     *ModuleRegistry
	bus          *EventBus
	hooks        *HookRegistry
	observers    *observerRegistry
	health       *HealthMonitor
	watcher      *ConfigWatcher

	hostConfig *HostConfig
	loadOrder  []string
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger replaces the default slog-backed logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLocales sets the locales whose translation bundles load at module
// registration. Defaults to ["en"].
func WithLocales(locales ...string) Option {
	return func(m *Manager) { m.locales = locales }
}

// WithEventHistorySize sets the event bus history ring capacity.
func WithEventHistorySize(size int) Option {
	return func(m *Manager) { m.historySize = size }
}

// WithHealthSchedule sets the cron schedule for module health checks.
func WithHealthSchedule(spec string) Option {
	return func(m *Manager) { m.healthSpec = spec }
}

// NewManager creates a runtime manager for a host running the given core
// version.
func NewManager(coreVersion string, opts ...Option) (*Manager, error) {
	m := &Manager{
		coreVersion: coreVersion,
		locales:     []string{"en"},
		historySize: DefaultEventHistorySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = NewSlogLogger("info")
	}

	validator, err := NewValidator(coreVersion, m.logger)
	if err != nil {
		return nil, err
	}

	m.validator = validator
	m.loader = NewManifestLoader(m.logger)
	m.configs = NewConfigManager(m.logger)
	m.translations = NewTranslationRegistry()
	m.localization = NewLocalizationManager(m.translations, m.locales, m.logger)
	m.registry = NewModuleRegistry(m.loader, m.validator, m.configs, m.logger)
	m.bus = NewEventBus(m.historySize, m.logger)
	m.hooks = NewHookRegistry(m.logger)
	m.observers = newObserverRegistry(m.logger)
	m.health = NewHealthMonitor(m.registry, m.bus, m.healthSpec, m.logger)
	return m, nil
}

// Initialize drives the full startup sequence: register every enabled
// host entry, resolve the dependency order, then enable modules strictly
// in that order. It is idempotent; re-entrant calls are a no-op.
//
// Startup is all-or-nothing for structural, compatibility, configuration
// and dependency failures: one module's failure aborts the entire call.
// Capability-loader failures inside an individual module degrade
// gracefully instead (see enableModule). A half-started dependency graph
// would leave dependents observing enabled-but-absent peers, so the
// asymmetry is deliberate.
func (m *Manager) Initialize(ctx context.Context, cfg *HostConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.logger.Debug("Runtime already initialized, skipping")
		return nil
	}
	if cfg == nil {
		return ErrHostConfigNil
	}
	m.hostConfig = cfg

	if cfg.Global.LogLevel != "" {
		if lvl, ok := m.logger.(interface{ SetLevel(string) }); ok {
			lvl.SetLevel(cfg.Global.LogLevel)
		}
	}

	if cfg.Global.SandboxMode != "" {
		m.logger.Info("Sandbox mode is advisory only", "mode", cfg.Global.SandboxMode)
	}

	// Register every enabled entry. Disabled entries are ignored
	// entirely; they do not participate in dependency resolution.
	for _, entry := range cfg.Modules {
		if !entry.Enabled {
			m.logger.Debug("Skipping disabled module entry", "source", entry.Source)
			continue
		}
		mc := newModuleContext(cfg.Global, m.bus, m.hooks, m.registry, m.logger)
		rec, err := m.registry.Register(entry, mc)
		if err != nil {
			return fmt.Errorf("registering %s: %w", entry.Reference.Source, err)
		}
		m.localization.LoadModuleTranslations(ctx, rec.Manifest, entry)
		m.observers.notify(ctx, NewCloudEvent(EventTypeModuleRegistered, "plugrun/manager", rec.ID))
	}

	order, err := m.resolveLoadOrder()
	if err != nil {
		return err
	}
	m.loadOrder = order

	for _, id := range order {
		rec, ok := m.registry.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
		}
		if err := m.enableModule(ctx, rec); err != nil {
			return err
		}
	}

	if m.hasHealthChecks() {
		if err := m.health.Start(); err != nil {
			m.logger.Warn("Health monitor failed to start", "error", err)
		}
	}

	m.initialized = true
	m.bus.Emit(ctx, "runtime:initialized", order)
	m.observers.notify(ctx, NewCloudEvent(EventTypeRuntimeInitialized, "plugrun/manager", order))
	m.logger.Info("Runtime initialized", "modules", len(order))
	return nil
}

// InitializeFromFile loads the host configuration from a file, binds the
// given entry points, and initializes. When the global EnableHotReload
// flag is set, a watcher re-applies module config overrides on file
// changes.
func (m *Manager) InitializeFromFile(ctx context.Context, path string, entries map[string]EntryPoint) error {
	cfg, err := LoadHostConfigFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Bind(entries); err != nil {
		return err
	}
	if err := m.Initialize(ctx, cfg); err != nil {
		return err
	}

	if cfg.Global.EnableHotReload {
		watcher, err := NewConfigWatcher(m, path, m.logger)
		if err != nil {
			m.logger.Warn("Hot reload unavailable", "error", err)
			return nil
		}
		if err := watcher.Start(); err != nil {
			m.logger.Warn("Hot reload unavailable", "error", err)
			return nil
		}
		m.mu.Lock()
		m.watcher = watcher
		m.mu.Unlock()
	}
	return nil
}

// resolveLoadOrder builds a fresh dependency graph over every registered
// record and topologically sorts it.
func (m *Manager) resolveLoadOrder() ([]string, error) {
	resolver := NewDependencyResolver(m.logger)
	for _, rec := range m.registry.All() {
		resolver.AddNode(rec.ID, rec.Manifest.Dependencies)
	}
	order, err := resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving module dependencies: %w", err)
	}
	return order, nil
}

// enableModule walks one module through its enablement sequence:
// status loading, BeforeStart, capability loading, OnEnable, status
// enabled, AfterStart, then the plugin:enabled event.
//
// Each capability loader's failure is caught individually: the module
// just contributes an empty list for that capability and continues.
// Lifecycle hook failures are fatal for the module and move it to the
// terminal error status.
func (m *Manager) enableModule(ctx context.Context, rec *LoadedModule) error {
	if err := m.registry.UpdateStatus(rec.ID, StatusLoading); err != nil {
		return err
	}

	lc := rec.Manifest.Lifecycle
	fail := func(stage string, err error) error {
		_ = m.registry.UpdateStatus(rec.ID, StatusError)
		m.observers.notify(ctx, NewCloudEvent(EventTypeModuleFailed, "plugrun/manager", rec.ID))
		return fmt.Errorf("module %s %s: %w", rec.ID, stage, err)
	}

	if lc != nil && lc.BeforeStart != nil {
		if err := lc.BeforeStart(ctx, rec.Context); err != nil {
			return fail("beforeStart", err)
		}
	}

	m.loadCapabilities(ctx, rec)

	if lc != nil && lc.OnEnable != nil {
		if err := lc.OnEnable(ctx, rec.Context); err != nil {
			return fail("onEnable", err)
		}
	}

	rec.setEnabled(true)
	if err := m.registry.UpdateStatus(rec.ID, StatusEnabled); err != nil {
		return err
	}

	if lc != nil && lc.AfterStart != nil {
		if err := lc.AfterStart(ctx, rec.Context); err != nil {
			return fail("afterStart", err)
		}
	}

	m.bus.Emit(ctx, "plugin:enabled", rec.ID)
	m.observers.notify(ctx, NewCloudEvent(EventTypeModuleEnabled, "plugrun/manager", rec.ID))
	m.logger.Info("Module enabled", "module", rec.ID)
	return nil
}

// loadCapabilities invokes the manifest's capability loaders. Failures
// are isolated per capability: a throwing loader is logged as a warning
// and its list stays empty.
func (m *Manager) loadCapabilities(ctx context.Context, rec *LoadedModule) {
	var routes []Route
	var menu []MenuItem
	var widgets []Widget
	var perms []Permission

	if fe := rec.Manifest.Frontend; fe != nil {
		if fe.Routes != nil {
			if loaded, err := loadCapability(ctx, fe.Routes); err != nil {
				m.logger.Warn("Route loader failed, module continues without routes", "module", rec.ID, "error", err)
			} else {
				routes = loaded
			}
		}
		if fe.Menu != nil {
			if loaded, err := loadCapability(ctx, fe.Menu); err != nil {
				m.logger.Warn("Menu loader failed, module continues without menu items", "module", rec.ID, "error", err)
			} else {
				menu = loaded
			}
		}
		if fe.Widgets != nil {
			if loaded, err := loadCapability(ctx, fe.Widgets); err != nil {
				m.logger.Warn("Widget loader failed, module continues without widgets", "module", rec.ID, "error", err)
			} else {
				widgets = loaded
			}
		}
	}
	if rec.Manifest.Permissions != nil {
		if loaded, err := loadCapability(ctx, rec.Manifest.Permissions); err != nil {
			m.logger.Warn("Permission loader failed, module continues without permissions", "module", rec.ID, "error", err)
		} else {
			perms = loaded
		}
	}
	if rec.Manifest.Backend != nil {
		if _, err := loadBackend(ctx, rec.Manifest.Backend); err != nil {
			m.logger.Warn("Backend loader failed, module continues without backend capabilities", "module", rec.ID, "error", err)
		}
	}

	rec.setCapabilities(routes, menu, widgets, perms)
}

// loadCapability invokes one loader with panic isolation.
func loadCapability[T any](ctx context.Context, loader func(context.Context) ([]T, error)) (result []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("capability loader panicked: %v", r)
		}
	}()
	return loader(ctx)
}

func loadBackend(ctx context.Context, loader BackendLoader) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("backend loader panicked: %v", r)
		}
	}()
	return loader(ctx)
}

// DisablePlugin runs the module's OnDisable hook, marks it disabled and
// emits plugin:disabled. Disabling an already-disabled module is an
// error so hosts notice double-dispatch bugs.
func (m *Manager) DisablePlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disableLocked(ctx, id)
}

func (m *Manager) disableLocked(ctx context.Context, id string) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if rec.Status() != StatusEnabled {
		return fmt.Errorf("%w: %s", ErrAlreadyDisabled, id)
	}

	if lc := rec.Manifest.Lifecycle; lc != nil && lc.OnDisable != nil {
		if err := lc.OnDisable(ctx, rec.Context); err != nil {
			m.logger.Warn("Module onDisable hook failed", "module", id, "error", err)
		}
	}

	rec.setEnabled(false)
	if err := m.registry.UpdateStatus(id, StatusDisabled); err != nil {
		return err
	}

	m.bus.Emit(ctx, "plugin:disabled", id)
	m.observers.notify(ctx, NewCloudEvent(EventTypeModuleDisabled, "plugrun/manager", id))
	m.logger.Info("Module disabled", "module", id)
	return nil
}

// EnablePlugin re-enables a module disabled at runtime, running the full
// enablement sequence again.
func (m *Manager) EnablePlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if rec.Status() == StatusEnabled {
		return nil
	}
	return m.enableModule(ctx, rec)
}

// UnregisterPlugin disables the module if needed, then removes it and
// its contributions from every aggregate immediately.
func (m *Manager) UnregisterPlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if rec.Status() == StatusEnabled {
		if err := m.disableLocked(ctx, id); err != nil {
			return err
		}
	}

	m.localization.RemoveModule(rec.Manifest)
	if err := m.registry.Unregister(ctx, id); err != nil {
		return err
	}

	for i, orderedID := range m.loadOrder {
		if orderedID == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.observers.notify(ctx, NewCloudEvent(EventTypeModuleUnregistered, "plugrun/manager", id))
	return nil
}

// enabledInLoadOrder walks records in load order, enabled only.
func (m *Manager) enabledInLoadOrder() []*LoadedModule {
	var records []*LoadedModule
	for _, id := range m.loadOrder {
		if rec, ok := m.registry.Get(id); ok && rec.Status() == StatusEnabled {
			records = append(records, rec)
		}
	}
	return records
}

// GetRoutes aggregates routes across enabled modules in load order.
func (m *Manager) GetRoutes() []Route {
	var routes []Route
	for _, rec := range m.enabledInLoadOrder() {
		routes = append(routes, rec.Routes()...)
	}
	return routes
}

// GetRoutesForPermissions returns routes visible to a caller holding the
// given permissions. Routes with no required permission are public.
func (m *Manager) GetRoutesForPermissions(permissions []string) []Route {
	held := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		held[p] = true
	}
	var routes []Route
	for _, route := range m.GetRoutes() {
		if route.RequiredPermission == "" || held[route.RequiredPermission] {
			routes = append(routes, route)
		}
	}
	return routes
}

// GetMenuItems aggregates menu items across enabled modules, sorted by
// Order ascending (stable across equal orders).
func (m *Manager) GetMenuItems() []MenuItem {
	var items []MenuItem
	for _, rec := range m.enabledInLoadOrder() {
		items = append(items, rec.MenuItems()...)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items
}

// GetMenuItemsForPermissions filters GetMenuItems by a caller permission
// set; items with no required permission are public.
func (m *Manager) GetMenuItemsForPermissions(permissions []string) []MenuItem {
	held := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		held[p] = true
	}
	var items []MenuItem
	for _, item := range m.GetMenuItems() {
		if item.RequiredPermission == "" || held[item.RequiredPermission] {
			items = append(items, item)
		}
	}
	return items
}

// GetWidgets aggregates widgets across enabled modules in load order.
func (m *Manager) GetWidgets() []Widget {
	var widgets []Widget
	for _, rec := range m.enabledInLoadOrder() {
		widgets = append(widgets, rec.Widgets()...)
	}
	return widgets
}

// GetPermissions aggregates declared permissions across enabled modules.
func (m *Manager) GetPermissions() []Permission {
	var perms []Permission
	for _, rec := range m.enabledInLoadOrder() {
		perms = append(perms, rec.Permissions()...)
	}
	return perms
}

// GetPluginConfig returns a module's merged configuration.
func (m *Manager) GetPluginConfig(id string) (map[string]any, error) {
	cfg, ok := m.configs.GetConfig(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotLoaded, id)
	}
	return cfg, nil
}

// UpdatePluginConfig merges a partial update into a module's config,
// re-validating against its schema and invoking its OnConfigChange hook.
func (m *Manager) UpdatePluginConfig(ctx context.Context, id string, updates map[string]any) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if err := m.configs.UpdateConfig(ctx, rec, updates); err != nil {
		return err
	}
	m.bus.Emit(ctx, "plugin:config-changed", id)
	m.observers.notify(ctx, NewCloudEvent(EventTypeConfigChanged, "plugrun/manager", id))
	return nil
}

// IsFeatureEnabled resolves a feature flag for a module; host-level
// flags win over the module's own config.features map.
func (m *Manager) IsFeatureEnabled(id, name string) bool {
	rec, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	return m.configs.IsFeatureEnabled(rec, name)
}

// RegisterHook attaches a callback to a named extension point.
func (m *Manager) RegisterHook(name string, priority int, fn HookFunc) func() {
	return m.hooks.Register(name, priority, fn)
}

// ExecuteHook runs a named extension point as a filter chain.
func (m *Manager) ExecuteHook(ctx context.Context, name string, value any, args ...any) (any, error) {
	return m.hooks.Execute(ctx, name, value, args...)
}

// Emit publishes an event on the shared bus.
func (m *Manager) Emit(ctx context.Context, name string, payload any) {
	m.bus.Emit(ctx, name, payload)
}

// On subscribes to an event on the shared bus.
func (m *Manager) On(name string, handler EventHandler) func() {
	return m.bus.On(name, handler)
}

// EventBus exposes the shared event bus.
func (m *Manager) EventBus() *EventBus { return m.bus }

// Hooks exposes the hook registry.
func (m *Manager) Hooks() *HookRegistry { return m.hooks }

// Registry exposes the loaded-module registry.
func (m *Manager) Registry() *ModuleRegistry { return m.registry }

// Translations exposes the shared translation registry.
func (m *Manager) Translations() *TranslationRegistry { return m.translations }

// Localization exposes the localization manager.
func (m *Manager) Localization() *LocalizationManager { return m.localization }

// Configs exposes the config manager.
func (m *Manager) Configs() *ConfigManager { return m.configs }

// HealthMonitor exposes the health monitor.
func (m *Manager) HealthMonitor() *HealthMonitor { return m.health }

// RegisterObserver implements Subject.
func (m *Manager) RegisterObserver(observer Observer, eventTypes ...string) error {
	return m.observers.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver implements Subject.
func (m *Manager) UnregisterObserver(observer Observer) error {
	return m.observers.UnregisterObserver(observer)
}

// GetObservers implements Subject.
func (m *Manager) GetObservers() []ObserverInfo {
	return m.observers.GetObservers()
}

// GetStats aggregates runtime statistics for monitoring.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	initialized := m.initialized
	order := append([]string(nil), m.loadOrder...)
	m.mu.Unlock()

	return Stats{
		Initialized:  initialized,
		Registry:     m.registry.Stats(),
		LoadOrder:    order,
		EventHistory: len(m.bus.History()),
		EventNames:   m.bus.EventNames(),
		HookNames:    m.hooks.HookNames(),
	}
}

// LoadOrder returns the topological load order from the last initialize.
func (m *Manager) LoadOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loadOrder...)
}

// Shutdown disables every enabled module in reverse load order, stops
// the health monitor and config watcher, clears all caches, and resets
// the initialized flag so the manager can be initialized again.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}

	if m.watcher != nil {
		m.watcher.Stop()
		m.watcher = nil
	}
	m.health.Stop()

	var lastErr error
	for i := len(m.loadOrder) - 1; i >= 0; i-- {
		id := m.loadOrder[i]
		rec, ok := m.registry.Get(id)
		if !ok || rec.Status() != StatusEnabled {
			continue
		}
		if err := m.disableLocked(ctx, id); err != nil {
			m.logger.Error("Error disabling module during shutdown", "module", id, "error", err)
			lastErr = err
		}
	}

	m.registry.Clear()
	m.configs.Clear()
	m.localization.Clear()
	m.translations.Clear()
	m.loader.Clear()
	m.hooks.Clear()

	m.bus.Emit(ctx, "runtime:shutdown", nil)
	m.observers.notify(ctx, NewCloudEvent(EventTypeRuntimeShutdown, "plugrun/manager", nil))
	m.bus.Clear()

	m.loadOrder = nil
	m.hostConfig = nil
	m.initialized = false
	m.logger.Info("Runtime shut down")
	return lastErr
}

// hasHealthChecks reports whether any registered module declares one.
func (m *Manager) hasHealthChecks() bool {
	for _, rec := range m.registry.All() {
		if rec.Manifest.HealthCheck != nil {
			return true
		}
	}
	return false
}

// moduleIDForSource maps a host entry source back to a registered module
// id, for the config watcher.
func (m *Manager) moduleIDForSource(source string) string {
	for _, rec := range m.registry.All() {
		if rec.Entry.Source == source || rec.Entry.Reference.Source == source {
			return rec.ID
		}
	}
	return ""
}
