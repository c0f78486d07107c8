package plugrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModuleStatus is a loaded module's lifecycle state. Transitions are
// monotonic; the only regression permitted is into the terminal error
// state, plus disabled back to loading for runtime re-enables.
type ModuleStatus string

const (
	StatusLoaded   ModuleStatus = "loaded"
	StatusLoading  ModuleStatus = "loading"
	StatusEnabled  ModuleStatus = "enabled"
	StatusDisabled ModuleStatus = "disabled"
	StatusError    ModuleStatus = "error"
)

var validTransitions = map[ModuleStatus][]ModuleStatus{
	StatusLoaded:   {StatusLoading, StatusError},
	StatusLoading:  {StatusEnabled, StatusError},
	StatusEnabled:  {StatusDisabled, StatusError},
	StatusDisabled: {StatusLoading, StatusError},
	StatusError:    {},
}

// HealthState records the most recent health-check outcome for a module.
type HealthState struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"lastChecked"`
	LastError   string    `json:"lastError,omitempty"`
}

// LoadedModule is the runtime record for one registered module. It is
// created on registration and destroyed on unregister or shutdown.
// Status is mutated only through the registry, and only by the manager.
type LoadedModule struct {
	ID       string
	Manifest *Manifest
	Entry    ModuleEntry
	Context  *ModuleContext

	mu          sync.RWMutex
	config      map[string]any
	enabled     bool
	status      ModuleStatus
	health      HealthState
	routes      []Route
	menuItems   []MenuItem
	widgets     []Widget
	permissions []Permission
}

// Status returns the module's current lifecycle status.
func (r *LoadedModule) Status() ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Enabled reports whether the module is currently enabled.
func (r *LoadedModule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Config returns the module's merged configuration.
func (r *LoadedModule) Config() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Health returns the most recent health-check state.
func (r *LoadedModule) Health() HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Routes returns the module's collected routes.
func (r *LoadedModule) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// MenuItems returns the module's collected menu items.
func (r *LoadedModule) MenuItems() []MenuItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MenuItem(nil), r.menuItems...)
}

// Widgets returns the module's collected widgets.
func (r *LoadedModule) Widgets() []Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Widget(nil), r.widgets...)
}

// Permissions returns the module's collected permissions.
func (r *LoadedModule) Permissions() []Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Permission(nil), r.permissions...)
}

func (r *LoadedModule) setConfig(cfg map[string]any) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	if r.Context != nil {
		r.Context.setConfig(cfg)
	}
}

func (r *LoadedModule) setEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

func (r *LoadedModule) setCapabilities(routes []Route, menu []MenuItem, widgets []Widget, perms []Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = routes
	r.menuItems = menu
	r.widgets = widgets
	r.permissions = perms
}

// RegistryStats aggregates counts over the registry's records.
type RegistryStats struct {
	Total      int                  `json:"total"`
	Enabled    int                  `json:"enabled"`
	ByStatus   map[ModuleStatus]int `json:"byStatus"`
	ByCategory map[Category]int     `json:"byCategory"`
}

// ModuleRegistry is the central store of loaded-module records, the only
// shared mutable state in the runtime. All mutation goes through the
// manager, sequentially; the registry itself is safe for concurrent
// reads.
type ModuleRegistry struct {
	mu        sync.RWMutex
	records   map[string]*LoadedModule
	loader    *ManifestLoader
	validator *Validator
	configs   *ConfigManager
	logger    Logger
}

// NewModuleRegistry creates a module registry wired to the loader,
// validator and config manager it registers through.
func NewModuleRegistry(loader *ManifestLoader, validator *Validator, configs *ConfigManager, logger Logger) *ModuleRegistry {
	return &ModuleRegistry{
		records:   make(map[string]*LoadedModule),
		loader:    loader,
		validator: validator,
		configs:   configs,
		logger:    logger,
	}
}

// Register loads and validates the entry's manifest, computes the merged
// configuration, and stores a new record with status loaded. Duplicate
// ids are rejected outright with no mutation. Validation warnings are
// logged; any validation error aborts the registration.
func (r *ModuleRegistry) Register(entry ModuleEntry, mc *ModuleContext) (*LoadedModule, error) {
	manifest, err := r.loader.Load(entry.Reference)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.records[manifest.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, manifest.ID)
	}

	result := r.validator.Validate(manifest, entry)
	if err := result.Err(); err != nil {
		return nil, err
	}

	cfg, err := r.configs.LoadConfig(manifest, entry)
	if err != nil {
		return nil, err
	}

	rec := &LoadedModule{
		ID:       manifest.ID,
		Manifest: manifest,
		Entry:    entry,
		Context:  mc,
		config:   cfg,
		status:   StatusLoaded,
	}
	if mc != nil {
		mc.attach(manifest.ID, cfg)
	}

	r.mu.Lock()
	if _, exists := r.records[manifest.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, manifest.ID)
	}
	r.records[manifest.ID] = rec
	r.mu.Unlock()

	r.logger.Info("Registered module", "module", manifest.ID, "version", manifest.Version, "warnings", len(result.Warnings))
	return rec, nil
}

// Unregister invokes the module's OnUninstall hook if present, then
// deletes the record and its cached configuration.
func (r *ModuleRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	rec, exists := r.records[id]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	if rec.Manifest.Lifecycle != nil && rec.Manifest.Lifecycle.OnUninstall != nil {
		if err := rec.Manifest.Lifecycle.OnUninstall(ctx, rec.Context); err != nil {
			r.logger.Warn("Module onUninstall hook failed", "module", id, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()

	r.configs.Remove(id)
	r.logger.Info("Unregistered module", "module", id)
	return nil
}

// UpdateStatus is the only status mutator. It enforces the transition
// table; the manager is its sole caller.
func (r *ModuleRegistry) UpdateStatus(id string, status ModuleStatus) error {
	r.mu.RLock()
	rec, exists := r.records[id]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == status {
		return nil
	}
	for _, allowed := range validTransitions[rec.status] {
		if allowed == status {
			r.logger.Debug("Module status transition", "module", id, "from", rec.status, "to", status)
			rec.status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, id, rec.status, status)
}

// SetHealth records a health-check outcome and reports whether the
// healthy/unhealthy state flipped.
func (r *ModuleRegistry) SetHealth(id string, state HealthState) (changed bool, err error) {
	r.mu.RLock()
	rec, exists := r.records[id]
	r.mu.RUnlock()
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	changed = rec.health.LastChecked.IsZero() || rec.health.Healthy != state.Healthy
	rec.health = state
	return changed, nil
}

// Get returns the record for a module id.
func (r *ModuleRegistry) Get(id string) (*LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// All returns every record, sorted by id for determinism.
func (r *ModuleRegistry) All() []*LoadedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*LoadedModule, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// EnabledModules returns only records whose status is enabled.
func (r *ModuleRegistry) EnabledModules() []*LoadedModule {
	var enabled []*LoadedModule
	for _, rec := range r.All() {
		if rec.Status() == StatusEnabled {
			enabled = append(enabled, rec)
		}
	}
	return enabled
}

// ByCategory returns records in the given category.
func (r *ModuleRegistry) ByCategory(category Category) []*LoadedModule {
	var matched []*LoadedModule
	for _, rec := range r.All() {
		if rec.Manifest.Category == category {
			matched = append(matched, rec)
		}
	}
	return matched
}

// Stats aggregates record counts by status and category.
func (r *ModuleRegistry) Stats() RegistryStats {
	stats := RegistryStats{
		ByStatus:   make(map[ModuleStatus]int),
		ByCategory: make(map[Category]int),
	}
	for _, rec := range r.All() {
		stats.Total++
		status := rec.Status()
		stats.ByStatus[status]++
		stats.ByCategory[rec.Manifest.Category]++
		if status == StatusEnabled {
			stats.Enabled++
		}
	}
	return stats
}

// Clear destroys every record. Lifecycle hooks do not run; callers
// wanting orderly teardown disable modules first.
func (r *ModuleRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*LoadedModule)
}
