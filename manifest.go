// Package plugrun provides a pluggable module runtime for embedding inside
// a larger host application. It discovers a statically configured list of
// optional feature modules, loads each module's declared capabilities,
// validates compatibility and configuration, resolves inter-module
// dependencies into a safe load order, and orchestrates each module through
// a lifecycle (load, configure, enable, disable).
//
// Modules and the host communicate without direct references to one another
// through two generic extension mechanisms: a publish/subscribe event bus
// and a priority-ordered hook registry.
//
// Basic usage:
//
//	mgr, err := plugrun.NewManager("2.4.0")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := mgr.Initialize(ctx, hostConfig); err != nil {
//		log.Fatal(err)
//	}
//	routes := mgr.GetRoutes()
package plugrun

import "context"

// Category classifies a module's functional area. The set is closed;
// manifests declaring anything else fail structural validation.
type Category string

const (
	CategoryCommerce    Category = "commerce"
	CategoryContent     Category = "content"
	CategoryAnalytics   Category = "analytics"
	CategoryIntegration Category = "integration"
	CategoryUtility     Category = "utility"
)

// Valid reports whether the category is one of the closed enum values.
func (c Category) Valid() bool {
	switch c {
	case CategoryCommerce, CategoryContent, CategoryAnalytics, CategoryIntegration, CategoryUtility:
		return true
	}
	return false
}

// Route is a frontend route contributed by a module.
// RequiredPermission empty means the route is publicly visible.
type Route struct {
	Path               string         `json:"path"`
	Component          string         `json:"component"`
	RequiredPermission string         `json:"requiredPermission,omitempty"`
	Meta               map[string]any `json:"meta,omitempty"`
}

// MenuItem is a navigation entry contributed by a module.
// Items are aggregated across modules and sorted by Order ascending.
type MenuItem struct {
	ID                 string `json:"id"`
	Label              string `json:"label"`
	Path               string `json:"path"`
	Icon               string `json:"icon,omitempty"`
	Order              int    `json:"order"`
	RequiredPermission string `json:"requiredPermission,omitempty"`
}

// Widget is a dashboard widget contributed by a module.
type Widget struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Component string         `json:"component"`
	Size      string         `json:"size,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Permission is an access-control permission declared by a module.
// The runtime aggregates permissions; enforcement belongs to the host.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capability loader functions. Manifests declare loaders rather than
// eagerly materialized lists so module code is only invoked when the
// module is actually enabled.
type (
	RouteLoader      func(ctx context.Context) ([]Route, error)
	MenuLoader       func(ctx context.Context) ([]MenuItem, error)
	WidgetLoader     func(ctx context.Context) ([]Widget, error)
	PermissionLoader func(ctx context.Context) ([]Permission, error)

	// TranslationLoader returns the module's default translation bundle
	// for one namespace in the given locale, as a nested key tree.
	TranslationLoader func(ctx context.Context, locale string) (map[string]any, error)

	// BackendLoader returns named backend capabilities (services, job
	// handlers, API extensions) keyed by capability name.
	BackendLoader func(ctx context.Context) (map[string]any, error)

	// HealthCheck reports whether the module is currently healthy.
	HealthCheck func(ctx context.Context) error
)

// ConfigSpec declares a module's configuration schema and defaults.
// Schema is a JSON Schema document; Defaults is the tree merged beneath
// host overrides.
type ConfigSpec struct {
	Schema   map[string]any `json:"schema,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// TranslationSpec declares the namespaces a module contributes and a
// loader per namespace.
type TranslationSpec struct {
	Namespaces []string                     `json:"namespaces"`
	Loaders    map[string]TranslationLoader `json:"-"`
}

// FrontendSpec groups the frontend capability loaders.
type FrontendSpec struct {
	Routes  RouteLoader  `json:"-"`
	Menu    MenuLoader   `json:"-"`
	Widgets WidgetLoader `json:"-"`
}

// EventSpec declares event names a module emits and listens to.
// Emitted names must be namespaced as "module-id:event-name".
type EventSpec struct {
	Emits   []string `json:"emits,omitempty"`
	Listens []string `json:"listens,omitempty"`
}

// Lifecycle holds the optional lifecycle callbacks a module may declare.
// All callbacks receive the module's execution context. Within one module
// the phases run in the fixed sequence
// BeforeStart, capability loading, OnEnable, AfterStart.
type Lifecycle struct {
	BeforeStart func(ctx context.Context, mc *ModuleContext) error
	AfterStart  func(ctx context.Context, mc *ModuleContext) error
	OnEnable    func(ctx context.Context, mc *ModuleContext) error
	OnDisable   func(ctx context.Context, mc *ModuleContext) error
	OnUninstall func(ctx context.Context, mc *ModuleContext) error

	// OnConfigChange is invoked after a successful runtime configuration
	// update, with the previous and new merged configurations.
	OnConfigChange func(ctx context.Context, mc *ModuleContext, oldCfg, newCfg map[string]any) error
}

// Manifest is the static, declarative descriptor a module exposes.
// It is immutable once loaded; the runtime never writes to it.
type Manifest struct {
	// Required identity fields.
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Category    Category `json:"category"`

	// CoreVersion is a semantic-version range expression checked against
	// the host runtime's own version, e.g. ">=2.0.0 <3.0.0" or "^2.1".
	CoreVersion string `json:"coreVersion"`

	// Optional metadata. Missing values produce validation warnings only.
	Homepage string `json:"homepage,omitempty"`
	License  string `json:"license,omitempty"`

	// Dependencies lists ids of other modules that must be enabled before
	// this one. Packages maps external package names to version ranges
	// (advisory, surfaced through validation warnings).
	Dependencies []string          `json:"dependencies,omitempty"`
	Packages     map[string]string `json:"packages,omitempty"`

	Config       *ConfigSpec      `json:"config,omitempty"`
	Translations *TranslationSpec `json:"translations,omitempty"`
	Frontend     *FrontendSpec    `json:"-"`
	Backend      BackendLoader    `json:"-"`
	Permissions  PermissionLoader `json:"-"`
	Events       *EventSpec       `json:"events,omitempty"`
	Lifecycle    *Lifecycle       `json:"-"`
	HealthCheck  HealthCheck      `json:"-"`
}

// EntryPoint produces a module's manifest. The indirection keeps module
// code from being materialized at configuration-parse time.
type EntryPoint func() (*Manifest, error)

// ModuleReference identifies a module and how to reach its entry point.
// Source is a package-style name, relative path, or file reference used
// as the cache key; Entry resolves the manifest itself.
type ModuleReference struct {
	Source string
	Entry  EntryPoint
}
