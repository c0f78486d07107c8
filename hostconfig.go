package plugrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// SandboxMode is a policy hint carried into module execution contexts.
// It is declarative only; the runtime performs no process or memory
// isolation.
type SandboxMode string

const (
	SandboxStrict     SandboxMode = "strict"
	SandboxModerate   SandboxMode = "moderate"
	SandboxPermissive SandboxMode = "permissive"
)

// GlobalSettings holds host-wide runtime settings. Resource limits are
// advisory; they are exposed to modules and logged but not enforced.
type GlobalSettings struct {
	SandboxMode        SandboxMode `json:"sandboxMode" yaml:"sandboxMode" toml:"sandboxMode"`
	LogLevel           string      `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	MaxMemoryPerModule int64       `json:"maxMemoryPerModule" yaml:"maxMemoryPerModule" toml:"maxMemoryPerModule"`
	MaxExecutionTime   int64       `json:"maxExecutionTime" yaml:"maxExecutionTime" toml:"maxExecutionTime"`
	EnableHotReload    bool        `json:"enableHotReload" yaml:"enableHotReload" toml:"enableHotReload"`
}

// ModuleEntry is one host configuration entry for a module. It is owned
// by the host and read-only to the runtime.
type ModuleEntry struct {
	// Reference locates the module. When the configuration is loaded from
	// a file only Source is populated; Bind attaches the entry points.
	Reference ModuleReference `json:"-" yaml:"-" toml:"-"`

	// Source mirrors Reference.Source for file-based configurations.
	Source  string `json:"source" yaml:"source" toml:"source"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Config holds host overrides merged over the module's defaults.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config"`

	// Localization maps locale -> flat "namespace.dotted.path" -> text.
	Localization map[string]map[string]string `json:"localization,omitempty" yaml:"localization,omitempty" toml:"localization"`

	// Features toggles named feature flags; host values win over the
	// module's own config.features map.
	Features map[string]bool `json:"features,omitempty" yaml:"features,omitempty" toml:"features"`

	// Permissions maps module permission names to host role names.
	Permissions map[string][]string `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions"`

	// UI carries rendering hints the runtime passes through untouched.
	UI map[string]any `json:"ui,omitempty" yaml:"ui,omitempty" toml:"ui"`

	// Integration links this module to others (ids, endpoints).
	Integration map[string]any `json:"integration,omitempty" yaml:"integration,omitempty" toml:"integration"`

	// RateLimits maps operation names to advisory per-minute limits.
	RateLimits map[string]int `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty" toml:"rateLimits"`
}

// HostConfig is the full host configuration: an ordered list of module
// entries plus global runtime settings.
type HostConfig struct {
	Global  GlobalSettings `json:"global" yaml:"global" toml:"global"`
	Modules []ModuleEntry  `json:"modules" yaml:"modules" toml:"modules"`
}

// Bind attaches entry points to file-loaded module entries, keyed by the
// entry's Source string. Entries already carrying an entry point are left
// alone. An enabled entry with no binding is an error; the runtime would
// otherwise fail later with less context.
func (c *HostConfig) Bind(entries map[string]EntryPoint) error {
	for i := range c.Modules {
		m := &c.Modules[i]
		if m.Reference.Entry != nil {
			continue
		}
		source := m.Source
		if source == "" {
			source = m.Reference.Source
		}
		entry, ok := entries[source]
		if !ok {
			if m.Enabled {
				return fmt.Errorf("%w: %s", ErrUnboundReference, source)
			}
			continue
		}
		m.Reference = ModuleReference{Source: source, Entry: entry}
	}
	return nil
}

// LoadHostConfigFile reads a host configuration from a YAML, TOML or JSON
// file, chosen by extension.
func LoadHostConfigFile(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host config: %w", err)
	}

	cfg := &HostConfig{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml host config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml host config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing json host config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	// Entries loaded from files carry only a source string.
	for i := range cfg.Modules {
		if cfg.Modules[i].Reference.Source == "" {
			cfg.Modules[i].Reference.Source = cfg.Modules[i].Source
		}
	}

	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides folds environment variables of the form
// PLUGRUN_<SOURCE>_<KEY> into the matching module entry's config
// overrides. <SOURCE> is the entry source uppercased with non-alphanumeric
// runes replaced by underscores; <KEY> is a top-level config key. Values
// are coerced to the type of the existing override when one is present,
// otherwise kept as strings.
func ApplyEnvOverrides(cfg *HostConfig) {
	for i := range cfg.Modules {
		m := &cfg.Modules[i]
		source := m.Source
		if source == "" {
			source = m.Reference.Source
		}
		if source == "" {
			continue
		}
		prefix := "PLUGRUN_" + envToken(source) + "_"
		for _, kv := range os.Environ() {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(name, prefix) {
				continue
			}
			key := strings.ToLower(strings.TrimPrefix(name, prefix))
			if m.Config == nil {
				m.Config = make(map[string]any)
			}
			m.Config[key] = coerceEnvValue(value, m.Config[key])
		}
	}
}

// coerceEnvValue converts an environment string to the type of the
// existing value, falling back to the raw string when conversion is not
// possible.
func coerceEnvValue(value string, existing any) any {
	if existing == nil {
		return value
	}
	converted, err := cast.FromType(value, reflect.TypeOf(existing))
	if err != nil {
		return value
	}
	return converted
}

func envToken(source string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(source) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
