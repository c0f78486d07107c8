package plugrun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// DeepMerge merges override into base, key by key, recursively for nested
// maps. Override values always win, including zero values; arrays are
// replaced wholesale, never concatenated. Neither input is mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = cloneValue(v)
	}
	for k, v := range override {
		baseMap, baseIsMap := merged[k].(map[string]any)
		overrideMap, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			merged[k] = DeepMerge(baseMap, overrideMap)
			continue
		}
		merged[k] = cloneValue(v)
	}
	return merged
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return DeepMerge(typed, nil)
	case []any:
		cloned := make([]any, len(typed))
		for i, item := range typed {
			cloned[i] = cloneValue(item)
		}
		return cloned
	default:
		return v
	}
}

// getByPath navigates a dotted path into a nested config tree.
func getByPath(tree map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = tree
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setByPath writes a value at a dotted path, creating intermediate maps.
// Traversing through a non-map value is an error.
func setByPath(tree map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	current := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, exists := current[part]
		if !exists {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s at %s", ErrConfigPathExists, path, part)
		}
		current = child
	}
	return nil
}

// ConfigManager materializes and caches each module's merged
// configuration: manifest defaults beneath host overrides, validated
// against the manifest schema when one is declared.
type ConfigManager struct {
	mu      sync.RWMutex
	configs map[string]map[string]any
	logger  Logger
}

// NewConfigManager creates an empty config manager.
func NewConfigManager(logger Logger) *ConfigManager {
	return &ConfigManager{
		configs: make(map[string]map[string]any),
		logger:  logger,
	}
}

// LoadConfig deep-merges manifest defaults with the host entry's config
// overrides, validates the result against the manifest schema if one is
// declared, caches it keyed by module id, and returns it.
func (c *ConfigManager) LoadConfig(m *Manifest, entry ModuleEntry) (map[string]any, error) {
	var defaults map[string]any
	var schema map[string]any
	if m.Config != nil {
		defaults = m.Config.Defaults
		schema = m.Config.Schema
	}

	merged := DeepMerge(defaults, entry.Config)
	if schema != nil {
		if err := validateConfigSchema(schema, merged); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ID, err)
		}
	}

	c.mu.Lock()
	c.configs[m.ID] = merged
	c.mu.Unlock()

	c.logger.Debug("Loaded module configuration", "module", m.ID, "keys", len(merged))
	return merged, nil
}

// UpdateConfig merges a partial update into the module's cached config,
// re-validates, invokes the module's OnConfigChange hook if declared, and
// re-caches. A validation failure leaves the previous value intact.
func (c *ConfigManager) UpdateConfig(ctx context.Context, rec *LoadedModule, updates map[string]any) error {
	c.mu.RLock()
	current, ok := c.configs[rec.ID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotLoaded, rec.ID)
	}

	merged := DeepMerge(current, updates)
	if rec.Manifest.Config != nil && rec.Manifest.Config.Schema != nil {
		if err := validateConfigSchema(rec.Manifest.Config.Schema, merged); err != nil {
			return fmt.Errorf("module %s: %w", rec.ID, err)
		}
	}

	if rec.Manifest.Lifecycle != nil && rec.Manifest.Lifecycle.OnConfigChange != nil {
		if err := rec.Manifest.Lifecycle.OnConfigChange(ctx, rec.Context, current, merged); err != nil {
			return fmt.Errorf("module %s onConfigChange: %w", rec.ID, err)
		}
	}

	c.mu.Lock()
	c.configs[rec.ID] = merged
	c.mu.Unlock()

	rec.setConfig(merged)
	c.logger.Debug("Updated module configuration", "module", rec.ID)
	return nil
}

// GetConfig returns the cached merged configuration for a module.
func (c *ConfigManager) GetConfig(id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[id]
	return cfg, ok
}

// GetValue navigates a dotted path into the module's cached config.
func (c *ConfigManager) GetValue(id, path string) (any, bool) {
	c.mu.RLock()
	cfg, ok := c.configs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return getByPath(cfg, path)
}

// SetValue writes a value at a dotted path into the module's cached
// config. No schema validation runs here; use UpdateConfig for validated
// updates.
func (c *ConfigManager) SetValue(id, path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotLoaded, id)
	}
	return setByPath(cfg, path, value)
}

// GetString returns a config value coerced to string.
func (c *ConfigManager) GetString(id, path string) string {
	v, _ := c.GetValue(id, path)
	return cast.ToString(v)
}

// GetInt returns a config value coerced to int.
func (c *ConfigManager) GetInt(id, path string) int {
	v, _ := c.GetValue(id, path)
	return cast.ToInt(v)
}

// GetBool returns a config value coerced to bool.
func (c *ConfigManager) GetBool(id, path string) bool {
	v, _ := c.GetValue(id, path)
	return cast.ToBool(v)
}

// GetFloat returns a config value coerced to float64.
func (c *ConfigManager) GetFloat(id, path string) float64 {
	v, _ := c.GetValue(id, path)
	return cast.ToFloat64(v)
}

// IsFeatureEnabled resolves a feature flag for a module. The host-level
// features map takes precedence; it falls back to the module's own
// config.features map; absent anywhere means disabled.
func (c *ConfigManager) IsFeatureEnabled(rec *LoadedModule, name string) bool {
	if enabled, ok := rec.Entry.Features[name]; ok {
		return enabled
	}
	if v, ok := c.GetValue(rec.ID, "features."+name); ok {
		return cast.ToBool(v)
	}
	return false
}

// Export serializes the module's cached config as an indented JSON
// snapshot for backup or debugging.
func (c *ConfigManager) Export(id string) ([]byte, error) {
	c.mu.RLock()
	cfg, ok := c.configs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotLoaded, id)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("exporting config for %s: %w", id, err)
	}
	return data, nil
}

// Import replaces the module's cached config from a JSON snapshot,
// validating against the manifest schema first.
func (c *ConfigManager) Import(m *Manifest, data []byte) error {
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("importing config for %s: %w", m.ID, err)
	}
	if m.Config != nil && m.Config.Schema != nil {
		if err := validateConfigSchema(m.Config.Schema, cfg); err != nil {
			return fmt.Errorf("module %s: %w", m.ID, err)
		}
	}
	c.mu.Lock()
	c.configs[m.ID] = cfg
	c.mu.Unlock()
	return nil
}

// Remove drops a module's cached config.
func (c *ConfigManager) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, id)
}

// Clear drops every cached config.
func (c *ConfigManager) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = make(map[string]map[string]any)
}
