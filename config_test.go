package plugrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMergeOverrideAlwaysWins(t *testing.T) {
	base := map[string]any{"enabled": true, "limit": 10, "name": "base"}
	override := map[string]any{"enabled": false, "limit": 0}

	merged := DeepMerge(base, override)
	assert.Equal(t, false, merged["enabled"], "explicit false must override")
	assert.Equal(t, 0, merged["limit"], "zero value must override")
	assert.Equal(t, "base", merged["name"])
}

func TestDeepMergeNestedMapsAndArrays(t *testing.T) {
	base := map[string]any{
		"display": map[string]any{"theme": "light", "compact": false},
		"tags":    []any{"a", "b"},
	}
	override := map[string]any{
		"display": map[string]any{"theme": "dark"},
		"tags":    []any{"c"},
	}

	merged := DeepMerge(base, override)
	display := merged["display"].(map[string]any)
	assert.Equal(t, "dark", display["theme"])
	assert.Equal(t, false, display["compact"])
	assert.Equal(t, []any{"c"}, merged["tags"], "arrays are replaced, not concatenated")
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"nested": map[string]any{"kept": 1}}
	override := map[string]any{"nested": map[string]any{"added": 2}}

	merged := DeepMerge(base, override)
	merged["nested"].(map[string]any)["kept"] = 99

	assert.Equal(t, 1, base["nested"].(map[string]any)["kept"])
	assert.NotContains(t, base["nested"].(map[string]any), "added")
	assert.NotContains(t, override["nested"].(map[string]any), "kept")
}

func TestDeepMergeIdempotent(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"b": 2}}
	override := map[string]any{"a": 3}

	once := DeepMerge(base, override)
	twice := DeepMerge(once, override)
	assert.Equal(t, once, twice)
}

func TestGetByPath(t *testing.T) {
	tree := map[string]any{"a": map[string]any{"b": map[string]any{"c": 42}}}

	v, ok := getByPath(tree, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = getByPath(tree, "a.b.missing")
	assert.False(t, ok)

	_, ok = getByPath(tree, "a.b.c.deeper")
	assert.False(t, ok, "cannot traverse through a leaf")
}

func TestSetByPath(t *testing.T) {
	tree := map[string]any{}
	require.NoError(t, setByPath(tree, "a.b.c", "v"))
	v, ok := getByPath(tree, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, setByPath(tree, "a.b.c", "updated"))
	v, _ = getByPath(tree, "a.b.c")
	assert.Equal(t, "updated", v)

	err := setByPath(tree, "a.b.c.deeper", "x")
	assert.ErrorIs(t, err, ErrConfigPathExists)
}

func TestLoadConfigMergesDefaultsWithOverrides(t *testing.T) {
	m := testManifest("cfg-mod")
	m.Config = &ConfigSpec{Defaults: map[string]any{"pageSize": 20, "theme": "light"}}
	entry := entryFor(m)
	entry.Config = map[string]any{"theme": "dark"}

	configs := NewConfigManager(testLogger())
	cfg, err := configs.LoadConfig(m, entry)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg["pageSize"])
	assert.Equal(t, "dark", cfg["theme"])

	cached, ok := configs.GetConfig("cfg-mod")
	assert.True(t, ok)
	assert.Equal(t, cfg, cached)
}

func TestLoadConfigSchemaFailure(t *testing.T) {
	m := testManifest("epsilon")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}
	entry := entryFor(m)
	entry.Config = map[string]any{"threshold": -1}

	configs := NewConfigManager(testLogger())
	_, err := configs.LoadConfig(m, entry)
	assert.ErrorIs(t, err, ErrConfigValidationFailed)

	_, ok := configs.GetConfig("epsilon")
	assert.False(t, ok, "failed load must not cache")
}

func TestUpdateConfigKeepsPreviousOnValidationFailure(t *testing.T) {
	m := testManifest("epsilon")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}

	configs := NewConfigManager(testLogger())
	cfg, err := configs.LoadConfig(m, entryFor(m))
	require.NoError(t, err)

	rec := &LoadedModule{ID: m.ID, Manifest: m, config: cfg}
	err = configs.UpdateConfig(context.Background(), rec, map[string]any{"threshold": -3})
	assert.ErrorIs(t, err, ErrConfigValidationFailed)

	current, _ := configs.GetConfig("epsilon")
	assert.Equal(t, 10, current["threshold"])
}

func TestUpdateConfigInvokesOnConfigChange(t *testing.T) {
	var gotOld, gotNew map[string]any
	m := testManifest("epsilon")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}
	m.Lifecycle = &Lifecycle{
		OnConfigChange: func(_ context.Context, _ *ModuleContext, oldCfg, newCfg map[string]any) error {
			gotOld, gotNew = oldCfg, newCfg
			return nil
		},
	}

	configs := NewConfigManager(testLogger())
	cfg, err := configs.LoadConfig(m, entryFor(m))
	require.NoError(t, err)

	rec := &LoadedModule{ID: m.ID, Manifest: m, config: cfg}
	require.NoError(t, configs.UpdateConfig(context.Background(), rec, map[string]any{"threshold": 25}))

	assert.Equal(t, 10, gotOld["threshold"])
	assert.Equal(t, 25, gotNew["threshold"])
	assert.Equal(t, 25, rec.Config()["threshold"])
}

func TestTypedGetters(t *testing.T) {
	m := testManifest("typed-mod")
	m.Config = &ConfigSpec{Defaults: map[string]any{
		"name":  "widget",
		"count": 7,
		"live":  true,
		"ratio": 0.5,
		"deep":  map[string]any{"value": "nested"},
	}}

	configs := NewConfigManager(testLogger())
	_, err := configs.LoadConfig(m, entryFor(m))
	require.NoError(t, err)

	assert.Equal(t, "widget", configs.GetString("typed-mod", "name"))
	assert.Equal(t, 7, configs.GetInt("typed-mod", "count"))
	assert.True(t, configs.GetBool("typed-mod", "live"))
	assert.Equal(t, 0.5, configs.GetFloat("typed-mod", "ratio"))
	assert.Equal(t, "nested", configs.GetString("typed-mod", "deep.value"))
	assert.Equal(t, "", configs.GetString("typed-mod", "missing"))
}

func TestIsFeatureEnabledPrecedence(t *testing.T) {
	m := testManifest("feat-mod")
	m.Config = &ConfigSpec{Defaults: map[string]any{
		"features": map[string]any{"export": false, "import": true},
	}}
	entry := entryFor(m)
	entry.Features = map[string]bool{"export": true}

	configs := NewConfigManager(testLogger())
	cfg, err := configs.LoadConfig(m, entry)
	require.NoError(t, err)

	rec := &LoadedModule{ID: m.ID, Manifest: m, Entry: entry, config: cfg}
	assert.True(t, configs.IsFeatureEnabled(rec, "export"), "host flag beats module config")
	assert.True(t, configs.IsFeatureEnabled(rec, "import"), "module config is the fallback")
	assert.False(t, configs.IsFeatureEnabled(rec, "unknown"))
}

func TestExportImportRoundTrip(t *testing.T) {
	m := testManifest("epsilon")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}

	configs := NewConfigManager(testLogger())
	_, err := configs.LoadConfig(m, entryFor(m))
	require.NoError(t, err)

	data, err := configs.Export("epsilon")
	require.NoError(t, err)

	require.NoError(t, configs.Import(m, data))
	assert.Equal(t, float64(10), configs.GetFloat("epsilon", "threshold"))

	err = configs.Import(m, []byte(`{"threshold": -1}`))
	assert.ErrorIs(t, err, ErrConfigValidationFailed)
}

func TestSetValueBypassesSchema(t *testing.T) {
	m := testManifest("raw-mod")
	m.Config = &ConfigSpec{Defaults: map[string]any{"a": 1}}

	configs := NewConfigManager(testLogger())
	_, err := configs.LoadConfig(m, entryFor(m))
	require.NoError(t, err)

	require.NoError(t, configs.SetValue("raw-mod", "nested.key", "v"))
	v, ok := configs.GetValue("raw-mod", "nested.key")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	assert.ErrorIs(t, configs.SetValue("ghost-mod", "a", 1), ErrConfigNotLoaded)
}
