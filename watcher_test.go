package plugrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadAppliesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	initial := `
modules:
  - source: eps-mod
    enabled: true
    config:
      threshold: 5
`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))

	m := testManifest("eps-mod")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}

	mgr := newTestManager(t)
	require.NoError(t, mgr.InitializeFromFile(context.Background(), path, map[string]EntryPoint{
		"eps-mod": func() (*Manifest, error) { return m, nil },
	}))

	updated := `
modules:
  - source: eps-mod
    enabled: true
    config:
      threshold: 25
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	w, err := NewConfigWatcher(mgr, path, testLogger())
	require.NoError(t, err)
	w.reload()

	cfg, err := mgr.GetPluginConfig("eps-mod")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg["threshold"])
	assert.Contains(t, historyNames(mgr), "plugin:config-reloaded")
}

func TestWatcherReloadKeepsConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
modules:
  - source: eps-mod
    enabled: true
`), 0o644))

	m := testManifest("eps-mod")
	m.Config = &ConfigSpec{Schema: thresholdSchema(), Defaults: map[string]any{"threshold": 10}}

	mgr := newTestManager(t)
	require.NoError(t, mgr.InitializeFromFile(context.Background(), path, map[string]EntryPoint{
		"eps-mod": func() (*Manifest, error) { return m, nil },
	}))

	require.NoError(t, os.WriteFile(path, []byte("modules: [broken"), 0o644))

	w, err := NewConfigWatcher(mgr, path, testLogger())
	require.NoError(t, err)
	w.reload()

	cfg, err := mgr.GetPluginConfig("eps-mod")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg["threshold"], "a broken file keeps the previous configuration")
}

func TestWatcherStartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules: []\n"), 0o644))

	mgr := newTestManager(t)
	w, err := NewConfigWatcher(mgr, path, testLogger())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrWatcherAlreadyActive)
	w.Stop()
	w.Stop()
}
