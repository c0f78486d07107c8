package plugrun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() Logger {
	return NewSlogLogger("error")
}

// testManifest builds a minimal valid manifest for the given id.
func testManifest(id string, deps ...string) *Manifest {
	return &Manifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Description:  "test module " + id,
		Author:       "Test Author",
		Category:     CategoryUtility,
		CoreVersion:  ">=2.0.0",
		Dependencies: deps,
	}
}

// entryFor wraps a manifest in an enabled host entry whose entry point
// returns it directly.
func entryFor(m *Manifest) ModuleEntry {
	return ModuleEntry{
		Reference: ModuleReference{
			Source: m.ID,
			Entry:  func() (*Manifest, error) { return m, nil },
		},
		Source:  m.ID,
		Enabled: true,
	}
}

// thresholdSchema requires a non-negative numeric "threshold" key.
func thresholdSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"threshold": map[string]any{"type": "number", "minimum": 0},
		},
		"required": []string{"threshold"},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager("2.4.0", WithLogger(testLogger()))
	require.NoError(t, err)
	return mgr
}
