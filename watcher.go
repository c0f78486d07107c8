package plugrun

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the host configuration file and re-applies
// module config overrides when it changes. Watching is best-effort:
// reload and apply errors are logged, never fatal, and a failed reload
// keeps the previous configuration.
type ConfigWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
	manager *Manager
	logger  Logger
	done    chan struct{}
	started bool
}

// NewConfigWatcher creates a watcher for the given host config file.
func NewConfigWatcher(manager *Manager, path string, logger Logger) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return &ConfigWatcher{
		path:    absPath,
		manager: manager,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so editors doing atomic saves are still observed.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrWatcherAlreadyActive
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}

	w.watcher = watcher
	w.started = true
	go w.watchLoop()

	w.logger.Info("Watching host config file for changes", "path", w.path)
	return nil
}

// Stop halts watching. Safe to call multiple times.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.started = false
}

func (w *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// reload re-reads the config file and pushes each enabled module's
// config overrides through the manager's validated update path.
func (w *ConfigWatcher) reload() {
	w.logger.Info("Host config changed, reloading module overrides", "path", w.path)

	cfg, err := LoadHostConfigFile(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}

	ctx := context.Background()
	for _, entry := range cfg.Modules {
		if !entry.Enabled || len(entry.Config) == 0 {
			continue
		}
		id := w.manager.moduleIDForSource(entry.Source)
		if id == "" {
			continue
		}
		if err := w.manager.UpdatePluginConfig(ctx, id, entry.Config); err != nil {
			w.logger.Warn("Failed to apply reloaded config", "module", id, "error", err)
			continue
		}
		w.manager.bus.Emit(ctx, "plugin:config-reloaded", id)
	}
}
