package plugrun

import (
	"fmt"
	"regexp"
	"sync"
)

var (
	moduleIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	versionPattern  = regexp.MustCompile(`^\d+\.\d+\.\d+`)
)

// ManifestLoader resolves module references to manifests and checks basic
// structural validity. Successful loads are cached by reference source so
// repeated requests are free.
type ManifestLoader struct {
	mu     sync.RWMutex
	cache  map[string]*Manifest
	logger Logger
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(logger Logger) *ManifestLoader {
	return &ManifestLoader{
		cache:  make(map[string]*Manifest),
		logger: logger,
	}
}

// Load resolves the reference to a manifest via its entry point and runs
// structural checks. A failing entry point is wrapped as a runtime load
// error; structural failures name the offending field. There is no
// partial recovery.
func (l *ManifestLoader) Load(ref ModuleReference) (*Manifest, error) {
	if ref.Source != "" {
		l.mu.RLock()
		cached, ok := l.cache[ref.Source]
		l.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	if ref.Entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointNil, ref.Source)
	}

	manifest, err := ref.Entry()
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrRuntimeLoad, ref.Source, err)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %s returned no manifest", ErrManifestNil, ref.Source)
	}

	if err := validateManifestStructure(manifest); err != nil {
		return nil, err
	}

	if ref.Source != "" {
		l.mu.Lock()
		l.cache[ref.Source] = manifest
		l.mu.Unlock()
	}

	l.logger.Debug("Loaded module manifest", "source", ref.Source, "id", manifest.ID, "version", manifest.Version)
	return manifest, nil
}

// Invalidate drops a cached manifest so the next Load re-resolves it.
func (l *ManifestLoader) Invalidate(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, source)
}

// Clear empties the manifest cache.
func (l *ManifestLoader) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Manifest)
}

// validateManifestStructure checks required fields and id/version/category
// formats. Shared by the loader and the validator for defense in depth.
func validateManifestStructure(m *Manifest) error {
	if m == nil {
		return ErrManifestNil
	}

	required := []struct {
		field string
		value string
	}{
		{"id", m.ID},
		{"name", m.Name},
		{"version", m.Version},
		{"description", m.Description},
		{"author", m.Author},
		{"category", string(m.Category)},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrManifestFieldMissing, f.field)
		}
	}

	if !moduleIDPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleID, m.ID)
	}
	if !versionPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}
	if !m.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, m.Category)
	}
	return nil
}
