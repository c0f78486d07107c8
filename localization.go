package plugrun

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// TranslationRegistry is the shared store the host's rendering layer
// resolves translation keys against. Bundles are nested trees keyed by
// locale and namespace.
type TranslationRegistry struct {
	mu      sync.RWMutex
	bundles map[string]map[string]map[string]any // locale -> namespace -> tree
}

// NewTranslationRegistry creates an empty translation registry.
func NewTranslationRegistry() *TranslationRegistry {
	return &TranslationRegistry{
		bundles: make(map[string]map[string]map[string]any),
	}
}

// Publish stores a merged bundle for a locale and namespace, replacing
// any previous bundle.
func (t *TranslationRegistry) Publish(locale, namespace string, bundle map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bundles[locale] == nil {
		t.bundles[locale] = make(map[string]map[string]any)
	}
	t.bundles[locale][namespace] = bundle
}

// Drop removes a namespace's bundle from a locale.
func (t *TranslationRegistry) Drop(locale, namespace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ns, ok := t.bundles[locale]; ok {
		delete(ns, namespace)
	}
}

// Resolve looks up a namespace-prefixed dotted key, e.g. "inv.title" or
// "inv.labels.count", in the given locale.
func (t *TranslationRegistry) Resolve(locale, key string) (string, bool) {
	namespace, rest, ok := strings.Cut(key, ".")
	if !ok {
		return "", false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	locales, ok := t.bundles[locale]
	if !ok {
		return "", false
	}
	bundle, ok := locales[namespace]
	if !ok {
		return "", false
	}
	value, ok := getByPath(bundle, rest)
	if !ok {
		return "", false
	}
	return cast.ToString(value), true
}

// Namespaces lists the namespaces published for a locale.
func (t *TranslationRegistry) Namespaces(locale string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.bundles[locale]))
	for ns := range t.bundles[locale] {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Clear empties the registry.
func (t *TranslationRegistry) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bundles = make(map[string]map[string]map[string]any)
}

type bundleKey struct {
	moduleID  string
	locale    string
	namespace string
}

// LocalizationManager loads per-locale, per-namespace translation
// bundles declared by modules, merges host overrides (host wins) and
// publishes the result to the shared translation registry.
type LocalizationManager struct {
	mu       sync.RWMutex
	registry *TranslationRegistry
	cache    map[bundleKey]map[string]any
	owners   map[string]string // namespace -> module id that published it
	locales  []string
	logger   Logger
}

// NewLocalizationManager creates a localization manager for the given
// supported locales.
func NewLocalizationManager(registry *TranslationRegistry, locales []string, logger Logger) *LocalizationManager {
	return &LocalizationManager{
		registry: registry,
		cache:    make(map[bundleKey]map[string]any),
		owners:   make(map[string]string),
		locales:  append([]string(nil), locales...),
		logger:   logger,
	}
}

// LoadModuleTranslations loads every declared namespace for every
// supported locale. Failures loading a specific locale/namespace degrade
// to an empty bundle with a warning; they never abort other namespaces
// or other modules.
func (l *LocalizationManager) LoadModuleTranslations(ctx context.Context, m *Manifest, entry ModuleEntry) {
	if m.Translations == nil {
		return
	}
	for _, namespace := range m.Translations.Namespaces {
		l.claimNamespace(m.ID, namespace)
	}
	for _, locale := range l.locales {
		for _, namespace := range m.Translations.Namespaces {
			defaults := l.loadDefaults(ctx, m, locale, namespace)
			overrides := l.nestFlatKeys(entry.Localization[locale], namespace+".")
			merged := DeepMerge(defaults, overrides)

			l.mu.Lock()
			l.cache[bundleKey{m.ID, locale, namespace}] = merged
			l.mu.Unlock()

			l.registry.Publish(locale, namespace, merged)
		}
	}
}

// claimNamespace records ownership of a translation namespace. The last
// publisher wins in the registry, so a cross-module collision clobbers
// the earlier module's bundles; it is reported but not rejected.
func (l *LocalizationManager) claimNamespace(moduleID, namespace string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.owners[namespace]; ok && owner != moduleID {
		l.logger.Warn("Translation namespace already claimed by another module, bundles will be overwritten",
			"namespace", namespace, "owner", owner, "module", moduleID)
	}
	l.owners[namespace] = moduleID
}

func (l *LocalizationManager) loadDefaults(ctx context.Context, m *Manifest, locale, namespace string) map[string]any {
	loader := m.Translations.Loaders[namespace]
	if loader == nil {
		l.logger.Warn("Module declares namespace without a loader",
			"module", m.ID, "namespace", namespace)
		return map[string]any{}
	}
	bundle, err := loader(ctx, locale)
	if err != nil {
		l.logger.Warn("Failed to load translation bundle, using empty bundle",
			"module", m.ID, "locale", locale, "namespace", namespace, "error", err)
		return map[string]any{}
	}
	if bundle == nil {
		return map[string]any{}
	}
	return bundle
}

// Bundle returns the cached merged bundle for a module, locale and
// namespace.
func (l *LocalizationManager) Bundle(moduleID, locale, namespace string) (map[string]any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bundle, ok := l.cache[bundleKey{moduleID, locale, namespace}]
	return bundle, ok
}

// UpdateTranslation hot-patches a single dotted key in a cached bundle
// and republishes it to the registry.
func (l *LocalizationManager) UpdateTranslation(moduleID, locale, namespace, key string, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := bundleKey{moduleID, locale, namespace}
	bundle, ok := l.cache[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s/%s", ErrBundleNotLoaded, moduleID, locale, namespace)
	}
	if err := setByPath(bundle, key, value); err != nil {
		return err
	}
	l.registry.Publish(locale, namespace, bundle)
	return nil
}

// RemoveModule drops a module's cached bundles and unpublishes its
// namespaces from the registry. A namespace the module lost to a later
// publisher stays in the registry so the surviving module keeps its
// bundles.
func (l *LocalizationManager) RemoveModule(m *Manifest) {
	if m.Translations == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, namespace := range m.Translations.Namespaces {
		owns := l.owners[namespace] == m.ID
		if owns {
			delete(l.owners, namespace)
		}
		for _, locale := range l.locales {
			delete(l.cache, bundleKey{m.ID, locale, namespace})
			if owns {
				l.registry.Drop(locale, namespace)
			}
		}
	}
}

// Clear empties the cache. The translation registry is cleared
// separately by its owner.
func (l *LocalizationManager) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[bundleKey]map[string]any)
	l.owners = make(map[string]string)
}

// nestFlatKeys filters a flat map for keys starting with prefix and
// re-nests the remainders by their dotted paths. Keys are applied in
// sorted order so that a parent path lands before its children; a key
// whose path runs through an existing leaf (e.g. "title" then
// "title.sub") conflicts and is dropped with a warning. A nil input
// yields an empty tree.
func (l *LocalizationManager) nestFlatKeys(flat map[string]string, prefix string) map[string]any {
	tree := make(map[string]any)
	keys := make([]string, 0, len(flat))
	for key := range flat {
		if strings.HasPrefix(key, prefix) && key != prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if err := setByPath(tree, rest, flat[key]); err != nil {
			l.logger.Warn("Discarding conflicting localization override key",
				"key", key, "error", err)
		}
	}
	return tree
}
