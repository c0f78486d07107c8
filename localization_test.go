package plugrun

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invManifest() *Manifest {
	m := testManifest("inv-module")
	m.Translations = &TranslationSpec{
		Namespaces: []string{"inv"},
		Loaders: map[string]TranslationLoader{
			"inv": func(_ context.Context, locale string) (map[string]any, error) {
				return map[string]any{
					"title":  "Inventory",
					"labels": map[string]any{"count": "Items"},
				}, nil
			},
		},
	}
	return m
}

func TestNestFlatKeys(t *testing.T) {
	lm := NewLocalizationManager(NewTranslationRegistry(), []string{"en"}, testLogger())
	flat := map[string]string{
		"inv.title":        "Stock",
		"inv.labels.count": "Pieces",
		"other.title":      "Ignored",
	}
	tree := lm.nestFlatKeys(flat, "inv.")

	v, ok := getByPath(tree, "title")
	assert.True(t, ok)
	assert.Equal(t, "Stock", v)
	v, _ = getByPath(tree, "labels.count")
	assert.Equal(t, "Pieces", v)
	_, ok = getByPath(tree, "other")
	assert.False(t, ok)

	assert.Empty(t, lm.nestFlatKeys(nil, "inv."))
}

func TestNestFlatKeysWarnsOnConflictingPaths(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLocalizationManager(NewTranslationRegistry(), []string{"en"},
		NewSlogLoggerTo(&buf, "warn"))
	flat := map[string]string{
		"inv.title":     "Stock",
		"inv.title.sub": "Detail",
	}
	tree := lm.nestFlatKeys(flat, "inv.")

	v, ok := getByPath(tree, "title")
	require.True(t, ok, "the shorter path wins deterministically")
	assert.Equal(t, "Stock", v)
	assert.Contains(t, buf.String(), "Discarding conflicting localization override key")
	assert.Contains(t, buf.String(), "inv.title.sub")
}

func TestHostOverrideWinsOverModuleDefault(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, testLogger())

	m := invManifest()
	entry := entryFor(m)
	entry.Localization = map[string]map[string]string{
		"en": {"inv.title": "Stock"},
	}
	lm.LoadModuleTranslations(context.Background(), m, entry)

	v, ok := registry.Resolve("en", "inv.title")
	require.True(t, ok)
	assert.Equal(t, "Stock", v, "host override replaces the module default")

	v, ok = registry.Resolve("en", "inv.labels.count")
	require.True(t, ok)
	assert.Equal(t, "Items", v, "untouched defaults survive the merge")
}

func TestLoaderFailureDegradesToEmptyBundle(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, testLogger())

	m := testManifest("flaky-mod")
	m.Translations = &TranslationSpec{
		Namespaces: []string{"flaky"},
		Loaders: map[string]TranslationLoader{
			"flaky": func(context.Context, string) (map[string]any, error) {
				return nil, errors.New("bundle file corrupt")
			},
		},
	}
	entry := entryFor(m)
	entry.Localization = map[string]map[string]string{
		"en": {"flaky.greeting": "Hello"},
	}
	lm.LoadModuleTranslations(context.Background(), m, entry)

	v, ok := registry.Resolve("en", "flaky.greeting")
	require.True(t, ok, "host overrides still apply over the empty bundle")
	assert.Equal(t, "Hello", v)

	_, ok = registry.Resolve("en", "flaky.missing")
	assert.False(t, ok)
}

func TestLoadTranslationsAcrossLocales(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en", "de"}, testLogger())

	m := testManifest("multi-mod")
	m.Translations = &TranslationSpec{
		Namespaces: []string{"multi"},
		Loaders: map[string]TranslationLoader{
			"multi": func(_ context.Context, locale string) (map[string]any, error) {
				if locale == "de" {
					return map[string]any{"hello": "Hallo"}, nil
				}
				return map[string]any{"hello": "Hello"}, nil
			},
		},
	}
	lm.LoadModuleTranslations(context.Background(), m, entryFor(m))

	v, _ := registry.Resolve("en", "multi.hello")
	assert.Equal(t, "Hello", v)
	v, _ = registry.Resolve("de", "multi.hello")
	assert.Equal(t, "Hallo", v)
	assert.Equal(t, []string{"multi"}, registry.Namespaces("en"))
}

func TestUpdateTranslation(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, testLogger())
	m := invManifest()
	lm.LoadModuleTranslations(context.Background(), m, entryFor(m))

	require.NoError(t, lm.UpdateTranslation("inv-module", "en", "inv", "labels.count", "Units"))
	v, _ := registry.Resolve("en", "inv.labels.count")
	assert.Equal(t, "Units", v)

	err := lm.UpdateTranslation("ghost", "en", "inv", "title", "x")
	assert.ErrorIs(t, err, ErrBundleNotLoaded)
}

func TestRemoveModuleDropsBundles(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, testLogger())
	m := invManifest()
	lm.LoadModuleTranslations(context.Background(), m, entryFor(m))

	lm.RemoveModule(m)

	_, ok := registry.Resolve("en", "inv.title")
	assert.False(t, ok)
	_, ok = lm.Bundle("inv-module", "en", "inv")
	assert.False(t, ok)
}

func TestNamespaceCollisionWarnsAtPublish(t *testing.T) {
	var buf bytes.Buffer
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, NewSlogLoggerTo(&buf, "warn"))

	lm.LoadModuleTranslations(context.Background(), invManifest(), entryFor(invManifest()))
	require.NotContains(t, buf.String(), "already claimed")

	rival := testManifest("rival-module")
	rival.Translations = &TranslationSpec{
		Namespaces: []string{"inv"},
		Loaders: map[string]TranslationLoader{
			"inv": func(context.Context, string) (map[string]any, error) {
				return map[string]any{"title": "Rival"}, nil
			},
		},
	}
	lm.LoadModuleTranslations(context.Background(), rival, entryFor(rival))

	assert.Contains(t, buf.String(), "already claimed")
	assert.Contains(t, buf.String(), "inv-module")
	assert.Contains(t, buf.String(), "rival-module")

	v, _ := registry.Resolve("en", "inv.title")
	assert.Equal(t, "Rival", v, "last publisher wins in the registry")
}

func TestRemoveModuleKeepsSurvivorsBundleAfterCollision(t *testing.T) {
	registry := NewTranslationRegistry()
	lm := NewLocalizationManager(registry, []string{"en"}, testLogger())

	loser := invManifest()
	lm.LoadModuleTranslations(context.Background(), loser, entryFor(loser))

	winner := testManifest("winner-module")
	winner.Translations = &TranslationSpec{
		Namespaces: []string{"inv"},
		Loaders: map[string]TranslationLoader{
			"inv": func(context.Context, string) (map[string]any, error) {
				return map[string]any{"title": "Winner"}, nil
			},
		},
	}
	lm.LoadModuleTranslations(context.Background(), winner, entryFor(winner))

	// The loser no longer owns "inv"; removing it must not drop the
	// winner's published bundle.
	lm.RemoveModule(loser)
	v, ok := registry.Resolve("en", "inv.title")
	require.True(t, ok)
	assert.Equal(t, "Winner", v)
	_, ok = lm.Bundle("inv-module", "en", "inv")
	assert.False(t, ok, "the removed module's cache entries still go away")

	lm.RemoveModule(winner)
	_, ok = registry.Resolve("en", "inv.title")
	assert.False(t, ok)
}

func TestResolveUnknownKeys(t *testing.T) {
	registry := NewTranslationRegistry()

	_, ok := registry.Resolve("en", "nodots")
	assert.False(t, ok, "keys must carry a namespace prefix")
	_, ok = registry.Resolve("fr", "inv.title")
	assert.False(t, ok)
}
