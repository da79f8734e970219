package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meristem/core/internal/plugin/manifest"
)

func sampleManifest(id, version string) manifest.Manifest {
	return manifest.Manifest{
		ID:             id,
		Version:        version,
		Tier:           manifest.TierExtension,
		RuntimeProfile: manifest.ProfileSandbox,
		SDUIVersion:    "1.0",
		Dependencies:   []string{},
		Entry:          "main.js",
		UI:             manifest.UI{Mode: manifest.UIModeSDUI},
		UIContract: manifest.UIContract{
			Route:           "/plugins/" + id,
			Channels:        []string{id + ".metrics"},
			DefaultLogLevel: "info",
			StreamProfile:   manifest.StreamBalanced,
		},
		Permissions: []string{"node:read"},
	}
}

func writeIndex(t *testing.T, dir string, idx Index) string {
	t.Helper()
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	path := filepath.Join(dir, "source.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func newCatalog(t *testing.T, entries ...Entry) *Catalog {
	t.Helper()
	home := t.TempDir()
	source := writeIndex(t, t.TempDir(), Index{Plugins: entries})
	c := New(home, source, nil)
	n, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(entries), n)
	return c
}

func TestSyncAndSearch(t *testing.T) {
	c := newCatalog(t,
		Entry{ID: "com.example.alpha", Version: "1.0.0", Description: "metrics collector",
			Manifest: sampleManifest("com.example.alpha", "1.0.0")},
		Entry{ID: "com.example.beta", Version: "2.1.0", Description: "mesh transport",
			Manifest: sampleManifest("com.example.beta", "2.1.0")},
	)

	all, err := c.Search("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	hits, err := c.Search("mesh")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "com.example.beta", hits[0].ID)
}

func TestSearchWithoutSyncFails(t *testing.T) {
	c := New(t.TempDir(), "", nil)
	_, err := c.Search("x")
	require.Error(t, err)
}

func TestInstallAndQuery(t *testing.T) {
	beta := sampleManifest("com.example.beta", "2.0.0-rc1")
	c := newCatalog(t, Entry{
		ID:       "com.example.beta",
		Version:  "1.0.0",
		Manifest: sampleManifest("com.example.beta", "1.0.0"),
		Refs:     map[string]manifest.Manifest{"next": beta},
	})

	m, err := c.Install(context.Background(), "com.example.beta", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)

	installed, err := c.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "com.example.beta", installed[0].ID)

	// A ref overrides the default channel.
	m, err = c.Install(context.Background(), "com.example.beta", "next")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc1", m.Version)

	_, err = c.Install(context.Background(), "com.example.beta", "nightly")
	require.Error(t, err)
	_, err = c.Install(context.Background(), "com.example.ghost", "")
	require.Error(t, err)
}

func TestInstallRequired(t *testing.T) {
	c := newCatalog(t,
		Entry{ID: "com.example.core", Version: "1.0.0", Required: true,
			Manifest: sampleManifest("com.example.core", "1.0.0")},
		Entry{ID: "com.example.extra", Version: "1.0.0",
			Manifest: sampleManifest("com.example.extra", "1.0.0")},
	)

	ids, err := c.InstallRequired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.core"}, ids)

	installed, err := c.Installed()
	require.NoError(t, err)
	assert.Len(t, installed, 1)
}

func TestUpgradeOnlyTouchesStale(t *testing.T) {
	home := t.TempDir()
	sourceDir := t.TempDir()
	v1 := Index{Plugins: []Entry{{
		ID: "com.example.alpha", Version: "1.0.0",
		Manifest: sampleManifest("com.example.alpha", "1.0.0"),
	}}}
	source := writeIndex(t, sourceDir, v1)
	c := New(home, source, nil)
	_, err := c.Sync(context.Background())
	require.NoError(t, err)
	_, err = c.Install(context.Background(), "com.example.alpha", "")
	require.NoError(t, err)

	// Same version in the index: nothing to do.
	upgraded, err := c.Upgrade(context.Background())
	require.NoError(t, err)
	assert.Empty(t, upgraded)

	// Bump the source and resync.
	v2 := v1
	v2.Plugins[0].Version = "1.1.0"
	v2.Plugins[0].Manifest.Version = "1.1.0"
	raw, err := json.Marshal(v2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(source, raw, 0o644))
	_, err = c.Sync(context.Background())
	require.NoError(t, err)

	upgraded, err = c.Upgrade(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.alpha"}, upgraded)

	installed, err := c.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "1.1.0", installed[0].Version)
}

func TestVerifyFlagsMissingEntryAndBadManifest(t *testing.T) {
	c := newCatalog(t, Entry{
		ID: "com.example.alpha", Version: "1.0.0",
		Manifest: sampleManifest("com.example.alpha", "1.0.0"),
	})
	_, err := c.Install(context.Background(), "com.example.alpha", "")
	require.NoError(t, err)

	// Entry file missing.
	issues, err := c.Verify()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Problem, "entry")

	// Create the entry file; the issue clears.
	require.NoError(t, os.WriteFile(filepath.Join(c.pluginDir("com.example.alpha"), "main.js"), []byte("ok"), 0o644))
	issues, err = c.Verify()
	require.NoError(t, err)
	assert.Empty(t, issues)

	// Corrupt manifest is reported.
	require.NoError(t, os.MkdirAll(c.pluginDir("com.example.broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.pluginDir("com.example.broken"), "manifest.json"), []byte("{"), 0o644))
	issues, err = c.Verify()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "com.example.broken", issues[0].PluginID)
}
