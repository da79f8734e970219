// Package catalog implements the plugin registry operations behind the
// pacman-style CLI: sync, search, install, upgrade, query and verify.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meristem/core/internal/plugin/manifest"
)

// Entry is one registry row. Refs carry alternate release channels; the
// top-level manifest is the default channel.
type Entry struct {
	ID          string                       `json:"id"`
	Version     string                       `json:"version"`
	Description string                       `json:"description,omitempty"`
	Required    bool                         `json:"required,omitempty"`
	Manifest    manifest.Manifest            `json:"manifest"`
	Refs        map[string]manifest.Manifest `json:"refs,omitempty"`
}

// Index is the synced registry file.
type Index struct {
	UpdatedAt int64   `json:"updated_at"`
	Plugins   []Entry `json:"plugins"`
}

const (
	indexFile   = "registry.json"
	pluginsDir  = "plugins"
	manifestTag = "manifest.json"
)

// Catalog operates on the home directory layout:
// <home>/registry.json and <home>/plugins/<id>/manifest.json.
type Catalog struct {
	home   string
	source string
	client *http.Client
	zl     *zap.Logger
}

// New builds a catalog over home. source is where Sync pulls the index from:
// an http(s) URL or a local file path.
func New(home, source string, zl *zap.Logger) *Catalog {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Catalog{
		home:   home,
		source: source,
		client: &http.Client{Timeout: 30 * time.Second},
		zl:     zl,
	}
}

func (c *Catalog) indexPath() string { return filepath.Join(c.home, indexFile) }

func (c *Catalog) pluginDir(id string) string {
	return filepath.Join(c.home, pluginsDir, id)
}

// ============================================================================
// SYNC (-Sy)
// ============================================================================

// Sync refreshes the local registry index from the configured source and
// returns the number of entries.
func (c *Catalog) Sync(ctx context.Context) (int, error) {
	if c.source == "" {
		return 0, fmt.Errorf("no registry source configured")
	}

	var raw []byte
	var err error
	if strings.HasPrefix(c.source, "http://") || strings.HasPrefix(c.source, "https://") {
		raw, err = c.fetch(ctx)
	} else {
		raw, err = os.ReadFile(c.source)
	}
	if err != nil {
		return 0, fmt.Errorf("registry fetch: %w", err)
	}

	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, fmt.Errorf("registry index is malformed: %w", err)
	}
	idx.UpdatedAt = time.Now().UTC().UnixMilli()

	if err := writeFileAtomic(c.indexPath(), idx); err != nil {
		return 0, err
	}
	c.zl.Info("registry synced", zap.Int("plugins", len(idx.Plugins)))
	return len(idx.Plugins), nil
}

func (c *Catalog) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry source answered %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (c *Catalog) loadIndex() (*Index, error) {
	raw, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("registry index missing, run a sync first")
		}
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("registry index is malformed: %w", err)
	}
	return &idx, nil
}

// ============================================================================
// SEARCH (-Ss) AND QUERY (-Q)
// ============================================================================

// Search returns entries whose id or description contains the keyword,
// sorted by id. An empty keyword matches everything.
func (c *Catalog) Search(keyword string) ([]Entry, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	kw := strings.ToLower(keyword)
	var out []Entry
	for _, e := range idx.Plugins {
		if kw == "" ||
			strings.Contains(strings.ToLower(e.ID), kw) ||
			strings.Contains(strings.ToLower(e.Description), kw) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Installed lists the manifests present in the plugins directory, sorted by id.
func (c *Catalog) Installed() ([]manifest.Manifest, error) {
	root := filepath.Join(c.home, pluginsDir)
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []manifest.Manifest
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(root, d.Name(), manifestTag))
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// INSTALL (-S) AND UPGRADE (-Su)
// ============================================================================

// Install writes the manifest of the named plugin into the plugins directory.
// ref selects an alternate release channel; empty means the default.
func (c *Catalog) Install(ctx context.Context, id, ref string) (*manifest.Manifest, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	var entry *Entry
	for i := range idx.Plugins {
		if idx.Plugins[i].ID == id {
			entry = &idx.Plugins[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("plugin %s not found in registry", id)
	}

	m := entry.Manifest
	if ref != "" {
		refManifest, ok := entry.Refs[ref]
		if !ok {
			return nil, fmt.Errorf("plugin %s has no ref %q", id, ref)
		}
		m = refManifest
	}
	if err := manifest.Validate(&m); err != nil {
		return nil, fmt.Errorf("registry manifest rejected: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(c.pluginDir(id), manifestTag), m); err != nil {
		return nil, err
	}
	c.zl.Info("plugin installed",
		zap.String("plugin_id", id),
		zap.String("version", m.Version),
		zap.String("ref", ref))
	return &m, nil
}

// InstallRequired installs every entry the registry marks required.
func (c *Catalog) InstallRequired(ctx context.Context) ([]string, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	var installed []string
	for _, e := range idx.Plugins {
		if !e.Required {
			continue
		}
		if _, err := c.Install(ctx, e.ID, ""); err != nil {
			return installed, err
		}
		installed = append(installed, e.ID)
	}
	return installed, nil
}

// Upgrade reinstalls every installed plugin whose registry version differs.
func (c *Catalog) Upgrade(ctx context.Context) ([]string, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Entry, len(idx.Plugins))
	for _, e := range idx.Plugins {
		byID[e.ID] = e
	}

	installed, err := c.Installed()
	if err != nil {
		return nil, err
	}
	var upgraded []string
	for _, m := range installed {
		entry, ok := byID[m.ID]
		if !ok || entry.Manifest.Version == m.Version {
			continue
		}
		if _, err := c.Install(ctx, m.ID, ""); err != nil {
			return upgraded, err
		}
		upgraded = append(upgraded, m.ID)
	}
	return upgraded, nil
}

// ============================================================================
// VERIFY (-Qk)
// ============================================================================

// Issue is one verification finding.
type Issue struct {
	PluginID string
	Problem  string
}

// Verify checks every installed plugin: the manifest must parse, validate,
// and its entry file must exist under the plugin directory.
func (c *Catalog) Verify() ([]Issue, error) {
	root := filepath.Join(c.home, pluginsDir)
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var issues []Issue
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		m, err := readManifest(filepath.Join(root, id, manifestTag))
		if err != nil {
			issues = append(issues, Issue{PluginID: id, Problem: err.Error()})
			continue
		}
		if err := manifest.Validate(m); err != nil {
			issues = append(issues, Issue{PluginID: id, Problem: err.Error()})
			continue
		}
		entry := filepath.Join(root, id, filepath.Clean(m.Entry))
		if _, err := os.Stat(entry); err != nil {
			issues = append(issues, Issue{PluginID: id, Problem: fmt.Sprintf("entry %s missing", m.Entry)})
		}
	}
	return issues, nil
}

// ============================================================================
// FILE HELPERS
// ============================================================================

func readManifest(path string) (*manifest.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest unreadable: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest is malformed: %w", err)
	}
	return &m, nil
}

func writeFileAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
