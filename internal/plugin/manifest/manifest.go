// Package manifest defines plugin manifests, their validation rules, the
// dependency topology and SDUI version negotiation.
package manifest

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/meristem/core/internal/guard"
)

// Tier distinguishes bundled core plugins from third-party extensions.
type Tier string

const (
	TierCore      Tier = "core"
	TierExtension Tier = "extension"
)

// RuntimeProfile selects the execution profile of the isolate.
type RuntimeProfile string

const (
	ProfileHotpath RuntimeProfile = "hotpath"
	ProfileSandbox RuntimeProfile = "sandbox"
)

// UIMode selects how a plugin renders its UI.
type UIMode string

const (
	UIModeSDUI UIMode = "SDUI"
	UIModeESM  UIMode = "ESM"
)

// StreamProfile is the declared default push throttle for the plugin's topics.
type StreamProfile string

const (
	StreamRealtime StreamProfile = "realtime"
	StreamBalanced StreamProfile = "balanced"
	StreamConserve StreamProfile = "conserve"
)

// UI describes the plugin's UI entry.
type UI struct {
	Mode  UIMode `json:"mode"`
	Entry string `json:"entry,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// UIContract declares the UI surface the Core will enforce for this plugin.
type UIContract struct {
	Route           string        `json:"route"`
	Channels        []string      `json:"channels"`
	DefaultLogLevel string        `json:"default_log_level"`
	StreamProfile   StreamProfile `json:"stream_profile"`
}

// Manifest is the immutable declarative metadata of a plugin.
type Manifest struct {
	ID             string         `json:"id"`
	Version        string         `json:"version"`
	Tier           Tier           `json:"tier"`
	RuntimeProfile RuntimeProfile `json:"runtime_profile"`
	SDUIVersion    string         `json:"sdui_version"`
	Dependencies   []string       `json:"dependencies"`
	Entry          string         `json:"entry"`
	UI             UI             `json:"ui"`
	UIContract     UIContract     `json:"ui_contract"`
	Permissions    []string       `json:"permissions"`
	Events         []string       `json:"events"`
	Exports        []string       `json:"exports"`
}

// HasPermission reports whether the manifest declares perm.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Exports reports whether the manifest exports a capability name.
func (m *Manifest) ExportsCapability(name string) bool {
	for _, e := range m.Exports {
		if e == name {
			return true
		}
	}
	return false
}

// ============================================================================
// VALIDATION
// ============================================================================

var (
	reverseDNSRe  = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)+$`)
	sduiVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	channelRe     = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)
)

// Validate checks a manifest against the schema rules. It returns the first
// violation found.
func Validate(m *Manifest) error {
	if m.ID == "" || !reverseDNSRe.MatchString(m.ID) {
		return fmt.Errorf("manifest id %q is not reverse-DNS", m.ID)
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s: version is empty", m.ID)
	}
	if m.Tier != TierCore && m.Tier != TierExtension {
		return fmt.Errorf("manifest %s: tier %q not in {core, extension}", m.ID, m.Tier)
	}
	if m.RuntimeProfile != ProfileHotpath && m.RuntimeProfile != ProfileSandbox {
		return fmt.Errorf("manifest %s: runtime_profile %q not in {hotpath, sandbox}", m.ID, m.RuntimeProfile)
	}
	if !sduiVersionRe.MatchString(m.SDUIVersion) {
		return fmt.Errorf("manifest %s: sdui_version %q is not MAJOR.MINOR", m.ID, m.SDUIVersion)
	}
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if err := validateEntry(m.Entry); err != nil {
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}
	if m.UI.Mode != UIModeSDUI && m.UI.Mode != UIModeESM {
		return fmt.Errorf("manifest %s: ui.mode %q not in {SDUI, ESM}", m.ID, m.UI.Mode)
	}
	if m.UIContract.Route == "" {
		return fmt.Errorf("manifest %s: ui_contract.route is empty", m.ID)
	}
	if m.UIContract.DefaultLogLevel != "info" && m.UIContract.DefaultLogLevel != "debug" {
		return fmt.Errorf("manifest %s: ui_contract.default_log_level %q not in {info, debug}", m.ID, m.UIContract.DefaultLogLevel)
	}
	switch m.UIContract.StreamProfile {
	case StreamRealtime, StreamBalanced, StreamConserve:
	default:
		return fmt.Errorf("manifest %s: ui_contract.stream_profile %q not in {realtime, balanced, conserve}", m.ID, m.UIContract.StreamProfile)
	}
	for _, ch := range m.UIContract.Channels {
		if !channelRe.MatchString(ch) {
			return fmt.Errorf("manifest %s: ui_contract.channels entry %q is not a dotted lowercase path", m.ID, ch)
		}
	}
	for _, p := range m.Permissions {
		if !guard.Vocabulary[guard.Permission(p)] {
			return fmt.Errorf("manifest %s: permission %q outside the closed vocabulary", m.ID, p)
		}
	}
	return nil
}

// validateEntry rejects absolute paths and traversal outside the plugin root.
func validateEntry(entry string) error {
	if entry == "" {
		return fmt.Errorf("entry is empty")
	}
	if filepath.IsAbs(entry) {
		return fmt.Errorf("entry %q must be relative", entry)
	}
	clean := filepath.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("entry %q escapes the plugin root", entry)
	}
	return nil
}

// ============================================================================
// SDUI COMPATIBILITY
// ============================================================================

// Fallback tells the UI what to render when a plugin is incompatible.
type Fallback string

const (
	FallbackNone  Fallback = ""
	FallbackHide  Fallback = "HIDE"
	FallbackBasic Fallback = "BASIC_FALLBACK"
)

// SDUIResult is the outcome of version negotiation between the core SDUI
// version and a plugin's declared one.
type SDUIResult struct {
	Compatible bool
	Negotiated string
	Fallback   Fallback
}

// NegotiateSDUI compares core version c against plugin version p, both
// MAJOR.MINOR. Major mismatch hides the plugin; a plugin minor ahead of the
// core degrades to the basic fallback.
func NegotiateSDUI(c, p string) (SDUIResult, error) {
	cMaj, cMin, err := parseSDUI(c)
	if err != nil {
		return SDUIResult{}, err
	}
	pMaj, pMin, err := parseSDUI(p)
	if err != nil {
		return SDUIResult{}, err
	}

	if cMaj != pMaj {
		return SDUIResult{Compatible: false, Fallback: FallbackHide}, nil
	}
	if cMin < pMin {
		return SDUIResult{Compatible: false, Fallback: FallbackBasic}, nil
	}
	return SDUIResult{Compatible: true, Negotiated: p}, nil
}

func parseSDUI(v string) (int, int, error) {
	if !sduiVersionRe.MatchString(v) {
		return 0, 0, fmt.Errorf("sdui version %q is not MAJOR.MINOR", v)
	}
	parts := strings.SplitN(v, ".", 2)
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	return major, minor, nil
}
