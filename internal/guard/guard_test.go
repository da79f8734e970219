package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiredForMatchesFirstRule(t *testing.T) {
	cases := []struct {
		subject  string
		required Permission
	}{
		{"node.n-1.cmd", PermNodeCmd},
		{"meristem.v1.node.n-1.cmd", PermNodeCmd},
		{"node.n-1.status", PermNodeRead},
		{"node.n-1.state", PermNodeRead},
		{"task.t-42.status", PermNodeRead},
		{"sys.network.mode", PermSysManage},
		{"meristem.v1.sys.shutdown", PermSysManage},
		{"audit.chain.anchor", PermSysAudit},
		{"mfs.volume.write", PermMFSWrite},
		{"plugin.weather.invoke", PermPluginAccess},
	}
	for _, tc := range cases {
		got, ok := RequiredFor(tc.subject)
		assert.True(t, ok, tc.subject)
		assert.Equal(t, tc.required, got, tc.subject)
	}
}

func TestRequiredForRejectsUnmapped(t *testing.T) {
	for _, subject := range []string{
		"",
		"weather.updates",
		"node.cmd",          // missing the node id segment
		"node.a.b.cmd",      // extra segment
		"xnode.n-1.cmd",     // prefix must anchor
		"task.t-1.progress", // only task status is mapped
	} {
		_, ok := RequiredFor(subject)
		assert.False(t, ok, subject)
	}
}

func TestEvaluateDenyByDefault(t *testing.T) {
	d := Evaluate("weather.updates", []string{"*"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoMapping, d.Reason)
	assert.Empty(t, d.Required)
}

func TestEvaluateExactPermission(t *testing.T) {
	d := Evaluate("node.n-1.cmd", []string{"node:read", "node:cmd"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "node:cmd", d.Required)
}

func TestEvaluateGlobalWildcard(t *testing.T) {
	d := Evaluate("audit.chain.anchor", []string{"*"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "sys:audit", d.Required)
}

func TestEvaluateNamespaceWildcard(t *testing.T) {
	d := Evaluate("node.n-1.cmd", []string{"node:*"})
	assert.True(t, d.Allowed)

	// The namespace wildcard does not cross namespaces.
	d = Evaluate("sys.network.mode", []string{"node:*"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotPermitted, d.Reason)
	assert.Equal(t, "sys:manage", d.Required)
}

func TestEvaluateMissingPermission(t *testing.T) {
	d := Evaluate("node.n-1.cmd", []string{"node:read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "node:cmd", d.Required)
	assert.Equal(t, ReasonNotPermitted, d.Reason)
}

func TestCmdRuleWinsOverSysPrefix(t *testing.T) {
	// Versioned node subjects must not fall through to later rules.
	got, ok := RequiredFor("meristem.v1.node.edge-7.state")
	assert.True(t, ok)
	assert.Equal(t, PermNodeRead, got)
}
