// Package guard maps bus subjects to required permissions and evaluates
// callers against them. Evaluation is deny-by-default: a subject with no
// mapping is refused outright.
package guard

import (
	"regexp"
	"strings"
)

// Permission is one entry of the closed permission vocabulary.
type Permission string

const (
	PermSysManage    Permission = "sys:manage"
	PermSysAudit     Permission = "sys:audit"
	PermNodeRead     Permission = "node:read"
	PermNodeCmd      Permission = "node:cmd"
	PermNodeJoin     Permission = "node:join"
	PermMFSWrite     Permission = "mfs:write"
	PermNATSPub      Permission = "nats:pub"
	PermPluginAccess Permission = "plugin:access"
	PermWildcard     Permission = "*"
)

// Vocabulary is the closed set of grantable permissions.
var Vocabulary = map[Permission]bool{
	PermSysManage:    true,
	PermSysAudit:     true,
	PermNodeRead:     true,
	PermNodeCmd:      true,
	PermNodeJoin:     true,
	PermMFSWrite:     true,
	PermNATSPub:      true,
	PermPluginAccess: true,
}

// rule binds a subject pattern to its required permission. Order matters:
// the first matching rule wins. Extend only by appending.
type rule struct {
	pattern  *regexp.Regexp
	required Permission
}

var rules = []rule{
	{regexp.MustCompile(`^(meristem\.v1\.)?node\.[^.]+\.cmd$`), PermNodeCmd},
	{regexp.MustCompile(`^(meristem\.v1\.)?node\.[^.]+\.(status|state)$`), PermNodeRead},
	{regexp.MustCompile(`^task\.[^.]+\.status$`), PermNodeRead},
	{regexp.MustCompile(`^(meristem\.v1\.)?sys\.`), PermSysManage},
	{regexp.MustCompile(`^(meristem\.v1\.)?audit\.`), PermSysAudit},
	{regexp.MustCompile(`^(meristem\.v1\.)?mfs\.`), PermMFSWrite},
	{regexp.MustCompile(`^(meristem\.v1\.)?plugin\.`), PermPluginAccess},
}

// Decision is the result of evaluating a subject against a permission set.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Required string `json:"required_permission,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const (
	ReasonNoMapping    = "DENY_NO_MAPPING"
	ReasonNotPermitted = "DENY_PERMISSION_MISSING"
)

// RequiredFor returns the permission the first matching rule demands, or
// false when no rule matches.
func RequiredFor(subject string) (Permission, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(subject) {
			return r.required, true
		}
	}
	return "", false
}

// Evaluate decides whether a caller holding perms may touch subject. A caller
// satisfies a requirement with the exact permission, the global "*", or the
// "namespace:*" wildcard of the required permission's namespace.
func Evaluate(subject string, perms []string) Decision {
	required, ok := RequiredFor(subject)
	if !ok {
		return Decision{Allowed: false, Reason: ReasonNoMapping}
	}

	namespace := strings.SplitN(string(required), ":", 2)[0] + ":*"
	for _, p := range perms {
		if p == string(PermWildcard) || p == string(required) || p == namespace {
			return Decision{Allowed: true, Required: string(required)}
		}
	}
	return Decision{Allowed: false, Required: string(required), Reason: ReasonNotPermitted}
}

// DenialEvent is the audit payload emitted for refused subject access.
type DenialEvent struct {
	Event              string `json:"event"` // WS_SUBSCRIPTION_DENIED | BUS_ACCESS_DENIED
	Actor              string `json:"actor"`
	Subject            string `json:"subject"`
	RequiredPermission string `json:"required_permission"`
	Reason             string `json:"reason"`
}
