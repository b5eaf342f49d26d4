package model

import "strings"

// PermissionSet is a set of permissions granted to a user. Each key is a
// permission string (e.g. "hazards:report") and may include wildcards
// (e.g. "hazards:*").
type PermissionSet map[string]bool

// NewPermissionSet builds a PermissionSet from a list of permission strings.
func NewPermissionSet(perms []string) PermissionSet {
	ps := make(PermissionSet, len(perms))
	for _, p := range perms {
		ps[p] = true
	}
	return ps
}

// Has returns true if the set contains the exact permission or a wildcard
// that matches it.
func (ps PermissionSet) Has(perm string) bool {
	if ps[perm] {
		return true
	}
	for pattern := range ps {
		if matchWildcard(pattern, perm) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given
// permissions (including via wildcards).
func (ps PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches perm.
// Examples:
//
//	"*"          matches anything
//	"hazards:*"  matches "hazards:report"
//	"hazards"    does NOT match "hazards:report" (exact only, no wildcard)
func matchWildcard(pattern, perm string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(perm, prefix)
}
