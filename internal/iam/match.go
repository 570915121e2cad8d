package iam

import "strings"

// Matches reports whether a resource pattern covers a target resource.
//
// Supported pattern forms, in order of evaluation:
//
//	"*"        — matches any target
//	exact      — pattern equals target
//	"prefix*"  — target starts with prefix (covers "prefix:*" as a special
//	             case of the same rule)
//
// Resources are opaque strings, conventionally "file:<path>", "tool:<name>",
// or "*". The engine is policy over identifiers; nothing here knows what a
// tool or file is.
func Matches(pattern, target string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == target {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(target, prefix)
	}
	return false
}

// actionsAllow reports whether an action set permits the requested action.
// A set containing "*" permits everything.
func actionsAllow(set []string, action string) bool {
	for _, a := range set {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}
