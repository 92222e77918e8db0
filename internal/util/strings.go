package util

import (
	"slices"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. Used when logging tokens and codes, where only
// a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope string, dropping empty and duplicate entries.
// Order of first occurrence is kept.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope is the inverse of ParseScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether the space-delimited scope contains want.
func HasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}

// IsScopeSubset reports whether every scope in requested is present in allowed.
// An empty request is always a subset.
func IsScopeSubset(requested, allowed string) bool {
	allowedList := strings.Fields(allowed)
	for _, s := range strings.Fields(requested) {
		if !slices.Contains(allowedList, s) {
			return false
		}
	}
	return true
}
