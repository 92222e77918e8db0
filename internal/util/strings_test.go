package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"string shorter than maxLen", "short", 10, "short"},
		{"string equal to maxLen", "exactly10c", 10, "exactly10c"},
		{"string longer than maxLen", "this-is-a-very-long-token-string", 8, "this-is-"},
		{"empty string", "", 5, ""},
		{"maxLen is zero", "test", 0, ""},
		{"maxLen is negative", "test", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{}},
		{"single", "openid", []string{"openid"}},
		{"extra whitespace", "  openid   email ", []string{"openid", "email"}},
		{"duplicates dropped", "read write read", []string{"read", "write"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScope(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseScope(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if got := JoinScope(ParseScope("a  b a")); got != "a b" {
		t.Errorf("JoinScope(ParseScope()) = %q, want %q", got, "a b")
	}
}

func TestIsScopeSubset(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		allowed   string
		want      bool
	}{
		{"empty request", "", "read", true},
		{"equal", "read write", "write read", true},
		{"narrower", "read", "read write", true},
		{"wider", "read admin", "read write", false},
		{"nothing allowed", "read", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsScopeSubset(tt.requested, tt.allowed); got != tt.want {
				t.Errorf("IsScopeSubset(%q, %q) = %v, want %v", tt.requested, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	if !HasScope("openid email", "openid") {
		t.Error("HasScope() should find openid")
	}
	if HasScope("openidx email", "openid") {
		t.Error("HasScope() must match whole scope tokens")
	}
}
