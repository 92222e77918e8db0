package oauth

import (
	"log/slog"
	"strings"
)

// Default endpoint paths
const (
	DefaultAuthorizationPath = "/oauth/authorize"
	DefaultTokenPath         = "/oauth/token"
	DefaultRevocationPath    = "/oauth/revoke"
	DefaultIntrospectionPath = "/oauth/introspect"
	DefaultMetadataPath      = "/.well-known/oauth-authorization-server"
)

const (
	// DefaultMaxFormBytes bounds form-encoded request bodies
	DefaultMaxFormBytes int64 = 64 << 10

	// DefaultMinStateLength is the minimum accepted length of the state parameter.
	// 16 characters of a random alphabet carry well over 64 bits of entropy.
	DefaultMinStateLength = 16
)

// Config holds the HTTP handler configuration
type Config struct {
	// AuthorizationPath is where ServeAuthorize is mounted
	// Default: /oauth/authorize
	AuthorizationPath string

	// TokenPath is where ServeToken is mounted
	// Default: /oauth/token
	TokenPath string

	// RevocationPath is where ServeRevoke is mounted (RFC 7009)
	// Default: /oauth/revoke
	RevocationPath string

	// IntrospectionPath is where ServeIntrospection is mounted (RFC 7662)
	// Default: /oauth/introspect
	IntrospectionPath string

	// MetadataPath is where ServeMetadata is mounted (RFC 8414)
	// Default: /.well-known/oauth-authorization-server
	MetadataPath string

	// MaxFormBytes bounds the body of form-encoded POST requests
	// Default: 64 KiB
	MaxFormBytes int64

	// MinStateLength is the minimum length of the state parameter
	// Default: 16
	MinStateLength int

	// AllowMissingState permits authorization requests without state.
	// WARNING: Weakens CSRF protection. Only for legacy clients.
	AllowMissingState bool

	// ChallengeScope is advertised in WWW-Authenticate on 401 responses (optional)
	ChallengeScope string

	// Logger for structured logging (optional, uses the server logger if not provided)
	Logger *slog.Logger
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.AuthorizationPath == "" {
		c.AuthorizationPath = DefaultAuthorizationPath
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.RevocationPath == "" {
		c.RevocationPath = DefaultRevocationPath
	}
	if c.IntrospectionPath == "" {
		c.IntrospectionPath = DefaultIntrospectionPath
	}
	if c.MetadataPath == "" {
		c.MetadataPath = DefaultMetadataPath
	}
	if c.MaxFormBytes <= 0 {
		c.MaxFormBytes = DefaultMaxFormBytes
	}
	if c.MinStateLength <= 0 {
		c.MinStateLength = DefaultMinStateLength
	}
	return c
}

// endpointURL joins the issuer base URL and an endpoint path.
func endpointURL(issuer, path string) string {
	return strings.TrimSuffix(issuer, "/") + path
}
