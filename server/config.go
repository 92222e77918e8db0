package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Default configuration values
const (
	// DefaultAuthorizationCodeTTL is how long authorization codes stay redeemable (seconds)
	DefaultAuthorizationCodeTTL int64 = 600

	// MaxAuthorizationCodeTTL bounds AuthorizationCodeTTL; RFC 6749 recommends at most 10 minutes
	MaxAuthorizationCodeTTL int64 = 600
)

// Config holds grant engine configuration.
// Token lifetimes are owned by the issuer.Config passed to New.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// DisableRefreshTokenRotation issues a new access token on refresh but keeps
	// the refresh token value unchanged. Rotation with reuse detection is the default.
	DisableRefreshTokenRotation bool // default: false

	// AllowPublicClientsWithoutPKCE lets public clients start a flow without a
	// code_challenge.
	// WARNING: public clients have no secret, PKCE is their only proof of possession
	AllowPublicClientsWithoutPKCE bool // default: false

	// RequirePKCE enforces PKCE for confidential clients too
	RequirePKCE bool // default: false

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 is accepted
	AllowPKCEPlain bool // default: false

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host
	AllowInsecureHTTP bool // default: false

	// SupportedScopes lists the scopes the server accepts at all.
	// If empty, any scope a client is registered for is accepted.
	SupportedScopes []string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native-app redirect URIs (e.g., com.example.app://)
	// Default: RFC 3986 compliant schemes
	AllowedCustomSchemes []string

	// AuditEnabled creates a security.Auditor on the server logger when none is set
	AuditEnabled bool

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// rotateRefreshTokens reports the effective rotation policy.
func (c *Config) rotateRefreshTokens() bool {
	return !c.DisableRefreshTokenRotation
}

// applySecureDefaults fills zero values and logs warnings for weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if len(config.AllowedCustomSchemes) == 0 {
		config.AllowedCustomSchemes = DefaultRFC3986SchemePattern
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPublicClientsWithoutPKCE {
		logger.Warn("⚠️  SECURITY WARNING: Public clients may skip PKCE",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set AllowPublicClientsWithoutPKCE=false for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay valid until they expire",
			"recommendation", "Leave DisableRefreshTokenRotation=false")
	}
}

// validateConfig rejects configurations the server cannot run with.
func validateConfig(config *Config) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if config.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("authorization code TTL must be positive, got %d", config.AuthorizationCodeTTL)
	}
	if config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		return fmt.Errorf("authorization code TTL must be at most %d seconds, got %d",
			MaxAuthorizationCodeTTL, config.AuthorizationCodeTTL)
	}
	for _, pattern := range config.AllowedCustomSchemes {
		if _, err := compileSchemePattern(pattern); err != nil {
			return err
		}
	}
	return nil
}
