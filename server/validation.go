package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement requires an https issuer except on loopback hosts
// or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// the 127.0.0.0/8 range, ::1, "localhost" and 0.0.0.0.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validatePKCE checks the code_verifier against the challenge stored with the code.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// RFC 9700 Section 2.1.1: a verifier without a challenge is a downgrade attempt
		if verifier != "" {
			return fmt.Errorf("code_verifier sent for a code issued without code_challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validatePKCEValue("code_verifier", verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateCodeChallenge checks the PKCE parameters of an authorization
// request and returns the effective method.
func (s *Server) validateCodeChallenge(client *storage.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("code_challenge_method sent without code_challenge")
		}
		if client.IsPublic() && !s.Config.AllowPublicClientsWithoutPKCE {
			return "", fmt.Errorf("code_challenge is required for public clients")
		}
		if s.Config.RequirePKCE {
			return "", fmt.Errorf("code_challenge is required")
		}
		return "", nil
	}

	// RFC 7636 Section 4.3: the method defaults to plain
	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if err := validatePKCEValue("code_challenge", challenge); err != nil {
		return "", err
	}
	return method, nil
}

// validatePKCEValue enforces the RFC 7636 length and character set:
// 43-128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func validatePKCEValue(name, value string) error {
	if len(value) < MinCodeVerifierLength {
		return fmt.Errorf("%s must be at least %d characters (RFC 7636)", name, MinCodeVerifierLength)
	}
	if len(value) > MaxCodeVerifierLength {
		return fmt.Errorf("%s must be at most %d characters (RFC 7636)", name, MaxCodeVerifierLength)
	}
	for _, ch := range value {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("%s contains invalid characters (must be [A-Za-z0-9-._~])", name)
		}
	}
	return nil
}

// resolveScope returns the scope to grant for requested against the scopes
// allowed. An empty request is granted the allowed scope.
//
// SECURITY: the error does not name the offending scope, to prevent enumeration.
func (s *Server) resolveScope(requested, allowed string) (string, error) {
	if requested == "" {
		return allowed, nil
	}
	requested = util.JoinScope(util.ParseScope(requested))

	if len(s.Config.SupportedScopes) > 0 {
		for _, scope := range util.ParseScope(requested) {
			if !slices.Contains(s.Config.SupportedScopes, scope) {
				return "", fmt.Errorf("one or more requested scopes are not supported")
			}
		}
	}
	if allowed != "" && !util.IsScopeSubset(requested, allowed) {
		return "", fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return requested, nil
}

// validateRedirectURI checks that redirectURI is registered for the client
// (exact match) and is safe to redirect to.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if !client.HasRedirectURI(redirectURI) {
		return fmt.Errorf("redirect_uri not registered for client")
	}
	return s.validateRedirectURISecurity(redirectURI)
}

// validateRedirectURISecurity applies the OAuth 2.0 Security BCP rules to a redirect URI.
func (s *Server) validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	// Security BCP Section 4.1.3: no fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if isLocalhostHostname(strings.ToLower(parsed.Hostname())) {
			return nil
		}
		if issuerURL, err := url.Parse(s.Config.Issuer); err == nil && issuerURL.Scheme == SchemeHTTPS {
			return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
		}
		return nil
	default:
		return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
	}
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	for _, pattern := range allowedSchemes {
		re, err := compileSchemePattern(pattern)
		if err != nil {
			return err
		}
		if re.MatchString(scheme) {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}

func compileSchemePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
	}
	return re, nil
}
