// Package storage defines the records and persistence capabilities used by the grant engine.
// Adapters live in subpackages (memory, sqlite, valkey).
package storage

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ClientStore is the client registry. Reads must never observe a partially
// written record while an admin write is in progress.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts a new client. Returns ErrConflict if the client ID is taken.
	SaveClient(ctx context.Context, client *Client) error

	// UpdateClient replaces an existing client. Returns ErrNotFound if it does not exist.
	UpdateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Returns ErrNotFound if it does not exist.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationCodeStore holds short-lived, single-use authorization codes.
// Expiry is evaluated by the caller, not by the store.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode inserts a code owned by userID.
	// Returns ErrConflict if the code value already exists.
	SaveAuthorizationCode(ctx context.Context, userID string, code *AuthorizationCode) error

	// GetAuthorizationCode looks a code up by value. The caller checks clientID.
	GetAuthorizationCode(ctx context.Context, clientID, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes the code and returns the removed row.
	// Returns ErrNotFound if the code was already gone, so concurrent callers
	// can tell which of them removed it.
	DeleteAuthorizationCode(ctx context.Context, clientID, code string) (*AuthorizationCode, error)
}

// TokenStore holds issued token records. It is the source of truth for revocation.
type TokenStore interface {
	// SaveToken appends a new token record. Returns ErrConflict if either token
	// value is already stored.
	SaveToken(ctx context.Context, userID, clientID string, token *Token) error

	// GetToken looks a record up by access token or, if accessToken is empty, by
	// refresh token. Revoked records and records of another client are reported
	// as ErrNotFound. An empty clientID matches any client.
	GetToken(ctx context.Context, clientID, accessToken, refreshToken string) (*Token, error)

	// RevokeToken marks the record holding token as revoked. token may be the
	// refresh token or the access token; both halves of the pair stop working.
	// Unknown or already revoked tokens are a no-op.
	RevokeToken(ctx context.Context, token string) error

	// UpdateAccessToken replaces the access token and scope of the active record
	// holding refreshToken. Used when refresh token rotation is disabled.
	UpdateAccessToken(ctx context.Context, refreshToken, accessToken, scope string, issuedAt time.Time, expiresIn int64) error

	// GetTokenFamily returns family metadata for a refresh token, including
	// revoked records. Used for refresh token reuse detection.
	GetTokenFamily(ctx context.Context, refreshToken string) (*TokenFamily, error)

	// RevokeTokenFamily revokes every record of a rotation family.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllTokensForUserClient revokes every active record for a user+client pair.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// RevokeClientTokens revokes every active record issued to a client.
	RevokeClientTokens(ctx context.Context, clientID string) (int, error)
}

// ExchangeStore provides the atomic operations that span codes and tokens.
//
// SECURITY: these are the synchronization points for concurrent redemption.
// At most one caller may succeed per code or per refresh token.
type ExchangeStore interface {
	// RedeemAuthorizationCode deletes the code if it still exists and persists
	// token in the same atomic step. Returns ErrNotFound if the code was already
	// consumed; the token is then not written. If the token cannot be written,
	// the code is left in place.
	RedeemAuthorizationCode(ctx context.Context, clientID, code string, token *Token) error

	// RotateRefreshToken revokes the active record holding oldRefreshToken and
	// persists next in the same atomic step. Returns ErrNotFound if the old
	// record is no longer active (rotated, revoked or missing).
	RotateRefreshToken(ctx context.Context, clientID, oldRefreshToken string, next *Token) error
}

// UserStore resolves principals for ID token claims.
type UserStore interface {
	SaveUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
}

// Storage is the full persistence capability required by the grant engine.
type Storage interface {
	ClientStore
	AuthorizationCodeStore
	TokenStore
	ExchangeStore
	UserStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	GrantTypes       []string
	ResponseTypes    []string
	RedirectURIs     []string
	Scope            string // space-delimited allowed scopes
	ClientName       string
	CreatedAt        time.Time
}

// IsPublic reports whether the client is registered without a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrantType reports whether grantType is registered for the client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType reports whether responseType is registered for the client.
func (c *Client) AllowsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs (exact match).
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ScopeList returns the allowed scopes as a slice.
func (c *Client) ScopeList() []string {
	return strings.Fields(c.Scope)
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	ResponseType        string
	Scope               string
	AuthTime            time.Time
	ExpiresIn           int64 // seconds from AuthTime
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// ExpiresAt returns the instant after which the code is no longer redeemable.
func (c *AuthorizationCode) ExpiresAt() time.Time {
	return c.AuthTime.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// IsExpired reports whether auth_time + expires_in < now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt().Before(now)
}

// Token is an issued access/refresh token record.
type Token struct {
	AccessToken           string
	RefreshToken          string // empty for client_credentials
	IDToken               string // not persisted by every adapter
	TokenType             string
	Scope                 string
	IssuedAt              time.Time
	ExpiresIn             int64 // access token lifetime in seconds
	RefreshTokenExpiresIn int64 // refresh token lifetime in seconds, 0 = no expiry
	UserID                string // empty when no user is involved (client_credentials)
	ClientID              string
	FamilyID              string // refresh token rotation family
	Generation            int
	Revoked               bool
	RevokedAt             time.Time
}

// AccessExpiresAt returns when the access token expires.
func (t *Token) AccessExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsAccessExpired reports whether the access token lifetime has passed.
func (t *Token) IsAccessExpired(now time.Time) bool {
	return t.AccessExpiresAt().Before(now)
}

// IsRefreshExpired reports whether the refresh token lifetime has passed.
func (t *Token) IsRefreshExpired(now time.Time) bool {
	if t.RefreshTokenExpiresIn <= 0 {
		return false
	}
	return t.IssuedAt.Add(time.Duration(t.RefreshTokenExpiresIn) * time.Second).Before(now)
}

// TokenFamily contains metadata about a refresh token rotation family
type TokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	Revoked    bool
}

// User is an opaque principal with the claims needed for ID tokens.
type User struct {
	ID     string
	Claims map[string]any
}
