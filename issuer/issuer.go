package issuer

import (
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultAccessTokenTTL is the default access token lifetime in seconds (1 hour)
	DefaultAccessTokenTTL int64 = 3600

	// DefaultRefreshTokenTTL is the default refresh token lifetime in seconds (30 days)
	DefaultRefreshTokenTTL int64 = 30 * 24 * 3600

	// TokenTypeBearer is the only token type issued
	TokenTypeBearer = "Bearer"

	// ScopeOpenID triggers ID token issuance
	ScopeOpenID = "openid"
)

// Values of the token_use claim
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
	TokenUseID      = "id"
)

// reservedClaims are never copied from user claims into an ID token
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {},
	"jti": {}, "auth_time": {}, "nonce": {}, "azp": {}, "token_use": {},
}

// Config holds token lifetimes. Zero values take the defaults; a negative
// RefreshTokenTTL issues refresh tokens that never expire.
type Config struct {
	// AccessTokenTTL is the access token lifetime in seconds
	AccessTokenTTL int64

	// RefreshTokenTTL is the refresh token lifetime in seconds
	RefreshTokenTTL int64

	// IDTokenTTL is the ID token lifetime in seconds (default: AccessTokenTTL)
	IDTokenTTL int64
}

// Grant is the validated context a token set is minted for.
// Every time-dependent or random input is supplied by the caller.
type Grant struct {
	// User is the resource owner; nil for client_credentials
	User *storage.User

	ClientID  string
	Scope     string
	GrantType string
	IssuedAt  time.Time

	// AccessTokenID is the jti of the access token (required)
	AccessTokenID string

	// RefreshTokenID is the jti of the refresh token; required when IncludeRefreshToken is set
	RefreshTokenID      string
	IncludeRefreshToken bool

	// FamilyID and Generation place the refresh token in its rotation chain
	FamilyID   string
	Generation int

	// Nonce and AuthTime are echoed into the ID token
	Nonce    string
	AuthTime time.Time
}

// Issued is a minted token set plus the record to persist.
type Issued struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
	Scope        string

	Record *storage.Token
}

// Issuer mints signed token sets. It performs no storage or network calls.
type Issuer struct {
	signer signer.Signer
	config Config
}

// New creates an issuer around s.
func New(s signer.Signer, cfg Config) (*Issuer, error) {
	if s == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.AccessTokenTTL < 0 {
		return nil, fmt.Errorf("access token TTL must be positive")
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = cfg.AccessTokenTTL
	}
	return &Issuer{signer: s, config: cfg}, nil
}

// AccessTokenTTL returns the configured access token lifetime in seconds.
func (i *Issuer) AccessTokenTTL() int64 {
	return i.config.AccessTokenTTL
}

// Verify checks a token minted by this issuer and returns its claims.
func (i *Issuer) Verify(token string) (signer.Claims, error) {
	return i.signer.Verify(token)
}

// Issue mints the access token, the optional refresh token, and the optional ID token for g.
func (i *Issuer) Issue(g Grant) (*Issued, error) {
	if g.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if g.AccessTokenID == "" {
		return nil, fmt.Errorf("access token ID is required")
	}
	if g.IncludeRefreshToken && g.RefreshTokenID == "" {
		return nil, fmt.Errorf("refresh token ID is required")
	}

	subject := g.ClientID
	userID := ""
	if g.User != nil {
		subject = g.User.ID
		userID = g.User.ID
	}
	iat := g.IssuedAt.Unix()

	access, err := i.signer.Sign(signer.Claims{
		"sub":       subject,
		"client_id": g.ClientID,
		"scope":     g.Scope,
		"jti":       g.AccessTokenID,
		"iat":       iat,
		"exp":       iat + i.config.AccessTokenTTL,
		"token_use": TokenUseAccess,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	issued := &Issued{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   i.config.AccessTokenTTL,
		Scope:       g.Scope,
	}
	record := &storage.Token{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		Scope:       g.Scope,
		IssuedAt:    g.IssuedAt,
		ExpiresIn:   i.config.AccessTokenTTL,
		UserID:      userID,
		ClientID:    g.ClientID,
	}

	if g.IncludeRefreshToken {
		claims := signer.Claims{
			"sub":       subject,
			"client_id": g.ClientID,
			"jti":       g.RefreshTokenID,
			"iat":       iat,
			"token_use": TokenUseRefresh,
		}
		if i.config.RefreshTokenTTL > 0 {
			claims["exp"] = iat + i.config.RefreshTokenTTL
			record.RefreshTokenExpiresIn = i.config.RefreshTokenTTL
		}
		refresh, err := i.signer.Sign(claims)
		if err != nil {
			return nil, fmt.Errorf("sign refresh token: %w", err)
		}
		issued.RefreshToken = refresh
		record.RefreshToken = refresh
		record.FamilyID = g.FamilyID
		record.Generation = g.Generation
	}

	if g.User != nil && util.HasScope(g.Scope, ScopeOpenID) {
		idToken, err := i.signIDToken(g, iat)
		if err != nil {
			return nil, err
		}
		issued.IDToken = idToken
		record.IDToken = idToken
	}

	issued.Record = record
	return issued, nil
}

func (i *Issuer) signIDToken(g Grant, iat int64) (string, error) {
	claims := signer.Claims{}
	for k, v := range g.User.Claims {
		if _, reserved := reservedClaims[strings.ToLower(k)]; !reserved {
			claims[k] = v
		}
	}
	claims["sub"] = g.User.ID
	claims["aud"] = g.ClientID
	claims["azp"] = g.ClientID
	claims["iat"] = iat
	claims["exp"] = iat + i.config.IDTokenTTL
	claims["token_use"] = TokenUseID
	if !g.AuthTime.IsZero() {
		claims["auth_time"] = g.AuthTime.Unix()
	}
	if g.Nonce != "" {
		claims["nonce"] = g.Nonce
	}

	idToken, err := i.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return idToken, nil
}
