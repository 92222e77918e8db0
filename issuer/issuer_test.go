package issuer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
)

// recordingSigner returns a deterministic token and keeps the claims it was given.
type recordingSigner struct {
	signed []signer.Claims
	err    error
}

func (r *recordingSigner) Sign(claims signer.Claims) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.signed = append(r.signed, claims)
	return "tok-" + claims.String("token_use") + "-" + claims.String("jti"), nil
}

func (r *recordingSigner) Verify(string) (signer.Claims, error) {
	return nil, signer.ErrInvalidToken
}

var issuedAt = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T, s signer.Signer, cfg Config) *Issuer {
	t.Helper()
	iss, err := New(s, cfg)
	require.NoError(t, err)
	return iss
}

func TestIssue_AccessAndRefresh(t *testing.T) {
	rs := &recordingSigner{}
	iss := newTestIssuer(t, rs, Config{AccessTokenTTL: 900, RefreshTokenTTL: 86400})

	out, err := iss.Issue(Grant{
		User:                &storage.User{ID: "u1"},
		ClientID:            "c1",
		Scope:               "read write",
		GrantType:           "authorization_code",
		IssuedAt:            issuedAt,
		AccessTokenID:       "a1",
		RefreshTokenID:      "r1",
		IncludeRefreshToken: true,
		FamilyID:            "f1",
		Generation:          1,
	})
	require.NoError(t, err)

	assert.Equal(t, TokenTypeBearer, out.TokenType)
	assert.Equal(t, int64(900), out.ExpiresIn)
	assert.Equal(t, "tok-access-a1", out.AccessToken)
	assert.Equal(t, "tok-refresh-r1", out.RefreshToken)
	assert.Empty(t, out.IDToken, "no openid scope, no ID token")

	rec := out.Record
	require.NotNil(t, rec)
	assert.Equal(t, out.AccessToken, rec.AccessToken)
	assert.Equal(t, out.RefreshToken, rec.RefreshToken)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "c1", rec.ClientID)
	assert.Equal(t, "f1", rec.FamilyID)
	assert.Equal(t, 1, rec.Generation)
	assert.Equal(t, int64(86400), rec.RefreshTokenExpiresIn)
	assert.True(t, issuedAt.Equal(rec.IssuedAt))

	require.Len(t, rs.signed, 2)
	access := rs.signed[0]
	assert.Equal(t, "u1", access["sub"])
	assert.Equal(t, "read write", access["scope"])
	assert.Equal(t, issuedAt.Unix()+900, access["exp"])
	refresh := rs.signed[1]
	assert.Equal(t, issuedAt.Unix()+86400, refresh["exp"])
}

func TestIssue_ClientCredentials(t *testing.T) {
	rs := &recordingSigner{}
	iss := newTestIssuer(t, rs, Config{})

	out, err := iss.Issue(Grant{
		ClientID:      "svc",
		Scope:         "openid read",
		GrantType:     "client_credentials",
		IssuedAt:      issuedAt,
		AccessTokenID: "a1",
	})
	require.NoError(t, err)

	assert.Empty(t, out.RefreshToken)
	assert.Empty(t, out.IDToken, "no user, no ID token even with openid")
	assert.Empty(t, out.Record.UserID)
	assert.Equal(t, DefaultAccessTokenTTL, out.ExpiresIn)
	require.Len(t, rs.signed, 1)
	assert.Equal(t, "svc", rs.signed[0]["sub"])
}

func TestIssue_IDToken(t *testing.T) {
	rs := &recordingSigner{}
	iss := newTestIssuer(t, rs, Config{})
	authTime := issuedAt.Add(-time.Minute)

	out, err := iss.Issue(Grant{
		User: &storage.User{ID: "u1", Claims: map[string]any{
			"email": "u1@example.com",
			"sub":   "spoofed",
			"aud":   "spoofed",
		}},
		ClientID:      "c1",
		Scope:         "openid email",
		IssuedAt:      issuedAt,
		AccessTokenID: "a1",
		Nonce:         "n-123",
		AuthTime:      authTime,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.IDToken)
	assert.Equal(t, out.IDToken, out.Record.IDToken)

	id := rs.signed[len(rs.signed)-1]
	assert.Equal(t, "u1", id["sub"])
	assert.Equal(t, "c1", id["aud"])
	assert.Equal(t, "n-123", id["nonce"])
	assert.Equal(t, authTime.Unix(), id["auth_time"])
	assert.Equal(t, "u1@example.com", id["email"])
}

func TestIssue_NonExpiringRefreshToken(t *testing.T) {
	rs := &recordingSigner{}
	iss := newTestIssuer(t, rs, Config{RefreshTokenTTL: -1})

	out, err := iss.Issue(Grant{
		User:                &storage.User{ID: "u1"},
		ClientID:            "c1",
		IssuedAt:            issuedAt,
		AccessTokenID:       "a1",
		RefreshTokenID:      "r1",
		IncludeRefreshToken: true,
	})
	require.NoError(t, err)
	assert.Zero(t, out.Record.RefreshTokenExpiresIn)
	_, hasExp := rs.signed[1]["exp"]
	assert.False(t, hasExp)
}

func TestIssue_Errors(t *testing.T) {
	iss := newTestIssuer(t, &recordingSigner{}, Config{})

	_, err := iss.Issue(Grant{AccessTokenID: "a1"})
	assert.Error(t, err, "client ID required")

	_, err = iss.Issue(Grant{ClientID: "c1"})
	assert.Error(t, err, "access token ID required")

	_, err = iss.Issue(Grant{ClientID: "c1", AccessTokenID: "a1", IncludeRefreshToken: true})
	assert.Error(t, err, "refresh token ID required")

	failing := newTestIssuer(t, &recordingSigner{err: errors.New("hsm offline")}, Config{})
	_, err = failing.Issue(Grant{ClientID: "c1", AccessTokenID: "a1"})
	assert.ErrorContains(t, err, "hsm offline")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	s, err := signer.NewJWT(signer.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	_, err = New(s, Config{AccessTokenTTL: -5})
	assert.Error(t, err)
}

func TestIssue_WithJWTSigner(t *testing.T) {
	s, err := signer.NewJWT(signer.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Issuer: "https://auth.example.com",
	})
	require.NoError(t, err)
	iss := newTestIssuer(t, s, Config{})

	out, err := iss.Issue(Grant{
		User:          &storage.User{ID: "u1"},
		ClientID:      "c1",
		Scope:         "read",
		IssuedAt:      time.Now(),
		AccessTokenID: "a1",
	})
	require.NoError(t, err)

	claims, err := s.Verify(out.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.String("sub"))
	assert.Equal(t, "c1", claims.String("client_id"))
	assert.Equal(t, TokenUseAccess, claims.String("token_use"))
}
