package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// authorizeConfidential runs the authorization step for the confidential
// client "conf" and returns the code value.
func (e *testEnv) authorizeConfidential(t *testing.T, userID, scope string) string {
	t.Helper()
	code, err := e.srv.Authorize(userContext(userID, nil), AuthorizationRequest{
		ClientID:     "conf",
		RedirectURI:  testutil.TestRedirectURI,
		ResponseType: ResponseTypeCode,
		Scope:        scope,
	})
	require.NoError(t, err)
	return code.Code
}

// exchangeConfidential redeems code for the confidential client "conf".
func (e *testEnv) exchangeConfidential(code string) (*TokenResponse, error) {
	return e.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "conf",
		ClientSecret: testutil.TestClientSecret,
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
	})
}

func (e *testEnv) refresh(refreshToken, scope string) (*TokenResponse, error) {
	return e.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     "conf",
		ClientSecret: testutil.TestClientSecret,
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// newConfidentialEnv returns an env with the confidential client "conf" registered.
func newConfidentialEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := newTestEnv(t, configure...)
	env.saveClient(t, testutil.GenerateConfidentialClient(t, "conf"))
	return env
}

func TestToken_AuthorizationCode_PublicClientWithPKCE(t *testing.T) {
	env := newTestEnv(t)
	env.saveClient(t, testutil.GeneratePublicClient("pub"))
	challenge, verifier := testutil.GeneratePKCEPair()

	code, err := env.srv.Authorize(userContext("u1", nil), AuthorizationRequest{
		ClientID:            "pub",
		RedirectURI:         testutil.TestRedirectURI,
		ResponseType:        ResponseTypeCode,
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	require.NoError(t, err)

	resp, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "pub",
		Code:         code.Code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken, "no openid scope")
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "read write", resp.Scope)
	assert.Equal(t, "u1", resp.UserID)

	_, err = env.store.GetAuthorizationCode(context.Background(), "pub", code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound, "redeemed code is gone")

	rec, err := env.srv.ValidateAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "pub", rec.ClientID)
	assert.Equal(t, 1, rec.Generation)
	assert.NotEmpty(t, rec.FamilyID)
}

func TestToken_AuthorizationCode_SingleUse(t *testing.T) {
	env := newConfidentialEnv(t)
	code := env.authorizeConfidential(t, "u1", "read")

	_, err := env.exchangeConfidential(code)
	require.NoError(t, err)

	_, err = env.exchangeConfidential(code)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_AuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newConfidentialEnv(t)
	code := env.authorizeConfidential(t, "u1", "read")

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
		start     = make(chan struct{})
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.exchangeConfidential(code)
			if err == nil {
				successes.Add(1)
				return
			}
			var oauthErr *OAuthError
			if errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeInvalidGrant {
				failures.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one redemption may succeed")
	assert.Equal(t, int32(attempts-1), failures.Load(), "every other attempt gets invalid_grant")

	revoked, err := env.store.RevokeAllTokensForUserClient(context.Background(), "u1", "conf")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked, "exactly one token record was persisted")
}

// A 60 second code for client c1 and user u1 redeemed at t+30 succeeds and
// a replay at t+31 fails.
func TestToken_AuthorizationCode_Timeline(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthorizationCodeTTL = 60 })
	env.saveClient(t, testutil.GenerateConfidentialClient(t, "c1"))
	require.NoError(t, env.store.SaveAuthorizationCode(context.Background(), "u1", &storage.AuthorizationCode{
		Code:         "ABC123",
		ClientID:     "c1",
		UserID:       "u1",
		RedirectURI:  testutil.TestRedirectURI,
		ResponseType: ResponseTypeCode,
		Scope:        "read",
		AuthTime:     testEpoch,
		ExpiresIn:    60,
	}))

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "c1",
		ClientSecret: testutil.TestClientSecret,
		Code:         "ABC123",
		RedirectURI:  testutil.TestRedirectURI,
	}

	env.clock.Advance(30 * time.Second)
	resp, err := env.srv.Token(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, "read", resp.Scope)

	env.clock.Advance(time.Second)
	_, err = env.srv.Token(context.Background(), req)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_AuthorizationCode_ExpiredCodeIsRemoved(t *testing.T) {
	env := newConfidentialEnv(t, func(c *Config) { c.AuthorizationCodeTTL = 60 })
	code := env.authorizeConfidential(t, "u1", "read")

	// Exactly at expiry the code is still valid; one second later it is not
	env.clock.Advance(61 * time.Second)
	_, err := env.exchangeConfidential(code)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.store.GetAuthorizationCode(context.Background(), "conf", code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, env.store.CallCount("RedeemAuthorizationCode"))
}

func TestToken_AuthorizationCode_ValidAtExpiryInstant(t *testing.T) {
	env := newConfidentialEnv(t, func(c *Config) { c.AuthorizationCodeTTL = 60 })
	code := env.authorizeConfidential(t, "u1", "read")

	env.clock.Advance(60 * time.Second)
	_, err := env.exchangeConfidential(code)
	assert.NoError(t, err)
}

func TestToken_AuthorizationCode_Rejections(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		challenge string
		ctx       context.Context
		req       func(code string) TokenRequest
	}{
		{
			name:      "wrong verifier",
			challenge: challenge,
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: code, RedirectURI: testutil.TestRedirectURI, CodeVerifier: otherVerifier}
			},
		},
		{
			name:      "missing verifier",
			challenge: challenge,
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: code, RedirectURI: testutil.TestRedirectURI}
			},
		},
		{
			name:      "redirect_uri mismatch",
			challenge: challenge,
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: code, RedirectURI: "https://other.example.com/cb", CodeVerifier: verifier}
			},
		},
		{
			name:      "redirect_uri omitted",
			challenge: challenge,
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: code, CodeVerifier: verifier}
			},
		},
		{
			name:      "code issued to another client",
			challenge: challenge,
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub2", Code: code, RedirectURI: testutil.TestRedirectURI, CodeVerifier: verifier}
			},
		},
		{
			name:      "authenticated caller is not the code owner",
			challenge: challenge,
			ctx:       userContext("u2", nil),
			req: func(code string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: code, RedirectURI: testutil.TestRedirectURI, CodeVerifier: verifier}
			},
		},
		{
			name: "unknown code",
			req: func(string) TokenRequest {
				return TokenRequest{ClientID: "pub", Code: "does-not-exist", RedirectURI: testutil.TestRedirectURI, CodeVerifier: verifier}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.saveClient(t, testutil.GeneratePublicClient("pub"))
			env.saveClient(t, testutil.GeneratePublicClient("pub2"))

			code, err := env.srv.Authorize(userContext("u1", nil), AuthorizationRequest{
				ClientID:            "pub",
				RedirectURI:         testutil.TestRedirectURI,
				ResponseType:        ResponseTypeCode,
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
			})
			require.NoError(t, err)

			ctx := tt.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			req := tt.req(code.Code)
			req.GrantType = GrantTypeAuthorizationCode

			resp, err := env.srv.Token(ctx, req)
			requireOAuthError(t, err, ErrorCodeInvalidGrant)
			assert.Nil(t, resp)
			assert.Zero(t, env.store.CallCount("RedeemAuthorizationCode"), "nothing is persisted for a rejected grant")
		})
	}
}

func TestToken_AuthorizationCode_VerifierWithoutChallenge(t *testing.T) {
	env := newConfidentialEnv(t)
	code := env.authorizeConfidential(t, "u1", "read")
	_, verifier := testutil.GeneratePKCEPair()

	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "conf",
		ClientSecret: testutil.TestClientSecret,
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_AuthorizationCode_PersistenceFailureKeepsCode(t *testing.T) {
	env := newConfidentialEnv(t)
	code := env.authorizeConfidential(t, "u1", "read")

	env.store.RedeemAuthorizationCodeFunc = func(context.Context, string, string, *storage.Token) error {
		return errors.New("disk full")
	}
	_, err := env.exchangeConfidential(code)
	oauthErr := requireOAuthError(t, err, ErrorCodeServerError)
	assert.Equal(t, "internal error", oauthErr.Description)

	_, err = env.store.GetAuthorizationCode(context.Background(), "conf", code)
	require.NoError(t, err, "code must stay redeemable after a failed write")

	env.store.RedeemAuthorizationCodeFunc = nil
	_, err = env.exchangeConfidential(code)
	assert.NoError(t, err)
}

func TestToken_AuthorizationCode_IDToken(t *testing.T) {
	env := newConfidentialEnv(t)

	code, err := env.srv.Authorize(userContext("u1", map[string]any{"email": "u1@example.com"}), AuthorizationRequest{
		ClientID:     "conf",
		ResponseType: ResponseTypeCode,
		Scope:        "openid email",
		Nonce:        "n-0S6_WzA2Mj",
	})
	require.NoError(t, err)

	env.clock.Advance(5 * time.Second)
	resp, err := env.exchangeConfidential(code.Code)
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)

	claims, err := env.issuer.Verify(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.String("sub"))
	assert.Equal(t, "conf", claims.String("aud"))
	assert.Equal(t, "n-0S6_WzA2Mj", claims.String("nonce"))
	assert.Equal(t, "u1@example.com", claims.String("email"))
	assert.Equal(t, testIssuer, claims.String("iss"))
	assert.EqualValues(t, testEpoch.Unix(), claims["auth_time"])
}

func TestToken_AuthorizationCode_NoRefreshWithoutGrant(t *testing.T) {
	env := newTestEnv(t)
	client := testutil.GenerateConfidentialClient(t, "conf")
	client.GrantTypes = []string{GrantTypeAuthorizationCode}
	env.saveClient(t, client)

	code := env.authorizeConfidential(t, "u1", "read")
	resp, err := env.exchangeConfidential(code)
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
}

func TestToken_GrantDispatch(t *testing.T) {
	env := newConfidentialEnv(t)
	c2 := testutil.GenerateConfidentialClient(t, "c2")
	c2.GrantTypes = []string{GrantTypeAuthorizationCode}
	env.saveClient(t, c2)

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{
			name:     "missing grant_type",
			req:      TokenRequest{ClientID: "conf", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "password grant",
			req:      TokenRequest{GrantType: "password", ClientID: "conf", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "client_credentials not registered",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: "c2", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "bad client secret",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: "conf", ClientSecret: "wrong"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing code",
			req:      TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: "conf", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing refresh_token",
			req:      TokenRequest{GrantType: GrantTypeRefreshToken, ClientID: "conf", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Token(context.Background(), tt.req)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read write"))
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	second, err := env.refresh(first.RefreshToken, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken, "refresh token is rotated")
	assert.Equal(t, "read write", second.Scope)
	assert.Equal(t, "u1", second.UserID)

	rec, err := env.srv.ValidateAccessToken(context.Background(), second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Generation)

	firstRec, err := env.store.GetTokenFamily(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, firstRec.FamilyID, rec.FamilyID, "rotation stays in the family")
	assert.True(t, firstRec.Revoked)

	_, err = env.srv.ValidateAccessToken(context.Background(), first.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestToken_RefreshReuseRevokesFamily(t *testing.T) {
	env := newConfidentialEnv(t)
	audit := captureAudit(env)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	second, err := env.refresh(first.RefreshToken, "")
	require.NoError(t, err)

	// Replaying the rotated token is treated as theft
	_, err = env.refresh(first.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.refresh(second.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.ValidateAccessToken(context.Background(), second.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	// The second presentation finds the family already revoked
	assert.Equal(t, 1, strings.Count(audit.String(), security.EventRefreshTokenReuseDetected))
	assert.Equal(t, 1, strings.Count(audit.String(), security.EventTokenFamilyRevoked))
	assert.Contains(t, audit.String(), "refresh_token_revoked")
}

func TestToken_RefreshAfterRevocationIsNotReuse(t *testing.T) {
	env := newConfidentialEnv(t)
	audit := captureAudit(env)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	require.NoError(t, env.srv.RevokeToken(context.Background(), "conf", testutil.TestClientSecret, first.RefreshToken))

	_, err = env.refresh(first.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	assert.NotContains(t, audit.String(), security.EventRefreshTokenReuseDetected)
	assert.NotContains(t, audit.String(), security.EventTokenFamilyRevoked)
	assert.Contains(t, audit.String(), "refresh_token_revoked")
}

// captureAudit installs an enabled auditor writing JSON lines to the returned buffer.
func captureAudit(env *testEnv) *bytes.Buffer {
	var buf bytes.Buffer
	env.srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true))
	return &buf
}

func TestToken_RefreshConcurrent(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.refresh(first.RefreshToken, ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one rotation may succeed")
}

func TestToken_RefreshScope(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read write"))
	require.NoError(t, err)

	_, err = env.refresh(first.RefreshToken, "read admin")
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	narrowed, err := env.refresh(first.RefreshToken, "read")
	require.NoError(t, err)
	assert.Equal(t, "read", narrowed.Scope)
}

func TestToken_RefreshByAnotherClient(t *testing.T) {
	env := newConfidentialEnv(t)
	env.saveClient(t, testutil.GenerateConfidentialClient(t, "other"))
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	_, err = env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     "other",
		ClientSecret: testutil.TestClientSecret,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.Zero(t, env.store.CallCount("RevokeTokenFamily"), "a foreign client cannot revoke the family")

	_, err = env.refresh(first.RefreshToken, "")
	assert.NoError(t, err, "the owning client can still refresh")
}

func TestToken_RefreshExpired(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	env.clock.Advance(86401 * time.Second)
	_, err = env.refresh(first.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_RefreshWithoutRotation(t *testing.T) {
	env := newConfidentialEnv(t, func(c *Config) { c.DisableRefreshTokenRotation = true })
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	second, err := env.refresh(first.RefreshToken, "")
	require.NoError(t, err)

	assert.Equal(t, first.RefreshToken, second.RefreshToken, "refresh token is kept")
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	rec, err := env.srv.ValidateAccessToken(context.Background(), second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Generation)

	_, err = env.srv.ValidateAccessToken(context.Background(), first.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	// The same refresh token keeps working
	_, err = env.refresh(first.RefreshToken, "")
	assert.NoError(t, err)
	assert.Zero(t, env.store.CallCount("RotateRefreshToken"))
}

func TestToken_RefreshWithoutRotation_NarrowedScopeIsStored(t *testing.T) {
	env := newConfidentialEnv(t, func(c *Config) { c.DisableRefreshTokenRotation = true })
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read write"))
	require.NoError(t, err)

	narrowed, err := env.refresh(first.RefreshToken, "read")
	require.NoError(t, err)
	assert.Equal(t, "read", narrowed.Scope)

	rec, err := env.srv.ValidateAccessToken(context.Background(), narrowed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "read", rec.Scope, "validation reports the scope the token was signed with")

	// The stored grant shrank with the access token
	_, err = env.refresh(first.RefreshToken, "read write")
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestToken_RefreshAfterRevoke(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	require.NoError(t, env.srv.RevokeToken(context.Background(), "conf", testutil.TestClientSecret, first.RefreshToken))

	_, err = env.refresh(first.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_RefreshRotationStorageFailure(t *testing.T) {
	env := newConfidentialEnv(t)
	first, err := env.exchangeConfidential(env.authorizeConfidential(t, "u1", "read"))
	require.NoError(t, err)

	env.store.RotateRefreshTokenFunc = func(context.Context, string, string, *storage.Token) error {
		return errors.New("connection reset")
	}
	_, err = env.refresh(first.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeServerError)

	env.store.RotateRefreshTokenFunc = nil
	_, err = env.refresh(first.RefreshToken, "")
	assert.NoError(t, err, "a failed rotation leaves the old token active")
}

func TestToken_ClientCredentials(t *testing.T) {
	env := newConfidentialEnv(t)

	resp, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     "conf",
		ClientSecret: testutil.TestClientSecret,
		Scope:        "read",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)
	assert.Empty(t, resp.UserID)
	assert.Equal(t, "read", resp.Scope)

	rec, err := env.srv.ValidateAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, rec.UserID)
	assert.Equal(t, "conf", rec.ClientID)

	claims, err := env.issuer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "conf", claims.String("sub"), "the client is the subject")
}

func TestToken_ClientCredentials_Rejections(t *testing.T) {
	env := newConfidentialEnv(t)
	env.saveClient(t, &storage.Client{
		ClientID:   "pub-cc",
		ClientType: storage.ClientTypePublic,
		GrantTypes: []string{GrantTypeClientCredentials},
	})

	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     "conf",
		ClientSecret: testutil.TestClientSecret,
		Scope:        "admin",
	})
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	_, err = env.srv.Token(context.Background(), TokenRequest{
		GrantType: GrantTypeClientCredentials,
		ClientID:  "pub-cc",
	})
	requireOAuthError(t, err, ErrorCodeUnauthorizedClient)
}
