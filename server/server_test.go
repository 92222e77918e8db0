package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
	"github.com/giantswarm/oauth-grants/storage/mock"
)

const (
	testIssuer        = "https://auth.example.com"
	testSigningSecret = "0123456789abcdef0123456789abcdef"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv is a server wired to a mock store and a real HS256 signer, both
// driven by the same mock clock.
type testEnv struct {
	srv    *Server
	store  *mock.Store
	clock  *testutil.MockTime
	issuer *issuer.Issuer
}

func newTestIssuer(t *testing.T, clock *testutil.MockTime) *issuer.Issuer {
	t.Helper()
	sig, err := signer.NewJWT(signer.Config{
		Secret: []byte(testSigningSecret),
		Issuer: testIssuer,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	iss, err := issuer.New(sig, issuer.Config{AccessTokenTTL: 3600, RefreshTokenTTL: 86400})
	require.NoError(t, err)
	return iss
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(testEpoch)
	store := mock.New()
	t.Cleanup(store.Stop)

	iss := newTestIssuer(t, clock)
	cfg := &Config{Issuer: testIssuer, Clock: clock.Now}
	for _, fn := range configure {
		fn(cfg)
	}

	srv, err := New(store, iss, cfg, discardLogger())
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store, clock: clock, issuer: iss}
}

func (e *testEnv) saveClient(t *testing.T, client *storage.Client) *storage.Client {
	t.Helper()
	require.NoError(t, e.store.SaveClient(context.Background(), client))
	return client
}

// userContext returns a context carrying an authenticated identity.
func userContext(userID string, claims map[string]any) context.Context {
	return WithIdentity(context.Background(), Authenticated(userID, claims))
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	iss := newTestIssuer(t, testutil.NewMockTime(testEpoch))

	srv, err := New(store, iss, &Config{Issuer: testIssuer}, nil)
	require.NoError(t, err)

	assert.Equal(t, testIssuer, srv.Config.Issuer)
	assert.NotNil(t, srv.Logger, "logger falls back to slog.Default")
	assert.Equal(t, DefaultAuthorizationCodeTTL, srv.Config.AuthorizationCodeTTL)
	assert.NotNil(t, srv.Config.Clock)
	assert.Same(t, iss, srv.Issuer())
	assert.Nil(t, srv.Auditor, "auditing is opt-in")
}

func TestNew_RequiredDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	iss := newTestIssuer(t, testutil.NewMockTime(testEpoch))

	_, err := New(nil, iss, &Config{Issuer: testIssuer}, nil)
	assert.Error(t, err)

	_, err = New(store, nil, &Config{Issuer: testIssuer}, nil)
	assert.Error(t, err)

	_, err = New(store, iss, nil, nil)
	assert.Error(t, err, "a nil config has no issuer")
}

func TestNew_HTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name          string
		issuer        string
		allowInsecure bool
		wantErr       bool
	}{
		{name: "https", issuer: "https://auth.example.com"},
		{name: "http on localhost", issuer: "http://localhost:8080"},
		{name: "http on loopback IP", issuer: "http://127.0.0.1:8080"},
		{name: "http on IPv6 loopback", issuer: "http://[::1]:8080"},
		{name: "http in production", issuer: "http://auth.example.com", wantErr: true},
		{name: "http in production allowed", issuer: "http://auth.example.com", allowInsecure: true},
		{name: "unknown scheme", issuer: "ftp://auth.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Stop()
			iss := newTestIssuer(t, testutil.NewMockTime(testEpoch))

			_, err := New(store, iss, &Config{Issuer: tt.issuer, AllowInsecureHTTP: tt.allowInsecure}, discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_AuditEnabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuditEnabled = true })
	require.NotNil(t, env.srv.Auditor)
	assert.True(t, env.srv.Auditor.Enabled())
}

func TestServer_SetSecurityEventThrottle(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuditEnabled = true })

	throttle := security.NewThrottle(1, 1)
	env.srv.SetSecurityEventThrottle(throttle)

	assert.True(t, env.srv.allowSecurityLog("u1:c1"))
	assert.False(t, env.srv.allowSecurityLog("u1:c1"), "burst of one is spent")
	assert.True(t, env.srv.allowSecurityLog("u2:c1"), "keys are throttled independently")
}

func TestServer_SetInstrumentation(t *testing.T) {
	env := newTestEnv(t)

	exporter := tracetest.NewInMemoryExporter()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, ServiceName: "server-test", SpanExporter: exporter})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	env.srv.SetInstrumentation(inst)
	assert.NotNil(t, env.srv.tracer)
	assert.NotNil(t, env.srv.metrics)

	// Grant paths must run with metrics wired
	client := env.saveClient(t, testutil.GenerateConfidentialClient(t, "svc"))
	_, err = env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestClientSecret,
	})
	require.NoError(t, err)

	require.NoError(t, inst.ForceFlush(context.Background()))
	var grantType string
	for _, span := range exporter.GetSpans() {
		for _, kv := range span.Attributes {
			if string(kv.Key) == instrumentation.AttrGrantType {
				grantType = kv.Value.AsString()
			}
		}
	}
	assert.Equal(t, GrantTypeClientCredentials, grantType, "token span carries the grant type")

	env.srv.SetInstrumentation(nil)
	assert.Nil(t, env.srv.tracer)
	assert.Nil(t, env.srv.metrics)
}

func TestServer_SetIdentityResolver(t *testing.T) {
	env := newTestEnv(t)

	env.srv.SetIdentityResolver(IdentityResolverFunc(func(context.Context) Identity {
		return Authenticated("fixed-user", nil)
	}))
	assert.Equal(t, "fixed-user", env.srv.identity.ResolveIdentity(context.Background()).UserID)

	env.srv.SetIdentityResolver(nil)
	assert.False(t, env.srv.identity.ResolveIdentity(context.Background()).Authenticated)
}

func TestGenerateRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tok := generateRandomToken()
		assert.Len(t, tok, 43, "32 random bytes, base64url without padding")
		assert.False(t, seen[tok], "tokens must be unique")
		seen[tok] = true
	}
}

// requireOAuthError asserts that err is an *OAuthError with the given code.
func requireOAuthError(t *testing.T, err error, code string) *OAuthError {
	t.Helper()
	require.Error(t, err)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, code, oauthErr.Code, "description: %s", oauthErr.Description)
	return oauthErr
}
