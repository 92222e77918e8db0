package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/oauth-grants/internal/testutil"
)

func TestIdentityFromContext(t *testing.T) {
	assert.False(t, IdentityFromContext(context.Background()).Authenticated)

	ctx := WithIdentity(context.Background(), Authenticated("u1", map[string]any{"email": "u1@example.com"}))
	id := IdentityFromContext(ctx)
	assert.True(t, id.Authenticated)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "u1@example.com", id.Claims["email"])

	// An authenticated identity without a subject is treated as anonymous
	ctx = WithIdentity(context.Background(), Identity{Authenticated: true})
	assert.False(t, IdentityFromContext(ctx).Authenticated)
}

func TestResolveCaller(t *testing.T) {
	env := newTestEnv(t)
	code := testutil.GenerateTestAuthorizationCode("c1", testEpoch)

	caller := env.srv.resolveCaller(context.Background(), code)
	assert.IsType(t, CodeDerivedCaller{}, caller)
	assert.Equal(t, testutil.TestUserID, caller.UserID())
	assert.Equal(t, "code_derived", caller.Kind())

	caller = env.srv.resolveCaller(userContext("someone", nil), code)
	assert.IsType(t, AuthenticatedCaller{}, caller)
	assert.Equal(t, "someone", caller.UserID())
	assert.Equal(t, "authenticated", caller.Kind())
}

func TestResolveUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := testutil.GenerateTestAuthorizationCode("c1", testEpoch)

	// No stored user: the principal has no claims
	user, err := env.srv.resolveUser(ctx, CodeDerivedCaller{Code: code})
	assert.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, user.ID)
	assert.Empty(t, user.Claims)

	// Identity claims win over the store
	user, err = env.srv.resolveUser(ctx, AuthenticatedCaller{Identity: Authenticated("u1", map[string]any{"name": "U One"})})
	assert.NoError(t, err)
	assert.Equal(t, "U One", user.Claims["name"])
}
