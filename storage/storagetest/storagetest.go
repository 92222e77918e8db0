// Package storagetest provides a conformance suite run by every storage adapter.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/storage"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Storage

// concurrency is the number of goroutines racing in the single-winner tests
const concurrency = 20

// Run executes the full conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("ConcurrentCodeDelete", func(t *testing.T) { testConcurrentCodeDelete(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("Revocation", func(t *testing.T) { testRevocation(t, newStore(t)) })
	t.Run("ClientRevocation", func(t *testing.T) { testClientRevocation(t, newStore(t)) })
	t.Run("UpdateAccessToken", func(t *testing.T) { testUpdateAccessToken(t, newStore(t)) })
	t.Run("Families", func(t *testing.T) { testFamilies(t, newStore(t)) })
	t.Run("Redeem", func(t *testing.T) { testRedeem(t, newStore(t)) })
	t.Run("ConcurrentRedeem", func(t *testing.T) { testConcurrentRedeem(t, newStore(t)) })
	t.Run("Rotate", func(t *testing.T) { testRotate(t, newStore(t)) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func testClients(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	client := testutil.GeneratePublicClient("c1")

	require.NoError(t, s.SaveClient(ctx, client))

	err := s.SaveClient(ctx, client)
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, client.Scope, got.Scope)
	assert.Equal(t, storage.ClientTypePublic, got.ClientType)

	// Mutating the returned record must not affect the stored one
	got.RedirectURIs[0] = "https://evil.example.com/cb"
	again, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, testutil.TestRedirectURI, again.RedirectURIs[0])

	updated := storage.CloneClient(client)
	updated.ClientName = "Renamed"
	require.NoError(t, s.UpdateClient(ctx, updated))
	got, err = s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.ClientName)

	err = s.UpdateClient(ctx, testutil.GeneratePublicClient("missing"))
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveClient(ctx, testutil.GeneratePublicClient("c2")))
	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteClient(ctx, "c1"))
	_, err = s.GetClient(ctx, "c1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, s.DeleteClient(ctx, "c1"), storage.ErrNotFound)
}

func testCodes(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := testutil.GenerateTestAuthorizationCode("c1", now())
	code.CodeChallenge = "challenge"
	code.CodeChallengeMethod = "S256"
	code.Nonce = "n-0S6_WzA2Mj"

	require.NoError(t, s.SaveAuthorizationCode(ctx, "u1", code))
	require.ErrorIs(t, s.SaveAuthorizationCode(ctx, "u1", code), storage.ErrConflict)

	got, err := s.GetAuthorizationCode(ctx, "c1", code.Code)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Scope, got.Scope)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)
	assert.Equal(t, code.Nonce, got.Nonce)
	assert.Equal(t, code.ExpiresIn, got.ExpiresIn)
	assert.True(t, code.AuthTime.Equal(got.AuthTime), "auth time = %v, want %v", got.AuthTime, code.AuthTime)

	_, err = s.GetAuthorizationCode(ctx, "other-client", code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := s.DeleteAuthorizationCode(ctx, "c1", code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.Code, deleted.Code)

	_, err = s.DeleteAuthorizationCode(ctx, "c1", code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetAuthorizationCode(ctx, "c1", code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentCodeDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := testutil.GenerateTestAuthorizationCode("c1", now())
	require.NoError(t, s.SaveAuthorizationCode(ctx, "u1", code))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DeleteAuthorizationCode(ctx, "c1", code.Code)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrNotFound):
				t.Errorf("DeleteAuthorizationCode() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one delete must win")
}

func testTokens(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tok := testutil.GenerateTestToken("c1", "u1", now())

	require.NoError(t, s.SaveToken(ctx, "u1", "c1", tok))
	require.ErrorIs(t, s.SaveToken(ctx, "u1", "c1", tok), storage.ErrConflict)

	byAccess, err := s.GetToken(ctx, "c1", tok.AccessToken, "")
	require.NoError(t, err)
	assert.Equal(t, tok.RefreshToken, byAccess.RefreshToken)
	assert.Equal(t, "u1", byAccess.UserID)
	assert.Equal(t, tok.Scope, byAccess.Scope)
	assert.Equal(t, tok.FamilyID, byAccess.FamilyID)
	assert.Equal(t, tok.Generation, byAccess.Generation)
	assert.Equal(t, tok.ExpiresIn, byAccess.ExpiresIn)
	assert.Equal(t, tok.RefreshTokenExpiresIn, byAccess.RefreshTokenExpiresIn)
	assert.True(t, tok.IssuedAt.Equal(byAccess.IssuedAt))

	byRefresh, err := s.GetToken(ctx, "c1", "", tok.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, byRefresh.AccessToken)

	// Any client matches an empty client ID
	_, err = s.GetToken(ctx, "", tok.AccessToken, "")
	require.NoError(t, err)

	_, err = s.GetToken(ctx, "other", tok.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetToken(ctx, "c1", "unknown", "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// client_credentials records have no refresh token and no user
	cc := testutil.GenerateTestToken("c1", "", now())
	cc.RefreshToken = ""
	cc.FamilyID = ""
	require.NoError(t, s.SaveToken(ctx, "", "c1", cc))
	got, err := s.GetToken(ctx, "c1", cc.AccessToken, "")
	require.NoError(t, err)
	assert.Empty(t, got.UserID)
	assert.Empty(t, got.RefreshToken)
}

func testRevocation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tok := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", tok))

	require.NoError(t, s.RevokeToken(ctx, tok.RefreshToken))

	_, err := s.GetToken(ctx, "c1", "", tok.RefreshToken)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToken(ctx, "c1", tok.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound, "revoking the refresh token revokes the pair")

	// Idempotent
	require.NoError(t, s.RevokeToken(ctx, tok.RefreshToken))
	require.NoError(t, s.RevokeToken(ctx, "never-issued"))

	// Revocation by access token
	other := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", other))
	require.NoError(t, s.RevokeToken(ctx, other.AccessToken))
	_, err = s.GetToken(ctx, "c1", "", other.RefreshToken)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Bulk revocation by user+client
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveToken(ctx, "u2", "c1", testutil.GenerateTestToken("c1", "u2", now())))
	}
	require.NoError(t, s.SaveToken(ctx, "u2", "c2", testutil.GenerateTestToken("c2", "u2", now())))

	n, err := s.RevokeAllTokensForUserClient(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.RevokeAllTokensForUserClient(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testClientRevocation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	first := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", first))
	require.NoError(t, s.SaveToken(ctx, "u2", "c1", testutil.GenerateTestToken("c1", "u2", now())))

	machine := testutil.GenerateTestToken("c1", "", now())
	machine.RefreshToken = ""
	machine.FamilyID = ""
	require.NoError(t, s.SaveToken(ctx, "", "c1", machine))

	kept := testutil.GenerateTestToken("c2", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c2", kept))

	// Rotated records move with the index
	next := testutil.GenerateTestToken("c1", "u1", now())
	next.FamilyID = first.FamilyID
	next.Generation = first.Generation + 1
	require.NoError(t, s.RotateRefreshToken(ctx, "c1", first.RefreshToken, next))

	n, err := s.RevokeClientTokens(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.GetToken(ctx, "c1", next.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToken(ctx, "c1", machine.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToken(ctx, "c2", kept.AccessToken, "")
	require.NoError(t, err, "other clients keep their tokens")

	n, err = s.RevokeClientTokens(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testUpdateAccessToken(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	issued := now()
	tok := testutil.GenerateTestToken("c1", "u1", issued)
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", tok))

	later := issued.Add(time.Minute)
	require.NoError(t, s.UpdateAccessToken(ctx, tok.RefreshToken, "new-access-token", "openid", later, 900))

	_, err := s.GetToken(ctx, "c1", tok.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetToken(ctx, "c1", "new-access-token", "")
	require.NoError(t, err)
	assert.Equal(t, tok.RefreshToken, got.RefreshToken)
	assert.Equal(t, int64(900), got.ExpiresIn)
	assert.Equal(t, "openid", got.Scope)
	assert.True(t, later.Equal(got.IssuedAt))

	got, err = s.GetToken(ctx, "c1", "", tok.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access-token", got.AccessToken)

	require.ErrorIs(t, s.UpdateAccessToken(ctx, "unknown", "x", "openid", later, 900), storage.ErrNotFound)

	require.NoError(t, s.RevokeToken(ctx, tok.RefreshToken))
	require.ErrorIs(t, s.UpdateAccessToken(ctx, tok.RefreshToken, "y", "openid", later, 900), storage.ErrNotFound)
}

func testFamilies(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	gen1 := testutil.GenerateTestToken("c1", "u1", now())
	gen1.FamilyID = "family-1"
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", gen1))

	gen2 := testutil.GenerateTestToken("c1", "u1", now())
	gen2.FamilyID = "family-1"
	gen2.Generation = 2
	require.NoError(t, s.RotateRefreshToken(ctx, "c1", gen1.RefreshToken, gen2))

	fam, err := s.GetTokenFamily(ctx, gen1.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "family-1", fam.FamilyID)
	assert.Equal(t, "u1", fam.UserID)
	assert.Equal(t, "c1", fam.ClientID)
	assert.Equal(t, 1, fam.Generation)
	assert.True(t, fam.Revoked, "rotated record is reported as revoked")

	fam, err = s.GetTokenFamily(ctx, gen2.RefreshToken)
	require.NoError(t, err)
	assert.False(t, fam.Revoked)

	_, err = s.GetTokenFamily(ctx, "unknown")
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.RevokeTokenFamily(ctx, "family-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the active generation is left to revoke")

	_, err = s.GetToken(ctx, "c1", "", gen2.RefreshToken)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testRedeem(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := testutil.GenerateTestAuthorizationCode("c1", now())
	require.NoError(t, s.SaveAuthorizationCode(ctx, "u1", code))

	tok := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.RedeemAuthorizationCode(ctx, "c1", code.Code, tok))

	_, err := s.GetAuthorizationCode(ctx, "c1", code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound, "code is consumed")
	_, err = s.GetToken(ctx, "c1", tok.AccessToken, "")
	require.NoError(t, err, "token is persisted")

	second := testutil.GenerateTestToken("c1", "u1", now())
	err = s.RedeemAuthorizationCode(ctx, "c1", code.Code, second)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToken(ctx, "c1", second.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound, "loser's token must not be written")

	// A failed token insert leaves the code redeemable
	code2 := testutil.GenerateTestAuthorizationCode("c1", now())
	require.NoError(t, s.SaveAuthorizationCode(ctx, "u1", code2))
	dup := storage.CloneToken(tok)
	err = s.RedeemAuthorizationCode(ctx, "c1", code2.Code, dup)
	require.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.GetAuthorizationCode(ctx, "c1", code2.Code)
	require.NoError(t, err, "code must survive a failed redemption")

	// The code belongs to another client
	err = s.RedeemAuthorizationCode(ctx, "c2", code2.Code, testutil.GenerateTestToken("c2", "u1", now()))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentRedeem(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	code := testutil.GenerateTestAuthorizationCode("c1", now())
	require.NoError(t, s.SaveAuthorizationCode(ctx, "u1", code))

	tokens := make([]*storage.Token, concurrency)
	for i := range tokens {
		tokens[i] = testutil.GenerateTestToken("c1", "u1", now())
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(tok *storage.Token) {
			defer wg.Done()
			err := s.RedeemAuthorizationCode(ctx, "c1", code.Code, tok)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrNotFound):
				t.Errorf("RedeemAuthorizationCode() unexpected error = %v", err)
			}
		}(tokens[i])
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load(), "exactly one redemption must win")

	persisted := 0
	for _, tok := range tokens {
		if _, err := s.GetToken(ctx, "c1", tok.AccessToken, ""); err == nil {
			persisted++
		}
	}
	assert.Equal(t, 1, persisted, "only the winner's token is stored")
}

func testRotate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	old := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", old))

	next := testutil.GenerateTestToken("c1", "u1", now())
	next.FamilyID = old.FamilyID
	next.Generation = old.Generation + 1

	require.ErrorIs(t, s.RotateRefreshToken(ctx, "c2", old.RefreshToken, next), storage.ErrNotFound)

	require.NoError(t, s.RotateRefreshToken(ctx, "c1", old.RefreshToken, next))

	_, err := s.GetToken(ctx, "c1", "", old.RefreshToken)
	require.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.GetToken(ctx, "c1", "", next.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, old.Generation+1, got.Generation)

	again := testutil.GenerateTestToken("c1", "u1", now())
	require.ErrorIs(t, s.RotateRefreshToken(ctx, "c1", old.RefreshToken, again), storage.ErrNotFound)
	_, err = s.GetToken(ctx, "c1", again.AccessToken, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentRotate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	old := testutil.GenerateTestToken("c1", "u1", now())
	require.NoError(t, s.SaveToken(ctx, "u1", "c1", old))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		next := testutil.GenerateTestToken("c1", "u1", now())
		next.FamilyID = old.FamilyID
		next.Generation = 2
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RotateRefreshToken(ctx, "c1", old.RefreshToken, next)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrNotFound):
				t.Errorf("RotateRefreshToken() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
}

func testUsers(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	user := &storage.User{ID: "u1", Claims: map[string]any{"email": "u1@example.com"}}
	require.NoError(t, s.SaveUser(ctx, user))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", got.Claims["email"])

	_, err = s.GetUser(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
