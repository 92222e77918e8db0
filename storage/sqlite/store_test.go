package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/storagetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "oauth.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return openTempStore(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_InMemory(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveClient(ctx, testutil.GeneratePublicClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "c1"); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
}

func TestStore_CloseNilSafe(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("Close() on nil store error = %v", err)
	}
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tok := testutil.GenerateTestToken("c1", "u1", time.Now().UTC().Truncate(time.Second))
	if err := store.SaveToken(ctx, "u1", "c1", tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() second time error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetToken(ctx, "c1", "", tok.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() after reopen error = %v", err)
	}
	if got.AccessToken != tok.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, tok.AccessToken)
	}
}

func TestStore_RevokeRecordsTimestamp(t *testing.T) {
	store := openTempStore(t)
	fixed := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	tok := testutil.GenerateTestToken("c1", "u1", fixed.Add(-time.Minute))
	if err := store.SaveToken(ctx, "u1", "c1", tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if err := store.RevokeToken(ctx, tok.AccessToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	var revokedAt int64
	err := store.DB().QueryRowContext(ctx, `SELECT revoked_at FROM tokens WHERE access_token = ?`, tok.AccessToken).Scan(&revokedAt)
	if err != nil {
		t.Fatalf("query revoked_at: %v", err)
	}
	if !fromMillis(revokedAt).Equal(fixed) {
		t.Errorf("revoked_at = %v, want %v", fromMillis(revokedAt), fixed)
	}
}

func TestStore_PurgeExpired(t *testing.T) {
	store := openTempStore(t)
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store.SetClock(clock.Now)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode("c1", clock.Now())
	if err := store.SaveAuthorizationCode(ctx, "u1", code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	refreshable := testutil.GenerateTestToken("c1", "u1", clock.Now())
	accessOnly := testutil.GenerateTestToken("c1", "", clock.Now())
	accessOnly.RefreshToken = ""
	for _, tok := range []*storage.Token{refreshable, accessOnly} {
		if err := store.SaveToken(ctx, tok.UserID, "c1", tok); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
	}

	codes, tokens, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if codes != 0 || tokens != 0 {
		t.Fatalf("PurgeExpired() removed %d codes, %d tokens before expiry", codes, tokens)
	}

	clock.Advance(2 * time.Hour)
	codes, tokens, err = store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if codes != 1 || tokens != 1 {
		t.Errorf("PurgeExpired() = (%d, %d), want (1, 1)", codes, tokens)
	}
	if _, err := store.GetToken(ctx, "c1", "", refreshable.RefreshToken); err != nil {
		t.Errorf("refreshable record was purged: %v", err)
	}

	clock.Advance(48 * time.Hour)
	if _, tokens, _ = store.PurgeExpired(ctx); tokens != 1 {
		t.Errorf("PurgeExpired() tokens = %d, want 1", tokens)
	}
	_, err = store.GetToken(ctx, "c1", "", refreshable.RefreshToken)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetToken() after refresh expiry error = %v, want ErrNotFound", err)
	}
}
