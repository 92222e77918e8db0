// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	storageType = "memory"
)

// Store is an in-memory implementation of storage.Storage.
//
// Every check-and-mutate runs under a single write lock, which makes the
// conditional delete of codes and the conditional revoke of refresh tokens
// linearizable. Records are copied on the way in and out.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	users   map[string]*storage.User

	// Token records keyed by access token, plus secondary indexes
	tokens    map[string]*storage.Token
	byRefresh map[string]string              // refresh token -> access token
	byUser    map[string]map[string]struct{} // user+client key -> access tokens
	byClient  map[string]map[string]struct{} // client ID -> access tokens
	byFamily  map[string]map[string]struct{} // family ID -> access tokens

	// Instrumentation (nil observer records nothing)
	observer *instrumentation.StorageObserver

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCount   atomic.Int64
	clientsCount  atomic.Int64
	codesCount    atomic.Int64
	familiesCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.Storage                = (*Store)(nil)
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.TokenStore             = (*Store)(nil)
	_ storage.ExchangeStore          = (*Store)(nil)
	_ storage.UserStore              = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		users:           make(map[string]*storage.User),
		tokens:          make(map[string]*storage.Token),
		byRefresh:       make(map[string]string),
		byUser:          make(map[string]map[string]struct{}),
		byClient:        make(map[string]map[string]struct{}),
		byFamily:        make(map[string]map[string]struct{}),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used by the expiry sweep.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = instrumentation.NewStorageObserver(inst, storageType)
	s.syncCountersLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.familiesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err = fmt.Errorf("%w: client %s", storage.ErrConflict, client.ClientID)
		return err
	}

	s.clients[client.ClientID] = storage.CloneClient(client)
	s.clientsCount.Add(1)
	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// UpdateClient replaces an existing client
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
		return err
	}
	s.clients[client.ClientID] = storage.CloneClient(client)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}
	return storage.CloneClient(client), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return err
	}
	delete(s.clients, clientID)
	s.clientsCount.Add(-1)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, storage.CloneClient(client))
	}
	return clients, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves a new authorization code owned by userID
func (s *Store) SaveAuthorizationCode(ctx context.Context, userID string, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		err = fmt.Errorf("%w: authorization code", storage.ErrConflict)
		return err
	}

	stored := storage.CloneCode(code)
	stored.UserID = userID
	s.codes[code.Code] = stored
	s.codesCount.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code. Expiry is not evaluated here.
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.codes[code]
	if !ok || stored.ClientID != clientID {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	return storage.CloneCode(stored), nil
}

// DeleteAuthorizationCode removes a code and returns it. Only one caller can win.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_authorization_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok || stored.ClientID != clientID {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	delete(s.codes, code)
	s.codesCount.Add(-1)
	return stored, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken appends a token record
func (s *Store) SaveToken(ctx context.Context, userID, clientID string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := storage.CloneToken(token)
	stored.UserID = userID
	stored.ClientID = clientID
	if err = s.insertTokenLocked(stored); err != nil {
		return err
	}

	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"client_id", clientID)
	return nil
}

// GetToken looks up an active record by access token, or by refresh token when accessToken is empty.
func (s *Store) GetToken(ctx context.Context, clientID, accessToken, refreshToken string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.lookupLocked(accessToken, refreshToken)
	if rec == nil || rec.Revoked || (clientID != "" && rec.ClientID != clientID) {
		err = fmt.Errorf("%w: token", storage.ErrNotFound)
		return nil, err
	}
	return storage.CloneToken(rec), nil
}

// RevokeToken marks the record holding token as revoked. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lookupLocked("", token)
	if rec == nil {
		rec = s.lookupLocked(token, "")
	}
	if rec == nil || rec.Revoked {
		return nil
	}

	s.revokeLocked(rec)
	s.logger.Debug("Revoked token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength),
		"client_id", rec.ClientID)
	return nil
}

// UpdateAccessToken swaps the access token and scope of the active record holding refreshToken.
func (s *Store) UpdateAccessToken(ctx context.Context, refreshToken, accessToken, scope string, issuedAt time.Time, expiresIn int64) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_access_token", err, startTime) }()

	if accessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lookupLocked("", refreshToken)
	if rec == nil || rec.Revoked {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return err
	}
	if _, exists := s.tokens[accessToken]; exists {
		err = fmt.Errorf("%w: access token", storage.ErrConflict)
		return err
	}

	s.removeTokenLocked(rec)
	rec.AccessToken = accessToken
	rec.Scope = scope
	rec.IssuedAt = issuedAt
	rec.ExpiresIn = expiresIn
	// Cannot conflict: both values were just checked or released
	_ = s.insertTokenLocked(rec)
	return nil
}

// GetTokenFamily returns family metadata for a refresh token, including revoked records.
func (s *Store) GetTokenFamily(ctx context.Context, refreshToken string) (_ *storage.TokenFamily, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_family", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.lookupLocked("", refreshToken)
	if rec == nil || rec.FamilyID == "" {
		err = fmt.Errorf("%w: token family", storage.ErrNotFound)
		return nil, err
	}
	return &storage.TokenFamily{
		FamilyID:   rec.FamilyID,
		UserID:     rec.UserID,
		ClientID:   rec.ClientID,
		Generation: rec.Generation,
		Revoked:    rec.Revoked,
	}, nil
}

// RevokeTokenFamily revokes every active record of a family and returns how many were revoked.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeIndexLocked(s.byFamily[familyID])

	s.logger.Info("Revoked token family", "family_id", familyID, "tokens_revoked", revoked)
	return revoked, nil
}

// RevokeAllTokensForUserClient revokes every active record for a user+client pair.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeIndexLocked(s.byUser[userClientKey(userID, clientID)]), nil
}

// RevokeClientTokens revokes every active record issued to clientID.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_client_tokens")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_client_tokens", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeIndexLocked(s.byClient[clientID])
	s.logger.Info("Revoked client tokens", "client_id", clientID, "tokens_revoked", revoked)
	return revoked, nil
}

// ============================================================
// ExchangeStore Implementation
// ============================================================

// RedeemAuthorizationCode deletes the code and stores token in one critical section.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok || stored.ClientID != clientID {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return err
	}

	// Insert first: a failed insert leaves the code in place
	if err = s.insertTokenLocked(storage.CloneToken(token)); err != nil {
		return err
	}
	delete(s.codes, code)
	s.codesCount.Add(-1)

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", clientID)
	return nil
}

// RotateRefreshToken revokes the active record for oldRefreshToken and stores next.
func (s *Store) RotateRefreshToken(ctx context.Context, clientID, oldRefreshToken string, next *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if err = storage.ValidateToken(next); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.lookupLocked("", oldRefreshToken)
	if old == nil || old.Revoked || old.ClientID != clientID {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return err
	}

	if err = s.insertTokenLocked(storage.CloneToken(next)); err != nil {
		return err
	}
	s.revokeLocked(old)

	s.logger.Debug("Rotated refresh token",
		"family_id", next.FamilyID,
		"generation", next.Generation,
		"client_id", clientID)
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = storage.CloneUser(user)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}
	return storage.CloneUser(user), nil
}

// ============================================================
// Internal helpers (callers hold s.mu)
// ============================================================

func userClientKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

func (s *Store) lookupLocked(accessToken, refreshToken string) *storage.Token {
	if accessToken != "" {
		return s.tokens[accessToken]
	}
	if refreshToken == "" {
		return nil
	}
	access, ok := s.byRefresh[refreshToken]
	if !ok {
		return nil
	}
	return s.tokens[access]
}

func (s *Store) insertTokenLocked(rec *storage.Token) error {
	if _, exists := s.tokens[rec.AccessToken]; exists {
		return fmt.Errorf("%w: access token", storage.ErrConflict)
	}
	if rec.RefreshToken != "" {
		if _, exists := s.byRefresh[rec.RefreshToken]; exists {
			return fmt.Errorf("%w: refresh token", storage.ErrConflict)
		}
	}

	s.tokens[rec.AccessToken] = rec
	s.tokensCount.Add(1)
	if rec.RefreshToken != "" {
		s.byRefresh[rec.RefreshToken] = rec.AccessToken
	}
	addToIndex(s.byUser, userClientKey(rec.UserID, rec.ClientID), rec.AccessToken)
	addToIndex(s.byClient, rec.ClientID, rec.AccessToken)
	if rec.FamilyID != "" {
		if _, exists := s.byFamily[rec.FamilyID]; !exists {
			s.familiesCount.Add(1)
		}
		addToIndex(s.byFamily, rec.FamilyID, rec.AccessToken)
	}
	return nil
}

func (s *Store) removeTokenLocked(rec *storage.Token) {
	delete(s.tokens, rec.AccessToken)
	s.tokensCount.Add(-1)
	if rec.RefreshToken != "" {
		delete(s.byRefresh, rec.RefreshToken)
	}
	removeFromIndex(s.byUser, userClientKey(rec.UserID, rec.ClientID), rec.AccessToken)
	removeFromIndex(s.byClient, rec.ClientID, rec.AccessToken)
	if rec.FamilyID != "" && removeFromIndex(s.byFamily, rec.FamilyID, rec.AccessToken) {
		s.familiesCount.Add(-1)
	}
}

func (s *Store) revokeLocked(rec *storage.Token) {
	rec.Revoked = true
	rec.RevokedAt = s.now()
}

// revokeIndexLocked revokes the active records listed in set and returns how many it revoked.
func (s *Store) revokeIndexLocked(set map[string]struct{}) int {
	revoked := 0
	for access := range set {
		if rec := s.tokens[access]; rec != nil && !rec.Revoked {
			s.revokeLocked(rec)
			revoked++
		}
	}
	return revoked
}

func addToIndex(index map[string]map[string]struct{}, key, value string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[value] = struct{}{}
}

// removeFromIndex reports whether the key's set became empty and was dropped.
func removeFromIndex(index map[string]map[string]struct{}, key, value string) bool {
	set, ok := index[key]
	if !ok {
		return false
	}
	delete(set, value)
	if len(set) == 0 {
		delete(index, key)
		return true
	}
	return false
}

func (s *Store) syncCountersLocked() {
	s.tokensCount.Store(int64(len(s.tokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.familiesCount.Store(int64(len(s.byFamily)))
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired codes and token records that can no longer be used.
// Revoked records are kept until their refresh lifetime ends so that reuse
// of a rotated refresh token is still detected.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiredCodes := 0
	for key, code := range s.codes {
		if code.IsExpired(now) {
			delete(s.codes, key)
			expiredCodes++
		}
	}
	s.codesCount.Add(int64(-expiredCodes))

	expiredTokens := 0
	for _, rec := range s.tokens {
		if !rec.IsAccessExpired(now) {
			continue
		}
		if rec.RefreshToken != "" && (rec.RefreshTokenExpiresIn <= 0 || !rec.IsRefreshExpired(now)) {
			continue
		}
		s.removeTokenLocked(rec)
		expiredTokens++
	}

	if expiredCodes > 0 || expiredTokens > 0 {
		s.logger.Debug("Cleaned up expired records",
			"codes", expiredCodes,
			"tokens", expiredTokens)
	}
}

// ============================================================
// Instrumentation
// ============================================================

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.observer.Start(ctx, operation)
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.observer.Record(ctx, span, operation, err, startTime)
}
