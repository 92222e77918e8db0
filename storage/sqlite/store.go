package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	storageType = "sqlite"

	// memoryPath opens a private in-memory database
	memoryPath = ":memory:"
)

//go:embed schema.sql
var schema string

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Storage over a single SQLite file.
//
// Redemption and rotation run inside BEGIN IMMEDIATE transactions, so the
// conditional delete or revoke and the following insert commit together.
type Store struct {
	sqlDB    *sql.DB
	logger   *slog.Logger
	observer *instrumentation.StorageObserver
	now      func() time.Time
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

// Open opens a SQLite store at path and applies the bundled schema.
// The special path ":memory:" opens a private in-memory database on a single connection.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := path
	if path != memoryPath {
		cleanPath = filepath.Clean(path)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == memoryPath {
		// Every connection would otherwise see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		sqlDB:  sqlDB,
		logger: slog.Default(),
		now:    time.Now,
	}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used for revocation timestamps and purges.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Size gauges are not registered; counting rows on every collection is left to the operator.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, storageType)
}

// isConstraintError reports unique or primary key violations.
func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// ============================================================
// ClientStore Implementation
// ============================================================

const clientColumns = `client_id, client_secret_hash, client_type, grant_types, response_types, redirect_uris, scope, client_name, created_at`

// SaveClient inserts a new client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}
	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: client %s", storage.ErrConflict, client.ClientID)
			return err
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// UpdateClient replaces an existing client registration
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}
	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	// client_id moves to the end for the WHERE clause
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE clients SET client_secret_hash = ?, client_type = ?, grant_types = ?, response_types = ?,
    redirect_uris = ?, scope = ?, client_name = ?, created_at = ?
WHERE client_id = ?`, append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if err = requireRows(res, "client "+client.ClientID); err != nil {
		return err
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
			return nil, err
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return requireRows(res, "client "+clientID)
}

// ListClients returns all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

const codeColumns = `code, client_id, user_id, redirect_uri, response_type, scope, auth_time, expires_in, code_challenge, code_challenge_method, nonce`

// SaveAuthorizationCode inserts a code on behalf of userID
func (s *Store) SaveAuthorizationCode(ctx context.Context, userID string, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO authorization_codes (`+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, userID, code.RedirectURI, code.ResponseType, code.Scope,
		toMillis(code.AuthTime), code.ExpiresIn, code.CodeChallenge, code.CodeChallengeMethod, code.Nonce)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: authorization code", storage.ErrConflict)
			return err
		}
		return fmt.Errorf("insert authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM authorization_codes WHERE code = ? AND client_id = ?`, code, clientID)
	c, err := scanCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	return c, nil
}

// DeleteAuthorizationCode removes and returns a code. Only one concurrent caller observes success.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_authorization_code", err, startTime) }()

	row := s.sqlDB.QueryRowContext(ctx, `DELETE FROM authorization_codes WHERE code = ? AND client_id = ? RETURNING `+codeColumns, code, clientID)
	c, err := scanCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("delete authorization code: %w", err)
	}
	return c, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

const tokenColumns = `access_token, refresh_token, id_token, token_type, scope, issued_at, expires_in, refresh_token_expires_in, user_id, client_id, family_id, generation, revoked, revoked_at`

// SaveToken appends a token record
func (s *Store) SaveToken(ctx context.Context, userID, clientID string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}

	rec := storage.CloneToken(token)
	rec.UserID = userID
	rec.ClientID = clientID
	if err = insertToken(ctx, s.sqlDB, rec); err != nil {
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

	column, value := "access_token", accessToken
	if accessToken == "" {
		column, value = "refresh_token", refreshToken
	}
	if value == "" {
		err = fmt.Errorf("%w: token", storage.ErrNotFound)
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE `+column+` = ?1 AND revoked = 0 AND (?2 = '' OR client_id = ?2)`,
		value, clientID)
	tok, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: token", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

// RevokeToken marks the record holding token as revoked. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token", err, startTime) }()

	if token == "" {
		return nil
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ?1 WHERE (refresh_token = ?2 OR access_token = ?2) AND revoked = 0`,
		toMillis(s.now()), token)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Revoked token", "token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	}
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

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tokens SET access_token = ?, scope = ?, issued_at = ?, expires_in = ? WHERE refresh_token = ? AND revoked = 0`,
		accessToken, scope, toMillis(issuedAt), expiresIn, refreshToken)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: access token", storage.ErrConflict)
			return err
		}
		return fmt.Errorf("update access token: %w", err)
	}
	return requireRows(res, "refresh token")
}

// GetTokenFamily returns family metadata for a refresh token, including revoked records.
func (s *Store) GetTokenFamily(ctx context.Context, refreshToken string) (_ *storage.TokenFamily, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_family", err, startTime) }()

	var (
		fam     storage.TokenFamily
		revoked int
	)
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT family_id, user_id, client_id, generation, revoked FROM tokens WHERE refresh_token = ? AND family_id != ''`,
		refreshToken).Scan(&fam.FamilyID, &fam.UserID, &fam.ClientID, &fam.Generation, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: token family", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get token family: %w", err)
	}
	fam.Revoked = revoked != 0
	return &fam, nil
}

// RevokeTokenFamily revokes every active record of a family and returns how many were revoked.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_family", err, startTime) }()

	if familyID == "" {
		return 0, nil
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE family_id = ? AND revoked = 0`,
		toMillis(s.now()), familyID)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}

	s.logger.Info("Revoked token family", "family_id", familyID, "tokens_revoked", n)
	return int(n), nil
}

// RevokeAllTokensForUserClient revokes every active record for a user+client pair.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime) }()

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE user_id = ? AND client_id = ? AND revoked = 0`,
		toMillis(s.now()), userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return int(n), nil
}

// RevokeClientTokens revokes every active record issued to clientID.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_client_tokens")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_client_tokens", err, startTime) }()

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE client_id = ? AND revoked = 0`,
		toMillis(s.now()), clientID)
	if err != nil {
		return 0, fmt.Errorf("revoke client tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke client tokens: %w", err)
	}

	s.logger.Info("Revoked client tokens", "client_id", clientID, "tokens_revoked", n)
	return int(n), nil
}

// ============================================================
// ExchangeStore Implementation
// ============================================================

// RedeemAuthorizationCode deletes the code and stores token in one transaction.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code = ? AND client_id = ?`, code, clientID)
		if err != nil {
			return fmt.Errorf("delete authorization code: %w", err)
		}
		if err := requireRows(res, "authorization code"); err != nil {
			return err
		}
		// A failed insert rolls back the delete
		return insertToken(ctx, tx, token)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", clientID)
	return nil
}

// RotateRefreshToken revokes the active record for oldRefreshToken and stores next in one transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, clientID, oldRefreshToken string, next *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if err = storage.ValidateToken(next); err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE refresh_token = ? AND client_id = ? AND revoked = 0`,
			toMillis(s.now()), oldRefreshToken, clientID)
		if err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		if err := requireRows(res, "refresh token"); err != nil {
			return err
		}
		return insertToken(ctx, tx, next)
	})
	if err != nil {
		return err
	}

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
	claims, err := json.Marshal(user.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (user_id, claims) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET claims = excluded.claims`,
		user.ID, string(claims))
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	var claims string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT claims FROM users WHERE user_id = ?`, userID).Scan(&claims)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	user := &storage.User{ID: userID}
	if err := json.Unmarshal([]byte(claims), &user.Claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return user, nil
}

// ============================================================
// Maintenance
// ============================================================

// PurgeExpired deletes expired codes and token records that can no longer be used or refreshed.
// Revoked records stay until their own lifetime ends so reuse detection keeps working.
func (s *Store) PurgeExpired(ctx context.Context) (codes, tokens int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "purge_expired")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "purge_expired", err, startTime) }()

	nowMs := toMillis(s.now())

	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE auth_time + expires_in * 1000 < ?`, nowMs)
	if err != nil {
		return 0, 0, fmt.Errorf("purge authorization codes: %w", err)
	}
	codes, _ = res.RowsAffected()

	res, err = s.sqlDB.ExecContext(ctx, `
DELETE FROM tokens
WHERE issued_at + expires_in * 1000 < ?1
  AND (refresh_token IS NULL
       OR (refresh_token_expires_in > 0 AND issued_at + refresh_token_expires_in * 1000 < ?1))`, nowMs)
	if err != nil {
		return codes, 0, fmt.Errorf("purge tokens: %w", err)
	}
	tokens, _ = res.RowsAffected()

	if codes > 0 || tokens > 0 {
		s.logger.Debug("Purged expired records", "codes", codes, "tokens", tokens)
	}
	return codes, tokens, nil
}

// ============================================================
// Internal helpers
// ============================================================

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a write transaction and commits when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// requireRows maps a zero-row write to storage.ErrNotFound.
func requireRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	}
	return nil
}

func insertToken(ctx context.Context, exec execContexter, tok *storage.Token) error {
	var revokedAt sql.NullInt64
	if !tok.RevokedAt.IsZero() {
		revokedAt = sql.NullInt64{Int64: toMillis(tok.RevokedAt), Valid: true}
	}
	_, err := exec.ExecContext(ctx, `INSERT INTO tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.AccessToken, nullString(tok.RefreshToken), tok.IDToken, tok.TokenType, tok.Scope,
		toMillis(tok.IssuedAt), tok.ExpiresIn, tok.RefreshTokenExpiresIn,
		tok.UserID, tok.ClientID, tok.FamilyID, tok.Generation, boolToInt(tok.Revoked), revokedAt)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: token", storage.ErrConflict)
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func scanToken(row rowScanner) (*storage.Token, error) {
	var (
		tok       storage.Token
		refresh   sql.NullString
		issuedAt  int64
		revoked   int
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&tok.AccessToken, &refresh, &tok.IDToken, &tok.TokenType, &tok.Scope,
		&issuedAt, &tok.ExpiresIn, &tok.RefreshTokenExpiresIn,
		&tok.UserID, &tok.ClientID, &tok.FamilyID, &tok.Generation, &revoked, &revokedAt); err != nil {
		return nil, err
	}
	tok.RefreshToken = refresh.String
	tok.IssuedAt = fromMillis(issuedAt)
	tok.Revoked = revoked != 0
	if revokedAt.Valid {
		tok.RevokedAt = fromMillis(revokedAt.Int64)
	}
	return &tok, nil
}

func scanCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var (
		c        storage.AuthorizationCode
		authTime int64
	)
	if err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.ResponseType, &c.Scope,
		&authTime, &c.ExpiresIn, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce); err != nil {
		return nil, err
	}
	c.AuthTime = fromMillis(authTime)
	return &c, nil
}

func clientArgs(c *storage.Client) ([]any, error) {
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return nil, fmt.Errorf("encode grant types: %w", err)
	}
	responseTypes, err := json.Marshal(c.ResponseTypes)
	if err != nil {
		return nil, fmt.Errorf("encode response types: %w", err)
	}
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return nil, fmt.Errorf("encode redirect uris: %w", err)
	}
	return []any{
		c.ClientID, c.ClientSecretHash, c.ClientType, string(grantTypes), string(responseTypes),
		string(redirectURIs), c.Scope, c.ClientName, toMillis(c.CreatedAt),
	}, nil
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                                       storage.Client
		grantTypes, responseTypes, redirectURIs string
		createdAt                               int64
	)
	if err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientType, &grantTypes, &responseTypes,
		&redirectURIs, &c.Scope, &c.ClientName, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(grantTypes), &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("decode grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responseTypes), &c.ResponseTypes); err != nil {
		return nil, fmt.Errorf("decode response types: %w", err)
	}
	if err := json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decode redirect uris: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.observer.Start(ctx, operation)
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.observer.Record(ctx, span, operation, err, startTime)
}
