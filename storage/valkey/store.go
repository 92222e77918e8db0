package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys. The braces are
	// a hash tag: every key of a store lands in the same cluster slot.
	DefaultKeyPrefix = "{oauth}:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// codeExpiryGrace keeps expired codes readable for a while so the grant engine
	// can tell an expired code from an unknown one
	codeExpiryGrace = time.Minute

	// maxUpdateAttempts bounds the optimistic retries of UpdateAccessToken
	maxUpdateAttempts = 3

	storageType = "valkey"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "{oauth}:"). A prefix
	// without a hash tag is wrapped in one, so "tenant-a:" becomes "{tenant-a}:".
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Storage.
type Store struct {
	client   valkeygo.Client
	prefix   string
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

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := hashTagPrefix(cfg.KeyPrefix)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Client-side caching is off: every read must observe the latest revocation state
	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		DisableCache: true,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used for key lifetimes and revocation timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, storageType)
}

// ============================================================
// Key helpers
// ============================================================

// hashTagPrefix returns prefix with a non-empty {hash tag}, which multi-key
// scripts need to pass the client's same-slot check.
func hashTagPrefix(prefix string) string {
	if prefix == "" {
		return DefaultKeyPrefix
	}
	if open := strings.IndexByte(prefix, '{'); open >= 0 {
		if end := strings.IndexByte(prefix[open+1:], '}'); end > 0 {
			return prefix
		}
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) tokenKeyPrefix() string {
	return s.prefix + "token:"
}

func (s *Store) tokenKey(accessToken string) string {
	return s.tokenKeyPrefix() + accessToken
}

func (s *Store) refreshTokenKey(refreshToken string) string {
	return s.prefix + "refresh:" + refreshToken
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

// userClientKey quotes both IDs so a separator inside an ID cannot collide with another pair
func (s *Store) userClientKey(userID, clientID string) string {
	return s.prefix + "userclient:" + strconv.Quote(userID) + ":" + strconv.Quote(clientID)
}

func (s *Store) clientTokensKey(clientID string) string {
	return s.prefix + "clienttokens:" + clientID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of a client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	GrantTypes       []string `json:"grant_types"`
	ResponseTypes    []string `json:"response_types"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scope            string   `json:"scope"`
	ClientName       string   `json:"client_name"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		GrantTypes:       c.GrantTypes,
		ResponseTypes:    c.ResponseTypes,
		RedirectURIs:     c.RedirectURIs,
		Scope:            c.Scope,
		ClientName:       c.ClientName,
		CreatedAt:        c.CreatedAt.UnixMilli(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		GrantTypes:       j.GrantTypes,
		ResponseTypes:    j.ResponseTypes,
		RedirectURIs:     j.RedirectURIs,
		Scope:            j.Scope,
		ClientName:       j.ClientName,
		CreatedAt:        time.UnixMilli(j.CreatedAt).UTC(),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	AuthTime            int64  `json:"auth_time"`
	ExpiresIn           int64  `json:"expires_in"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		ResponseType:        c.ResponseType,
		Scope:               c.Scope,
		AuthTime:            c.AuthTime.UnixMilli(),
		ExpiresIn:           c.ExpiresIn,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Nonce:               c.Nonce,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		ResponseType:        j.ResponseType,
		Scope:               j.Scope,
		AuthTime:            time.UnixMilli(j.AuthTime).UTC(),
		ExpiresIn:           j.ExpiresIn,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
	}
}

// tokenJSON is the JSON representation of a token record.
// Field names are read by the Lua scripts; keep them in sync.
type tokenJSON struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	IDToken               string `json:"id_token"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`
	IssuedAt              int64  `json:"issued_at"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	UserID                string `json:"user_id"`
	ClientID              string `json:"client_id"`
	FamilyID              string `json:"family_id"`
	Generation            int    `json:"generation"`
	Revoked               bool   `json:"revoked"`
	RevokedAt             int64  `json:"revoked_at"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	j := &tokenJSON{
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		IDToken:               t.IDToken,
		TokenType:             t.TokenType,
		Scope:                 t.Scope,
		IssuedAt:              t.IssuedAt.UnixMilli(),
		ExpiresIn:             t.ExpiresIn,
		RefreshTokenExpiresIn: t.RefreshTokenExpiresIn,
		UserID:                t.UserID,
		ClientID:              t.ClientID,
		FamilyID:              t.FamilyID,
		Generation:            t.Generation,
		Revoked:               t.Revoked,
	}
	if !t.RevokedAt.IsZero() {
		j.RevokedAt = t.RevokedAt.UnixMilli()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	t := &storage.Token{
		AccessToken:           j.AccessToken,
		RefreshToken:          j.RefreshToken,
		IDToken:               j.IDToken,
		TokenType:             j.TokenType,
		Scope:                 j.Scope,
		IssuedAt:              time.UnixMilli(j.IssuedAt).UTC(),
		ExpiresIn:             j.ExpiresIn,
		RefreshTokenExpiresIn: j.RefreshTokenExpiresIn,
		UserID:                j.UserID,
		ClientID:              j.ClientID,
		FamilyID:              j.FamilyID,
		Generation:            j.Generation,
		Revoked:               j.Revoked,
	}
	if j.RevokedAt != 0 {
		t.RevokedAt = time.UnixMilli(j.RevokedAt).UTC()
	}
	return t
}

// userJSON is the JSON representation of a user
type userJSON struct {
	ID     string         `json:"id"`
	Claims map[string]any `json:"claims"`
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON data, and converts it to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// ttlSeconds rounds a remaining lifetime up to whole seconds, with a floor of one second.
func ttlSeconds(remaining time.Duration) int64 {
	secs := int64(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// tokenTTL is how long a record must stay readable: until both the access token
// and the refresh token have expired. Zero means the record never expires.
func (s *Store) tokenTTL(t *storage.Token) int64 {
	end := t.AccessExpiresAt()
	if t.RefreshToken != "" {
		if t.RefreshTokenExpiresIn <= 0 {
			return 0
		}
		if refreshEnd := t.IssuedAt.Add(time.Duration(t.RefreshTokenExpiresIn) * time.Second); refreshEnd.After(end) {
			end = refreshEnd
		}
	}
	return ttlSeconds(end.Sub(s.now()))
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) nowMillisArg() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.observer.Start(ctx, operation)
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.observer.Record(ctx, span, operation, err, startTime)
}
