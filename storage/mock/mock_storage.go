// Package mock provides a storage implementation for unit tests.
//
// Store delegates every call to an underlying storage.Storage (an in-memory
// store by default). Setting one of the Func fields replaces the delegated
// behavior for that method, which is how tests inject storage failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
)

// Store is a mock implementation of storage.Storage for testing
type Store struct {
	mu         sync.Mutex
	callCounts map[string]int

	delegate storage.Storage
	stop     func()

	SaveClientFunc                   func(ctx context.Context, client *storage.Client) error
	UpdateClientFunc                 func(ctx context.Context, client *storage.Client) error
	GetClientFunc                    func(ctx context.Context, clientID string) (*storage.Client, error)
	DeleteClientFunc                 func(ctx context.Context, clientID string) error
	ListClientsFunc                  func(ctx context.Context) ([]*storage.Client, error)
	SaveAuthorizationCodeFunc        func(ctx context.Context, userID string, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc         func(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc      func(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error)
	SaveTokenFunc                    func(ctx context.Context, userID, clientID string, token *storage.Token) error
	GetTokenFunc                     func(ctx context.Context, clientID, accessToken, refreshToken string) (*storage.Token, error)
	RevokeTokenFunc                  func(ctx context.Context, token string) error
	UpdateAccessTokenFunc            func(ctx context.Context, refreshToken, accessToken, scope string, issuedAt time.Time, expiresIn int64) error
	GetTokenFamilyFunc               func(ctx context.Context, refreshToken string) (*storage.TokenFamily, error)
	RevokeTokenFamilyFunc            func(ctx context.Context, familyID string) (int, error)
	RevokeAllTokensForUserClientFunc func(ctx context.Context, userID, clientID string) (int, error)
	RevokeClientTokensFunc           func(ctx context.Context, clientID string) (int, error)
	RedeemAuthorizationCodeFunc      func(ctx context.Context, clientID, code string, token *storage.Token) error
	RotateRefreshTokenFunc           func(ctx context.Context, clientID, oldRefreshToken string, next *storage.Token) error
	SaveUserFunc                     func(ctx context.Context, user *storage.User) error
	GetUserFunc                      func(ctx context.Context, userID string) (*storage.User, error)
}

var _ storage.Storage = (*Store)(nil)

// New creates a mock store backed by a fresh in-memory store.
func New() *Store {
	mem := memory.New()
	m := Wrap(mem)
	m.stop = mem.Stop
	return m
}

// Wrap creates a mock store that delegates to s.
func Wrap(s storage.Storage) *Store {
	return &Store{delegate: s, callCounts: make(map[string]int)}
}

// Stop releases the default in-memory delegate, if any.
func (m *Store) Stop() {
	if m.stop != nil {
		m.stop()
	}
}

// CallCount returns how many times method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *Store) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.delegate.SaveClient(ctx, client)
}

func (m *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	m.record("UpdateClient")
	if m.UpdateClientFunc != nil {
		return m.UpdateClientFunc(ctx, client)
	}
	return m.delegate.UpdateClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.delegate.GetClient(ctx, clientID)
}

func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return m.delegate.DeleteClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.delegate.ListClients(ctx)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, userID string, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, userID, code)
	}
	return m.delegate.SaveAuthorizationCode(ctx, userID, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, clientID, code)
	}
	return m.delegate.GetAuthorizationCode(ctx, clientID, code)
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	m.record("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, clientID, code)
	}
	return m.delegate.DeleteAuthorizationCode(ctx, clientID, code)
}

func (m *Store) SaveToken(ctx context.Context, userID, clientID string, token *storage.Token) error {
	m.record("SaveToken")
	if m.SaveTokenFunc != nil {
		return m.SaveTokenFunc(ctx, userID, clientID, token)
	}
	return m.delegate.SaveToken(ctx, userID, clientID, token)
}

func (m *Store) GetToken(ctx context.Context, clientID, accessToken, refreshToken string) (*storage.Token, error) {
	m.record("GetToken")
	if m.GetTokenFunc != nil {
		return m.GetTokenFunc(ctx, clientID, accessToken, refreshToken)
	}
	return m.delegate.GetToken(ctx, clientID, accessToken, refreshToken)
}

func (m *Store) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, token)
	}
	return m.delegate.RevokeToken(ctx, token)
}

func (m *Store) UpdateAccessToken(ctx context.Context, refreshToken, accessToken, scope string, issuedAt time.Time, expiresIn int64) error {
	m.record("UpdateAccessToken")
	if m.UpdateAccessTokenFunc != nil {
		return m.UpdateAccessTokenFunc(ctx, refreshToken, accessToken, scope, issuedAt, expiresIn)
	}
	return m.delegate.UpdateAccessToken(ctx, refreshToken, accessToken, scope, issuedAt, expiresIn)
}

func (m *Store) GetTokenFamily(ctx context.Context, refreshToken string) (*storage.TokenFamily, error) {
	m.record("GetTokenFamily")
	if m.GetTokenFamilyFunc != nil {
		return m.GetTokenFamilyFunc(ctx, refreshToken)
	}
	return m.delegate.GetTokenFamily(ctx, refreshToken)
}

func (m *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	m.record("RevokeTokenFamily")
	if m.RevokeTokenFamilyFunc != nil {
		return m.RevokeTokenFamilyFunc(ctx, familyID)
	}
	return m.delegate.RevokeTokenFamily(ctx, familyID)
}

func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.delegate.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

func (m *Store) RevokeClientTokens(ctx context.Context, clientID string) (int, error) {
	m.record("RevokeClientTokens")
	if m.RevokeClientTokensFunc != nil {
		return m.RevokeClientTokensFunc(ctx, clientID)
	}
	return m.delegate.RevokeClientTokens(ctx, clientID)
}

func (m *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, token *storage.Token) error {
	m.record("RedeemAuthorizationCode")
	if m.RedeemAuthorizationCodeFunc != nil {
		return m.RedeemAuthorizationCodeFunc(ctx, clientID, code, token)
	}
	return m.delegate.RedeemAuthorizationCode(ctx, clientID, code, token)
}

func (m *Store) RotateRefreshToken(ctx context.Context, clientID, oldRefreshToken string, next *storage.Token) error {
	m.record("RotateRefreshToken")
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, clientID, oldRefreshToken, next)
	}
	return m.delegate.RotateRefreshToken(ctx, clientID, oldRefreshToken, next)
}

func (m *Store) SaveUser(ctx context.Context, user *storage.User) error {
	m.record("SaveUser")
	if m.SaveUserFunc != nil {
		return m.SaveUserFunc(ctx, user)
	}
	return m.delegate.SaveUser(ctx, user)
}

func (m *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	m.record("GetUser")
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, userID)
	}
	return m.delegate.GetUser(ctx, userID)
}
