package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// TestClientSecret is the plaintext secret of clients built by GenerateConfidentialClient
	TestClientSecret = "test-client-secret"

	// TestRedirectURI is the redirect URI registered on generated clients
	TestRedirectURI = "https://example.com/callback"

	// TestUserID is the owner of generated codes and tokens
	TestUserID = "test-user-123"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GeneratePublicClient creates a public client allowed to use the code and refresh grants.
func GeneratePublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:      clientID,
		ClientType:    storage.ClientTypePublic,
		RedirectURIs:  []string{TestRedirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		ClientName:    "Test Public Client",
		Scope:         "openid email profile read write",
		CreatedAt:     time.Now(),
	}
}

// GenerateConfidentialClient creates a confidential client whose secret is TestClientSecret.
// It may use every grant type.
func GenerateConfidentialClient(t testing.TB, clientID string) *storage.Client {
	t.Helper()

	// MinCost keeps tests fast; verification accepts any cost.
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash client secret: %v", err)
	}

	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		ClientType:       storage.ClientTypeConfidential,
		RedirectURIs:     []string{TestRedirectURI},
		GrantTypes:       []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:    []string{"code"},
		ClientName:       "Test Confidential Client",
		Scope:            "openid email profile read write",
		CreatedAt:        time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unexpired code for clientID owned by TestUserID.
func GenerateTestAuthorizationCode(clientID string, authTime time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:         GenerateRandomString(43),
		ClientID:     clientID,
		UserID:       TestUserID,
		RedirectURI:  TestRedirectURI,
		ResponseType: "code",
		Scope:        "openid email",
		AuthTime:     authTime,
		ExpiresIn:    300,
	}
}

// GenerateTestToken creates a token record with fresh random values.
func GenerateTestToken(clientID, userID string, issuedAt time.Time) *storage.Token {
	return &storage.Token{
		AccessToken:           GenerateRandomString(43),
		RefreshToken:          GenerateRandomString(43),
		TokenType:             "Bearer",
		Scope:                 "openid email",
		IssuedAt:              issuedAt,
		ExpiresIn:             3600,
		RefreshTokenExpiresIn: 86400,
		UserID:                userID,
		ClientID:              clientID,
		FamilyID:              GenerateRandomString(16),
		Generation:            1,
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE pair.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}
