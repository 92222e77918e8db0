package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://auth.example.com"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newEdKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}

func TestJWT_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{"HS256", func(t *testing.T) Config { return Config{Algorithm: AlgHS256, Secret: testSecret} }},
		{"RS256", func(t *testing.T) Config { return Config{Algorithm: AlgRS256, PrivateKey: newRSAKey(t)} }},
		{"ES256", func(t *testing.T) Config { return Config{Algorithm: AlgES256, PrivateKey: newECKey(t)} }},
		{"EdDSA", func(t *testing.T) Config { return Config{Algorithm: AlgEdDSA, PrivateKey: newEdKey(t)} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg(t)
			cfg.Issuer = testIssuer
			cfg.KeyID = "key-1"
			s, err := NewJWT(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.name, s.Algorithm())

			token, err := s.Sign(Claims{
				"sub": "u1",
				"exp": time.Now().Add(time.Hour).Unix(),
			})
			require.NoError(t, err)

			claims, err := s.Verify(token)
			require.NoError(t, err)
			assert.Equal(t, "u1", claims.String("sub"))
			assert.Equal(t, testIssuer, claims.String("iss"))

			parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
			require.NoError(t, err)
			assert.Equal(t, "key-1", parsed.Header["kid"])
		})
	}
}

func TestJWT_RejectsTamperedToken(t *testing.T) {
	s, err := NewJWT(Config{Secret: testSecret})
	require.NoError(t, err)

	token, err := s.Sign(Claims{"sub": "u1"})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged, err := s.Sign(Claims{"sub": "admin"})
	require.NoError(t, err)
	// Payload of one token with the signature of another
	tampered := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]

	_, err = s.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_RejectsOtherKey(t *testing.T) {
	a, err := NewJWT(Config{Secret: testSecret})
	require.NoError(t, err)
	b, err := NewJWT(Config{Secret: []byte("another-secret-another-secret-xx")})
	require.NoError(t, err)

	token, err := a.Sign(Claims{"sub": "u1"})
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_RejectsAlgorithmSwitch(t *testing.T) {
	key := newRSAKey(t)
	rs, err := NewJWT(Config{Algorithm: AlgRS256, PrivateKey: key})
	require.NoError(t, err)

	// HMAC keyed with the public key bytes: the classic confusion attack
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"}).SignedString(pubPEM)
	require.NoError(t, err)

	_, err = rs.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = rs.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_ClaimValidation(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewJWT(Config{
		Secret: testSecret,
		Issuer: testIssuer,
		Leeway: 30 * time.Second,
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		claims  Claims
		wantErr bool
	}{
		{"valid", Claims{"exp": now.Add(time.Minute).Unix()}, false},
		{"expired within leeway", Claims{"exp": now.Add(-10 * time.Second).Unix()}, false},
		{"expired", Claims{"exp": now.Add(-time.Minute).Unix()}, true},
		{"not yet valid", Claims{"nbf": now.Add(time.Minute).Unix()}, true},
		{"wrong issuer", Claims{"iss": "https://evil.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Sign(tt.claims)
			require.NoError(t, err)

			_, err = s.Verify(token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJWT_VerifyEmpty(t *testing.T) {
	s, err := NewJWT(Config{Secret: testSecret})
	require.NoError(t, err)

	_, err = s.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWT_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short secret", Config{Algorithm: AlgHS256, Secret: []byte("short")}},
		{"RS256 without key", Config{Algorithm: AlgRS256}},
		{"ES256 with RSA key", Config{Algorithm: AlgES256, PrivateKey: newRSAKey(t)}},
		{"EdDSA with EC key", Config{Algorithm: AlgEdDSA, PrivateKey: newECKey(t)}},
		{"unknown algorithm", Config{Algorithm: "none", Secret: testSecret}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWT(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestParsePrivateKeyPEM(t *testing.T) {
	encode := func(t *testing.T, key any) []byte {
		t.Helper()
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}

	tests := []struct {
		alg string
		key any
	}{
		{AlgRS256, newRSAKey(t)},
		{AlgES256, newECKey(t)},
		{AlgEdDSA, newEdKey(t)},
	}

	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			key, err := ParsePrivateKeyPEM(tt.alg, encode(t, tt.key))
			require.NoError(t, err)

			s, err := NewJWT(Config{Algorithm: tt.alg, PrivateKey: key})
			require.NoError(t, err)
			token, err := s.Sign(Claims{"sub": "u1"})
			require.NoError(t, err)
			_, err = s.Verify(token)
			require.NoError(t, err)
		})
	}

	_, err := ParsePrivateKeyPEM(AlgHS256, nil)
	assert.Error(t, err)
	_, err = ParsePrivateKeyPEM(AlgRS256, []byte("garbage"))
	assert.Error(t, err)
}
