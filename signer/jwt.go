package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinHMACSecretLength is the minimum HS256 secret size in bytes (256 bits)
	MinHMACSecretLength = 32

	// MinRSAKeyBits is the minimum accepted RSA modulus size
	MinRSAKeyBits = 2048
)

// Config configures a JWT signer. Keys are passed in explicitly; nothing is read
// from the environment.
type Config struct {
	// Algorithm is one of HS256, RS256, ES256, EdDSA (default HS256)
	Algorithm string

	// Secret is the shared key for HS256
	Secret []byte

	// PrivateKey signs tokens for RS256, ES256, and EdDSA.
	// Must be *rsa.PrivateKey, *ecdsa.PrivateKey (P-256), or ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// KeyID is written to the "kid" header when set
	KeyID string

	// Issuer is set as "iss" on signed tokens that lack one and is required on verification
	Issuer string

	// Leeway allows for clock skew when checking exp and nbf
	Leeway time.Duration

	// Now overrides the clock used for claim validation (default: time.Now)
	Now func() time.Time
}

// JWT signs and verifies JSON Web Tokens with a single configured algorithm.
type JWT struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	parser    *jwt.Parser
}

var _ Signer = (*JWT)(nil)

// NewJWT creates a JWT signer from cfg.
func NewJWT(cfg Config) (*JWT, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgHS256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &JWT{keyID: cfg.KeyID, issuer: cfg.Issuer}

	switch cfg.Algorithm {
	case AlgHS256:
		if len(cfg.Secret) < MinHMACSecretLength {
			return nil, fmt.Errorf("HS256 secret must be at least %d bytes", MinHMACSecretLength)
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = cfg.Secret
		s.verifyKey = cfg.Secret
	case AlgRS256:
		key, ok := cfg.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("RS256 requires an RSA private key")
		}
		if key.N.BitLen() < MinRSAKeyBits {
			return nil, fmt.Errorf("RSA key must be at least %d bits", MinRSAKeyBits)
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = key
		s.verifyKey = &key.PublicKey
	case AlgES256:
		key, ok := cfg.PrivateKey.(*ecdsa.PrivateKey)
		if !ok || key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("ES256 requires a P-256 ECDSA private key")
		}
		s.method = jwt.SigningMethodES256
		s.signKey = key
		s.verifyKey = &key.PublicKey
	case AlgEdDSA:
		key, ok := cfg.PrivateKey.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("EdDSA requires an Ed25519 private key")
		}
		s.method = jwt.SigningMethodEdDSA
		s.signKey = key
		s.verifyKey = key.Public()
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	// Only the configured algorithm is accepted, whatever the token header claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	s.parser = jwt.NewParser(opts...)

	return s, nil
}

// Algorithm returns the JWS algorithm name.
func (s *JWT) Algorithm() string {
	return s.method.Alg()
}

// Sign encodes and signs claims.
func (s *JWT) Sign(claims Claims) (string, error) {
	mc := jwt.MapClaims(maps.Clone(claims))
	if mc == nil {
		mc = jwt.MapClaims{}
	}
	if _, ok := mc["iss"]; !ok && s.issuer != "" {
		mc["iss"] = s.issuer
	}

	token := jwt.NewWithClaims(s.method, mc)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}

	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and the time-based claims, then returns the claims.
func (s *JWT) Verify(token string) (Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	mc := jwt.MapClaims{}
	_, err := s.parser.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Claims(mc), nil
}
