package signer

import (
	"crypto"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ParsePrivateKeyPEM decodes a PEM private key for the given algorithm.
func ParsePrivateKeyPEM(algorithm string, data []byte) (crypto.Signer, error) {
	switch algorithm {
	case AlgRS256:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse RSA private key: %w", err)
		}
		return key, nil
	case AlgES256:
		key, err := jwt.ParseECPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
		return key, nil
	case AlgEdDSA:
		key, err := jwt.ParseEdPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse Ed25519 private key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("parse Ed25519 private key: unexpected key type %T", key)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("algorithm %q does not use a private key", algorithm)
	}
}

// LoadPrivateKeyFile reads and decodes a PEM private key file.
func LoadPrivateKeyFile(algorithm, path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyPEM(algorithm, data)
}
