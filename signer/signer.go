package signer

import "errors"

// Claims is the set of claims carried by a signed token.
type Claims map[string]any

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Signer produces and checks signed token strings. Implementations must
// reject any token whose signature does not verify.
type Signer interface {
	Sign(claims Claims) (string, error)
	Verify(token string) (Claims, error)
}

// ErrInvalidToken is returned by Verify for every verification failure:
// malformed input, unexpected algorithm, bad signature, or failed claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Supported signing algorithms
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
	AlgEdDSA = "EdDSA"
)
