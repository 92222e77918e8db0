package storage

import (
	"fmt"
	"maps"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared against when a client has no usable hash, so that
// secret checks take the same time whether or not the client exists.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashClientSecret returns the bcrypt hash stored in Client.ClientSecretHash.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret checks secret against the client's stored hash.
// A nil client or a client without a hash always fails. The bcrypt comparison
// runs in every case.
func VerifyClientSecret(client *Client, secret string) error {
	hashToCompare := dummySecretHash
	if client != nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if client == nil || client.ClientSecretHash == "" || bcryptErr != nil {
		return ErrInvalidClientCredentials
	}
	return nil
}

// CloneClient returns a deep copy of c.
func CloneClient(c *Client) *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}

// CloneCode returns a copy of c.
func CloneCode(c *AuthorizationCode) *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// CloneToken returns a copy of t.
func CloneToken(t *Token) *Token {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// CloneUser returns a deep copy of u (claims map is copied one level deep).
func CloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.Claims = maps.Clone(u.Claims)
	return &cp
}

// ValidateClient checks the fields every adapter requires before storing a client.
func ValidateClient(c *Client) error {
	if c == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	switch c.ClientType {
	case ClientTypePublic, ClientTypeConfidential:
	default:
		return fmt.Errorf("invalid client type %q", c.ClientType)
	}
	return nil
}

// ValidateCode checks the fields every adapter requires before storing a code.
func ValidateCode(c *AuthorizationCode) error {
	if c == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}
	if c.Code == "" {
		return fmt.Errorf("authorization code value cannot be empty")
	}
	if c.ClientID == "" {
		return fmt.Errorf("authorization code client ID cannot be empty")
	}
	return nil
}

// ValidateToken checks the fields every adapter requires before storing a token.
func ValidateToken(t *Token) error {
	if t == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if t.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	if t.ClientID == "" {
		return fmt.Errorf("token client ID cannot be empty")
	}
	return nil
}
