// Package testutil provides test fixtures (clients, codes, tokens, PKCE pairs)
// and a mock clock for deterministic expiry tests.
package testutil
