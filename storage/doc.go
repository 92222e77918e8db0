// Package storage provides the record types and persistence capabilities of the grant engine.
//
// The capabilities are split by concern:
//   - ClientStore: the client registry
//   - AuthorizationCodeStore: single-use authorization codes
//   - TokenStore: issued token records and revocation status
//   - ExchangeStore: atomic code redemption and refresh token rotation
//   - UserStore: principals used for ID token claims
//
// Shared behavior (secret hashing, constant-time secret checks, record copies,
// input validation) lives in plain helper functions that adapters compose.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage for development, tests and single instances
//   - storage/sqlite: embedded relational storage
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/mock: function-field mock for unit tests and fault injection
package storage
