// Package memory provides an in-memory implementation of the storage interfaces.
//
// It uses Go maps guarded by a single sync.RWMutex. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Single-winner code redemption and refresh token rotation
//   - Revocation by status flag, kept until the refresh lifetime ends
//   - Background sweep of expired codes and unusable tokens
//   - OpenTelemetry spans, operation metrics and size gauges
//
// For persistence use storage/sqlite; for multi-instance deployments use storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, iss, &server.Config{Issuer: "https://auth.example.com"}, logger)
package memory
