// Package valkey provides a Valkey storage backend for the grant engine.
//
// Valkey is wire-compatible with Redis, so any Redis 6.2+ server works as well.
// The Store type implements storage.Storage and is suitable for deployments
// where several engine replicas share one credential store.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}              -> JSON(Client)
//	{prefix}code:{code}                    -> JSON(AuthorizationCode) (TTL: lifetime + grace)
//	{prefix}token:{accessToken}            -> JSON(Token record)
//	{prefix}refresh:{refreshToken}         -> accessToken
//	{prefix}family:{familyID}              -> SET of accessTokens
//	{prefix}userclient:"{uid}":"{cid}"     -> SET of accessTokens
//	{prefix}user:{userID}                  -> JSON(User)
//
// Token records keep their TTL until both the access and the refresh token
// have expired, so revoked generations stay visible for reuse detection.
//
// # Atomic Operations
//
// Code redemption, refresh rotation, revocation and access token swaps run as
// Lua scripts. Each script checks its precondition and mutates in one step, so
// exactly one of several concurrent callers succeeds.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "valkey.example.com:6380",
//	    TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
