// Package security provides the audit log, the audit throttle, and the
// response headers used by the grant engine and its HTTP surface.
//
// # Audit
//
// Auditor writes one structured "security_audit" record per event. User
// identifiers are hashed; client identifiers are logged as-is. Credential
// values (codes, tokens, secrets, verifiers) are never passed to the auditor.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.SetThrottle(security.NewThrottle(1, 5))
//	auditor.LogTokenIssued(userID, clientID, "authorization_code", "read")
//
// # Throttle
//
// Throttle is a keyed token bucket built on golang.org/x/time/rate. Keys are
// tracked in an LRU list capped at DefaultThrottleMaxKeys and dropped after
// DefaultThrottleIdleTimeout without traffic. Reuse-detection events are
// written through LogThrottledEvent so that a replaying client cannot flood
// the log.
package security
