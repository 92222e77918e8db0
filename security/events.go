package security

// Event types written by the grant engine.
const (
	// Token lifecycle

	// EventTokenIssued is logged when a grant completes and a token record is persisted
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh_token grant succeeds
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a client revokes a token
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when a whole rotation family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization codes

	// EventAuthorizationCodeIssued is logged when Authorize stores a new code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeExpired is logged when an expired code is presented and removed
	EventAuthorizationCodeExpired = "authorization_code_expired"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client registry

	// EventClientRegistered is logged when a client is added to the registry
	EventClientRegistered = "client_registered"

	// EventClientUpdated is logged when a registered client's metadata changes
	EventClientUpdated = "client_updated"

	// EventClientDeleted is logged when a client is removed from the registry
	EventClientDeleted = "client_deleted"

	// Security violations

	// EventAuthFailure is logged when a request is rejected
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventCodeOwnerMismatch is logged when an authenticated caller redeems another user's code
	EventCodeOwnerMismatch = "code_owner_mismatch"

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes outside the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
