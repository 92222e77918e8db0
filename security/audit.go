package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

// Auditor writes security audit events with PII protection.
// User IDs are hashed before they reach the log.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	throttle *Throttle
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetThrottle limits how often throttled events (reuse detection) are written
// per user+client pair. A nil throttle writes every event.
func (a *Auditor) SetThrottle(t *Throttle) {
	a.throttle = t
}

// SetMetrics counts every written event by type. A nil m counts nothing.
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	a.metrics = m
}

// SetClock overrides the timestamp source.
func (a *Auditor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Enabled reports whether events are written. A nil auditor is disabled.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. Safe to call on a nil auditor.
func (a *Auditor) LogEvent(event Event) {
	if !a.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogThrottledEvent logs event unless the throttle has already let too many
// events through for the same user+client pair. Reports whether it was written.
func (a *Auditor) LogThrottledEvent(event Event) bool {
	if !a.Enabled() {
		return false
	}
	if a.throttle != nil && !a.throttle.Allow(event.UserID+":"+event.ClientID) {
		return false
	}
	a.LogEvent(event)
	return true
}

// LogTokenIssued logs when a grant completes
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogAuthFailure logs a rejected request
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenReuse logs detected refresh token reuse and the revocation it caused
func (a *Auditor) LogTokenReuse(userID, clientID string, generation, revoked int) {
	a.LogThrottledEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":   "critical",
			"generation": generation,
			"revoked":    revoked,
			"action":     "family_revoked",
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
