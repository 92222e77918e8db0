package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor == nil {
				t.Fatal("NewAuditor() returned nil")
			}
			if auditor.Enabled() != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", auditor.Enabled(), tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_NilIsDisabled(t *testing.T) {
	var auditor *Auditor
	if auditor.Enabled() {
		t.Error("nil auditor should be disabled")
	}
	// Must not panic
	auditor.LogEvent(Event{Type: EventAuthFailure})
	auditor.LogTokenIssued("u1", "c1", "authorization_code", "read")
	if auditor.LogThrottledEvent(Event{Type: EventRefreshTokenReuseDetected}) {
		t.Error("nil auditor should not write throttled events")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(tt.enabled)

			auditor.LogEvent(Event{
				Type:     "test_event",
				UserID:   "user-123",
				ClientID: "client-456",
				Details:  map[string]any{"key": "value"},
			})

			if hasLog := buf.Len() > 0; hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)

	auditor.LogAuthFailure("alice@example.com", "client-456", "invalid_grant")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Errorf("log output contains raw user ID: %s", out)
	}
	if !strings.Contains(out, "user_id_hash="+hashForLogging("alice@example.com")) {
		t.Errorf("log output missing hashed user ID: %s", out)
	}
	if !strings.Contains(out, "client-456") {
		t.Errorf("log output missing client ID: %s", out)
	}
}

func TestAuditor_UsesClock(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)
	fixed := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	auditor.SetClock(func() time.Time { return fixed })

	auditor.LogTokenRevoked("u1", "c1")

	if !strings.Contains(buf.String(), "2025-03-01T09:30:00") {
		t.Errorf("timestamp not taken from clock: %s", buf.String())
	}
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{"token issued", func(a *Auditor) { a.LogTokenIssued("u1", "c1", "authorization_code", "read") }, EventTokenIssued},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed("u1", "c1", true) }, EventTokenRefreshed},
		{"token revoked", func(a *Auditor) { a.LogTokenRevoked("u1", "c1") }, EventTokenRevoked},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure("", "c1", "invalid_client") }, EventAuthFailure},
		{"token reuse", func(a *Auditor) { a.LogTokenReuse("u1", "c1", 2, 3) }, EventRefreshTokenReuseDetected},
		{"client registered", func(a *Auditor) { a.LogClientRegistered("c1", "confidential") }, EventClientRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(true)
			tt.log(auditor)
			if !strings.Contains(buf.String(), "event_type="+tt.wantEvent) {
				t.Errorf("log output = %q, want event_type=%s", buf.String(), tt.wantEvent)
			}
		})
	}
}

func TestAuditor_LogThrottledEvent(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)
	throttle := NewThrottle(0.001, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	throttle.SetClock(func() time.Time { return now })
	auditor.SetThrottle(throttle)

	event := Event{Type: EventRefreshTokenReuseDetected, UserID: "u1", ClientID: "c1"}
	written := 0
	for range 5 {
		if auditor.LogThrottledEvent(event) {
			written++
		}
	}
	if written != 2 {
		t.Errorf("written = %d, want 2 (burst)", written)
	}
	if got := strings.Count(buf.String(), "security_audit"); got != 2 {
		t.Errorf("log lines = %d, want 2", got)
	}

	// A different pair has its own bucket
	if !auditor.LogThrottledEvent(Event{Type: EventRefreshTokenReuseDetected, UserID: "u2", ClientID: "c1"}) {
		t.Error("different user+client should not be throttled")
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	a := hashForLogging("user-1")
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a != hashForLogging("user-1") {
		t.Error("hash should be deterministic")
	}
	if a == hashForLogging("user-2") {
		t.Error("different inputs should hash differently")
	}
}

func TestAuditor_CountsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	auditor, _ := newBufferedAuditor(true)
	auditor.SetMetrics(inst.Metrics())
	auditor.LogTokenRevoked("u1", "c1")
	auditor.LogAuthFailure("", "c1", "invalid_client_secret")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "oauth.audit.events.total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("oauth.audit.events.total = %d, want 2", total)
	}
}
