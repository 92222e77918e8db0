package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectSums returns the summed value of every int64 counter by metric name.
func collectSums(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func newTestInstrumentation(t *testing.T) (*Instrumentation, sdkmetric.Reader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

func TestMetrics_GrantCounters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordGrantIssued(ctx, "c1", "authorization_code")
	m.RecordGrantIssued(ctx, "c1", "refresh_token")
	m.RecordGrantRejected(ctx, "authorization_code", "invalid_grant")
	m.RecordCodeIssued(ctx, "c1")
	m.RecordCodeRedeemed(ctx, "c1", "S256")
	m.RecordTokenRefresh(ctx, "c1", true)
	m.RecordTokenRefresh(ctx, "c1", false)
	m.RecordTokenRevocation(ctx, "c1")
	m.RecordClientRegistration(ctx, "public")

	sums := collectSums(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"oauth.grant.issued", 2},
		{"oauth.grant.rejected", 1},
		{"oauth.code.issued", 1},
		{"oauth.code.redeemed", 1},
		{"oauth.token.refreshed", 2},
		{"oauth.token.revoked", 1},
		{"oauth.client.registered", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sums[tt.name] != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, sums[tt.name], tt.want)
			}
		})
	}
}

func TestMetrics_SecurityCounters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordCodeReuseDetected(ctx)
	m.RecordTokenReuseDetected(ctx)
	m.RecordTokenReuseDetected(ctx)
	m.RecordAuditEvent(ctx, "token_reuse_detected")

	sums := collectSums(t, reader)
	if sums["oauth.pkce.validation_failed"] != 1 {
		t.Errorf("pkce.validation_failed = %d, want 1", sums["oauth.pkce.validation_failed"])
	}
	if sums["oauth.code.reuse_detected"] != 1 {
		t.Errorf("code.reuse_detected = %d, want 1", sums["oauth.code.reuse_detected"])
	}
	if sums["oauth.token.reuse_detected"] != 2 {
		t.Errorf("token.reuse_detected = %d, want 2", sums["oauth.token.reuse_detected"])
	}
	if sums["oauth.audit.events.total"] != 1 {
		t.Errorf("audit.events.total = %d, want 1", sums["oauth.audit.events.total"])
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordStorageOperation(ctx, "save_token", "success", 1.5)
	inst.Metrics().RecordStorageOperation(ctx, "redeem_authorization_code", "error", 0.5)
	inst.Metrics().RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.0)

	sums := collectSums(t, reader)
	if sums["storage.operation.total"] != 2 {
		t.Errorf("storage.operation.total = %d, want 2", sums["storage.operation.total"])
	}
	if sums["oauth.http.requests.total"] != 1 {
		t.Errorf("http.requests.total = %d, want 1", sums["oauth.http.requests.total"])
	}
}
