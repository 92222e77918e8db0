// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the grant engine.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-oauth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MetricReader:   reader, // e.g. a Prometheus or OTLP reader
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	store.SetInstrumentation(inst)
//	srv.SetInstrumentation(inst)
//
// When Enabled is false, no-op providers are used and recording has no cost.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants:
//   - oauth.grant.issued{client_id, grant_type}
//   - oauth.grant.rejected{grant_type, error}
//   - oauth.code.issued{client_id}
//   - oauth.code.redeemed{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.{tokens,clients,codes,families}.count
//
// # Security Considerations
//
// Traces and metrics carry metadata only. Token values, authorization codes,
// client secrets and PKCE verifiers are never recorded.
package instrumentation
