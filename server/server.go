package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// tokenIDLogLength is how much of a code or token value may appear in logs
const tokenIDLogLength = 8

// Server is the grant engine. It validates grant requests against the client
// registry and the code and token stores, mints tokens through the issuer,
// and persists the result. It holds no mutable state of its own; every
// coordination point between concurrent requests is a storage operation.
type Server struct {
	store    storage.Storage
	issuer   *issuer.Issuer
	identity IdentityResolver

	Auditor *security.Auditor

	// SecurityEventThrottle limits reuse-detection log lines per user+client (DoS prevention)
	SecurityEventThrottle *security.Throttle

	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	Logger *slog.Logger
	Config *Config
}

// New creates a new grant engine
func New(store storage.Storage, iss *issuer.Issuer, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if iss == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	srv := &Server{
		store:    store,
		issuer:   iss,
		identity: ContextIdentityResolver{},
		Logger:   logger,
		Config:   config,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	if config.AuditEnabled {
		srv.Auditor = security.NewAuditor(logger, true)
		srv.Auditor.SetClock(config.Clock)
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if aud != nil {
		aud.SetMetrics(s.metrics)
	}
}

// SetSecurityEventThrottle sets the throttle for security event logging.
// The auditor, if any, shares it.
func (s *Server) SetSecurityEventThrottle(t *security.Throttle) {
	s.SecurityEventThrottle = t
	if s.Auditor != nil {
		s.Auditor.SetThrottle(t)
	}
}

// SetIdentityResolver replaces the default context-based identity resolver.
func (s *Server) SetIdentityResolver(r IdentityResolver) {
	if r == nil {
		r = ContextIdentityResolver{}
	}
	s.identity = r
}

// SetInstrumentation enables tracing and metrics for grant operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer = nil
		s.metrics = nil
	} else {
		s.tracer = inst.Tracer("server")
		s.metrics = inst.Metrics()
	}
	if s.Auditor != nil {
		s.Auditor.SetMetrics(s.metrics)
	}
}

// Issuer returns the token issuer, for bearer token verification at the edge.
func (s *Server) Issuer() *issuer.Issuer {
	return s.issuer
}

// startSpan opens a span when tracing is enabled. Without a tracer it
// returns the (no-op) span already in ctx.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// allowSecurityLog reports whether a security log line for key may be written.
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventThrottle == nil || s.SecurityEventThrottle.Allow(key)
}

// generateRandomToken returns a URL-safe string with 256 bits of entropy,
// used for authorization codes and client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// newTokenID returns an identifier for a token's jti claim or a rotation family.
func newTokenID() string {
	return uuid.NewString()
}
