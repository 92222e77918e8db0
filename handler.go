package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
)

// Endpoint names used for metrics and spans
const (
	endpointAuthorize  = "authorize"
	endpointToken      = "token"
	endpointRevoke     = "revoke"
	endpointIntrospect = "introspect"
	endpointMetadata   = "metadata"
)

// Handler is a thin HTTP adapter for the grant engine.
// It parses protocol requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	config Config
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config Config) *Handler {
	config = config.withDefaults()

	logger := config.Logger
	if logger == nil {
		logger = srv.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes mounts every endpoint on mux at its configured path.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.config.AuthorizationPath, h.ServeAuthorize)
	mux.HandleFunc(h.config.TokenPath, h.ServeToken)
	mux.HandleFunc(h.config.RevocationPath, h.ServeRevoke)
	mux.HandleFunc(h.config.IntrospectionPath, h.ServeIntrospection)
	mux.HandleFunc(h.config.MetadataPath, h.ServeMetadata)
}

// startSpan opens an HTTP span when tracing is enabled and returns the request
// carrying its context.
func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, trace.SpanFromContext(r.Context())
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// ServeAuthorize handles authorization requests (RFC 6749 Section 4.1.1).
// The resource owner must already be authenticated: the identity is read from
// the request context, typically placed there by Authenticate or the host
// application's login layer. On success the user agent is redirected to the
// client with the code and the state.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.authorize")
	defer span.End()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	state := query.Get("state")

	// State parameter is required for CSRF protection unless explicitly relaxed
	if state == "" && !h.config.AllowMissingState {
		h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state missing")
		h.writeError(w, server.ErrorCodeInvalidRequest, "state parameter is required for CSRF protection", http.StatusBadRequest)
		return
	}
	if state != "" && len(state) < h.config.MinStateLength {
		h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state too short")
		h.writeError(w, server.ErrorCodeInvalidRequest,
			fmt.Sprintf("state parameter must be at least %d characters for security", h.config.MinStateLength),
			http.StatusBadRequest)
		return
	}

	req := server.AuthorizationRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               state,
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	code, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		h.logger.Debug("Authorization request rejected", "client_id", req.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, status, startTime)
		return
	}

	location, err := authorizationRedirect(code.RedirectURI, code.Code, state)
	if err != nil {
		// The redirect URI was validated against the registration, so this is a server fault
		h.logger.Error("Failed to build authorization redirect", "client_id", req.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, server.ErrServerError("internal error"))
		h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics(r.Context(), endpointAuthorize, r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	http.Redirect(w, r, location, http.StatusFound)
}

// authorizationRedirect appends code and state to the client redirect URI,
// preserving any query it already carries.
func authorizationRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ServeToken handles the OAuth token endpoint (RFC 6749 Section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r.Context(), endpointToken, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.recordHTTPMetrics(r.Context(), endpointToken, r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := h.clientCredentials(r)
	if err != nil {
		instrumentation.SetSpanError(span, "conflicting client credentials")
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics(r.Context(), endpointToken, r.Method, status, startTime)
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	resp, err := h.server.Token(r.Context(), req)
	if err != nil {
		h.logger.Debug("Token request rejected",
			"client_id", req.ClientID,
			"grant_type", req.GrantType,
			"error", err)
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics(r.Context(), endpointToken, r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics(r.Context(), endpointToken, r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevoke handles the RFC 7009 token revocation endpoint. Once the
// client is authenticated the response is 200, whether or not the token was
// known.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token_revocation")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r.Context(), endpointRevoke, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.recordHTTPMetrics(r.Context(), endpointRevoke, r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := h.clientCredentials(r)
	if err == nil {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))
		err = h.server.RevokeToken(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	}
	if err != nil {
		oauthErr := server.AsOAuthError(err)
		instrumentation.RecordError(span, err)
		// Per RFC 7009 only request and client errors are reported
		if oauthErr.Code == server.ErrorCodeServerError {
			h.logger.Error("Failed to revoke token", "client_id", clientID, "error", err)
		} else {
			h.logger.Debug("Revocation request rejected", "client_id", clientID, "error", err)
		}
		status := h.writeOAuthError(w, oauthErr)
		h.recordHTTPMetrics(r.Context(), endpointRevoke, r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics(r.Context(), endpointRevoke, r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles the RFC 7662 token introspection endpoint.
// It requires confidential client authentication so that it cannot be used
// to scan for live tokens.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token_introspection")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r.Context(), endpointIntrospect, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.recordHTTPMetrics(r.Context(), endpointIntrospect, r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := h.clientCredentials(r)
	var resp IntrospectionResponse
	if err == nil {
		resp, err = h.introspect(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	}
	if err != nil {
		h.logger.Debug("Introspection request rejected", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics(r.Context(), endpointIntrospect, r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics(r.Context(), endpointIntrospect, r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// introspect builds the RFC 7662 response for token.
func (h *Handler) introspect(ctx context.Context, clientID, clientSecret, token string) (IntrospectionResponse, error) {
	rec, err := h.server.IntrospectToken(ctx, clientID, clientSecret, token)
	if err != nil {
		return IntrospectionResponse{}, err
	}
	if rec == nil {
		return IntrospectionResponse{Active: false}, nil
	}
	return IntrospectionResponse{
		Active:    true,
		Scope:     rec.Scope,
		ClientID:  rec.ClientID,
		Subject:   rec.UserID,
		TokenType: tokenTypeBearer,
		ExpiresAt: rec.AccessExpiresAt().Unix(),
		IssuedAt:  rec.IssuedAt.Unix(),
		Issuer:    h.server.Config.Issuer,
	}, nil
}

// ServeMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r.Context(), endpointMetadata, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.recordHTTPMetrics(r.Context(), endpointMetadata, r.Method, http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.buildMetadata())
}

func (h *Handler) buildMetadata() AuthorizationServerMetadata {
	issuer := h.server.Config.Issuer

	pkceMethods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		pkceMethods = append(pkceMethods, server.PKCEMethodPlain)
	}

	return AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  endpointURL(issuer, h.config.AuthorizationPath),
		TokenEndpoint:          endpointURL(issuer, h.config.TokenPath),
		RevocationEndpoint:     endpointURL(issuer, h.config.RevocationPath),
		IntrospectionEndpoint:  endpointURL(issuer, h.config.IntrospectionPath),
		ScopesSupported:        h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{server.ResponseTypeCode},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     pkceMethods,
	}
}

// Helper methods

// parseForm parses a form-encoded body no larger than MaxFormBytes.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxFormBytes)
	return r.ParseForm()
}

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string, ok bool) {
	username, password, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	// RFC 6749 Section 2.3.1: credentials are form-urlencoded before Basic encoding
	if u, err := url.QueryUnescape(username); err == nil {
		username = u
	}
	if p, err := url.QueryUnescape(password); err == nil {
		password = p
	}
	return username, password, true
}

// clientCredentials reads client authentication from HTTP Basic or, failing
// that, from the client_id and client_secret form fields. A client using both
// methods at once is rejected (RFC 6749 Section 2.3).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	basicID, basicSecret, ok := h.parseBasicAuth(r)
	if !ok {
		return formID, formSecret, nil
	}
	if formSecret != "" || (formID != "" && formID != basicID) {
		return "", "", server.ErrInvalidRequest("multiple client authentication methods used")
	}
	return basicID, basicSecret, nil
}

// writeJSON writes a no-store JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	instrumentation.AddHTTPAttributes(trace.SpanFromContext(ctx), method, endpoint, status)
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
