package server

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// TokenRequest holds the token endpoint parameters (RFC 6749 Section 4).
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is a successful token endpoint response (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// UserID is the resource owner; empty for client_credentials
	UserID string `json:"-"`
}

// Token runs a token request through the grant lifecycle. Every failure is
// returned as *OAuthError.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.token")
	defer span.End()

	lc := s.newLifecycle(span, req)
	lc.advance(stateReceived)

	resp, oauthErr := s.dispatchGrant(ctx, lc, req)
	if oauthErr != nil {
		lc.reject(oauthErr)
		if s.metrics != nil {
			s.metrics.RecordGrantRejected(ctx, req.GrantType, oauthErr.Code)
		}
		return nil, oauthErr
	}

	lc.advance(stateResponded)
	instrumentation.SetSpanSuccess(span)
	if s.metrics != nil {
		s.metrics.RecordGrantIssued(ctx, req.ClientID, req.GrantType)
	}
	return resp, nil
}

func (s *Server) dispatchGrant(ctx context.Context, lc *lifecycle, req TokenRequest) (*TokenResponse, *OAuthError) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("grant type is not supported")
	}

	client, oauthErr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if !client.AllowsGrantType(req.GrantType) {
		s.Auditor.LogAuthFailure("", client.ClientID, "grant_type_not_registered")
		return nil, ErrUnauthorizedClient("client is not authorized for this grant type")
	}
	lc.advance(stateClientResolved)

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, lc, client, req)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, lc, client, req)
	default:
		return s.clientCredentials(ctx, lc, client, req)
	}
}

// exchangeAuthorizationCode implements the authorization_code grant (RFC 6749 Section 4.1.3).
func (s *Server) exchangeAuthorizationCode(ctx context.Context, lc *lifecycle, client *storage.Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.store.GetAuthorizationCode(ctx, client.ClientID, req.Code)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, internalError(s.Logger, "get_authorization_code", err)
		}
		// SECURITY: log details internally, return a generic error (RFC 6749)
		s.Logger.Debug("Authorization code validation failed",
			"reason", "not_found",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		s.Auditor.LogAuthFailure("", client.ClientID, "invalid_authorization_code")
		return nil, ErrInvalidGrant("invalid grant")
	}

	caller := s.resolveCaller(ctx, code)
	lc.span.SetAttributes(attribute.String(instrumentation.AttrCallerKind, caller.Kind()))
	lc.advance(stateUserResolved)

	if oauthErr := s.validateAuthorizationCode(ctx, client, code, caller, req); oauthErr != nil {
		return nil, oauthErr
	}
	lc.advance(stateGrantValidated)

	user, err := s.resolveUser(ctx, caller)
	if err != nil {
		return nil, internalError(s.Logger, "get_user", err)
	}

	issued, err := s.issuer.Issue(issuer.Grant{
		User:                user,
		ClientID:            client.ClientID,
		Scope:               code.Scope,
		GrantType:           GrantTypeAuthorizationCode,
		IssuedAt:            s.Config.Clock(),
		AccessTokenID:       newTokenID(),
		RefreshTokenID:      newTokenID(),
		IncludeRefreshToken: client.AllowsGrantType(GrantTypeRefreshToken),
		FamilyID:            newTokenID(),
		Generation:          1,
		Nonce:               code.Nonce,
		AuthTime:            code.AuthTime,
	})
	if err != nil {
		s.Logger.Error("Failed to issue tokens", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("internal error")
	}
	lc.advance(stateTokenIssued)

	// Persist and consume in one atomic step; only one concurrent request wins
	if err := s.store.RedeemAuthorizationCode(ctx, client.ClientID, code.Code, issued.Record); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Logger.Warn("Authorization code already redeemed",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
			if s.metrics != nil {
				s.metrics.RecordCodeReuseDetected(ctx)
			}
			s.Auditor.LogThrottledEvent(security.Event{
				Type:     security.EventAuthorizationCodeReuseDetected,
				UserID:   code.UserID,
				ClientID: client.ClientID,
				Details:  map[string]any{"severity": "high"},
			})
			return nil, ErrInvalidGrant("invalid grant")
		}
		return nil, internalError(s.Logger, "redeem_authorization_code", err)
	}
	lc.advance(statePersisted)

	if s.metrics != nil {
		s.metrics.RecordCodeRedeemed(ctx, client.ClientID, code.CodeChallengeMethod)
	}
	s.Auditor.LogTokenIssued(caller.UserID(), client.ClientID, GrantTypeAuthorizationCode, issued.Scope)
	return tokenResponse(issued, caller.UserID()), nil
}

// validateAuthorizationCode runs every check on a looked-up code. An expired
// code is removed as a side effect.
func (s *Server) validateAuthorizationCode(ctx context.Context, client *storage.Client, code *storage.AuthorizationCode, caller Caller, req TokenRequest) *OAuthError {
	reject := func(reason string) *OAuthError {
		s.Logger.Debug("Authorization code validation failed",
			"reason", reason,
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
		s.Auditor.LogAuthFailure(code.UserID, client.ClientID, reason)
		return ErrInvalidGrant("invalid grant")
	}

	if code.ClientID != client.ClientID {
		return reject("client_id_mismatch")
	}

	if code.IsExpired(s.Config.Clock()) {
		if _, err := s.store.DeleteAuthorizationCode(ctx, client.ClientID, code.Code); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Warn("Failed to delete expired authorization code", "error", err)
		}
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeExpired,
			UserID:   code.UserID,
			ClientID: client.ClientID,
		})
		return reject("code_expired")
	}

	if code.RedirectURI != req.RedirectURI {
		return reject("redirect_uri_mismatch")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   code.UserID,
			ClientID: client.ClientID,
			Details:  map[string]any{"reason": err.Error()},
		})
		return reject("pkce_validation_failed")
	}

	if c, ok := caller.(AuthenticatedCaller); ok && c.UserID() != code.UserID {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventCodeOwnerMismatch,
			UserID:   c.UserID(),
			ClientID: client.ClientID,
			Details:  map[string]any{"severity": "high"},
		})
		return reject("code_owner_mismatch")
	}

	return nil
}

// refreshAccessToken implements the refresh_token grant (RFC 6749 Section 6)
// with OAuth 2.1 rotation and reuse detection.
func (s *Server) refreshAccessToken(ctx context.Context, lc *lifecycle, client *storage.Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	rec, err := s.store.GetToken(ctx, client.ClientID, "", req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.handleInactiveRefreshToken(ctx, client, req.RefreshToken)
		}
		return nil, internalError(s.Logger, "get_token", err)
	}
	lc.advance(stateUserResolved)

	now := s.Config.Clock()
	if rec.IsRefreshExpired(now) {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "expired",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, tokenIDLogLength))
		s.Auditor.LogAuthFailure(rec.UserID, client.ClientID, "refresh_token_expired")
		return nil, ErrInvalidGrant("invalid grant")
	}

	scope := rec.Scope
	if req.Scope != "" {
		if !util.IsScopeSubset(req.Scope, rec.Scope) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   rec.UserID,
				ClientID: client.ClientID,
			})
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		scope = util.JoinScope(util.ParseScope(req.Scope))
	}
	lc.advance(stateGrantValidated)

	var user *storage.User
	if rec.UserID != "" {
		if user, err = s.lookupUser(ctx, rec.UserID); err != nil {
			return nil, internalError(s.Logger, "get_user", err)
		}
	}

	rotate := s.Config.rotateRefreshTokens()
	familyID := rec.FamilyID
	if familyID == "" {
		familyID = newTokenID()
	}
	generation := rec.Generation
	if rotate {
		generation++
	}

	issued, err := s.issuer.Issue(issuer.Grant{
		User:                user,
		ClientID:            client.ClientID,
		Scope:               scope,
		GrantType:           GrantTypeRefreshToken,
		IssuedAt:            now,
		AccessTokenID:       newTokenID(),
		RefreshTokenID:      newTokenID(),
		IncludeRefreshToken: rotate,
		FamilyID:            familyID,
		Generation:          generation,
	})
	if err != nil {
		s.Logger.Error("Failed to issue tokens", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("internal error")
	}
	lc.advance(stateTokenIssued)

	if rotate {
		err = s.store.RotateRefreshToken(ctx, client.ClientID, req.RefreshToken, issued.Record)
		if errors.Is(err, storage.ErrNotFound) {
			// Lost the race to a concurrent refresh with the same token
			return nil, s.handleInactiveRefreshToken(ctx, client, req.RefreshToken)
		}
	} else {
		err = s.store.UpdateAccessToken(ctx, req.RefreshToken, issued.AccessToken, scope, now, issued.ExpiresIn)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("invalid grant")
		}
		issued.RefreshToken = req.RefreshToken
	}
	if err != nil {
		return nil, internalError(s.Logger, "refresh_token", err)
	}
	lc.advance(statePersisted)

	instrumentation.AddTokenFamilyAttributes(lc.span, familyID, generation)
	lc.span.SetAttributes(attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, rotate)
	}
	s.Logger.Debug("Refresh token exchanged",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"generation", generation,
		"rotated", rotate)
	s.Auditor.LogTokenRefreshed(rec.UserID, client.ClientID, rotate)
	return tokenResponse(issued, rec.UserID), nil
}

// handleInactiveRefreshToken runs reuse detection for a refresh token that is
// not active. A token that belongs to a known family of this client was
// rotated or revoked; presenting it again revokes the rest of the family.
// A family with no active member left was already revoked, by RevokeToken or
// an earlier reuse response, and is only rejected.
func (s *Server) handleInactiveRefreshToken(ctx context.Context, client *storage.Client, refreshToken string) *OAuthError {
	family, err := s.store.GetTokenFamily(ctx, refreshToken)
	if err != nil || family.ClientID != client.ClientID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Warn("Failed to look up token family", "error", err)
		}
		s.Logger.Debug("Refresh token validation failed",
			"reason", "not_found",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength))
		s.Auditor.LogAuthFailure("", client.ClientID, "invalid_refresh_token")
		return ErrInvalidGrant("invalid grant")
	}

	revoked, err := s.revokeFamily(ctx, family, refreshToken)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after reuse detection", "error", err)
	} else if revoked == 0 {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "revoked",
			"client_id", client.ClientID,
			"family_id", util.SafeTruncate(family.FamilyID, tokenIDLogLength))
		s.Auditor.LogAuthFailure(family.UserID, client.ClientID, "refresh_token_revoked")
		return ErrInvalidGrant("invalid grant")
	}

	if s.allowSecurityLog(family.UserID + ":" + client.ClientID) {
		s.Logger.Error("Refresh token reuse detected - revoking token family",
			"user_id", family.UserID,
			"client_id", client.ClientID,
			"family_id", util.SafeTruncate(family.FamilyID, tokenIDLogLength),
			"generation", family.Generation,
			"revoked", revoked,
			"oauth_spec", "OAuth 2.1 Refresh Token Rotation")
	}
	if s.metrics != nil {
		s.metrics.RecordTokenReuseDetected(ctx)
	}
	s.Auditor.LogTokenReuse(family.UserID, client.ClientID, family.Generation, revoked)

	// Generic error per RFC 6749; do not reveal that reuse was detected
	return ErrInvalidGrant("invalid grant")
}

func (s *Server) revokeFamily(ctx context.Context, family *storage.TokenFamily, refreshToken string) (int, error) {
	if family.FamilyID == "" {
		return 0, s.store.RevokeToken(ctx, refreshToken)
	}
	revoked, err := s.store.RevokeTokenFamily(ctx, family.FamilyID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenFamilyRevoked,
			UserID:   family.UserID,
			ClientID: family.ClientID,
			Details: map[string]any{
				"family_id":      util.SafeTruncate(family.FamilyID, tokenIDLogLength),
				"tokens_revoked": revoked,
			},
		})
	}
	return revoked, nil
}

// clientCredentials implements the client_credentials grant (RFC 6749 Section 4.4).
func (s *Server) clientCredentials(ctx context.Context, lc *lifecycle, client *storage.Client, req TokenRequest) (*TokenResponse, *OAuthError) {
	if client.IsPublic() {
		s.Auditor.LogAuthFailure("", client.ClientID, "public_client_credentials")
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}
	// No user: the client acts on its own behalf
	lc.advance(stateUserResolved)

	scope, err := s.resolveScope(req.Scope, client.Scope)
	if err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	lc.advance(stateGrantValidated)

	issued, err := s.issuer.Issue(issuer.Grant{
		ClientID:      client.ClientID,
		Scope:         scope,
		GrantType:     GrantTypeClientCredentials,
		IssuedAt:      s.Config.Clock(),
		AccessTokenID: newTokenID(),
	})
	if err != nil {
		s.Logger.Error("Failed to issue tokens", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("internal error")
	}
	lc.advance(stateTokenIssued)

	if err := s.store.SaveToken(ctx, "", client.ClientID, issued.Record); err != nil {
		return nil, internalError(s.Logger, "save_token", err)
	}
	lc.advance(statePersisted)

	s.Auditor.LogTokenIssued("", client.ClientID, GrantTypeClientCredentials, scope)
	return tokenResponse(issued, ""), nil
}

func tokenResponse(issued *issuer.Issued, userID string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    issued.TokenType,
		ExpiresIn:    issued.ExpiresIn,
		RefreshToken: issued.RefreshToken,
		IDToken:      issued.IDToken,
		Scope:        issued.Scope,
		UserID:       userID,
	}
}

// Grant lifecycle states
const (
	stateReceived       = "received"
	stateClientResolved = "client_resolved"
	stateUserResolved   = "user_resolved"
	stateGrantValidated = "grant_validated"
	stateTokenIssued    = "token_issued"
	statePersisted      = "persisted"
	stateResponded      = "responded"
	stateRejected       = "rejected"
)

// lifecycle tracks how far a token request got. Each transition is logged at
// debug level and recorded on the request span.
type lifecycle struct {
	logger *slog.Logger
	span   trace.Span
	state  string
}

func (s *Server) newLifecycle(span trace.Span, req TokenRequest) *lifecycle {
	instrumentation.AddGrantAttributes(span, req.GrantType, req.ClientID, req.Scope)
	return &lifecycle{
		logger: s.Logger.With("grant_type", req.GrantType, "client_id", req.ClientID),
		span:   span,
	}
}

func (l *lifecycle) advance(state string) {
	l.state = state
	l.span.AddEvent(state)
	l.logger.Debug("Grant lifecycle", "state", state)
}

func (l *lifecycle) reject(err *OAuthError) {
	l.logger.Debug("Grant lifecycle",
		"state", stateRejected,
		"last_state", l.state,
		"error", err.Code)
	l.span.SetAttributes(attribute.String(instrumentation.AttrLifecycleState, l.state))
	instrumentation.SetSpanError(l.span, err.Code)
	l.state = stateRejected
}
