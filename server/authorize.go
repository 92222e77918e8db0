package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// AuthorizationRequest holds the authorization endpoint parameters (RFC 6749 Section 4.1.1).
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Authorize issues an authorization code for the authenticated identity of
// the request. The returned code carries the effective redirect URI and scope.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	code, oauthErr := s.authorize(ctx, req)
	if oauthErr != nil {
		s.Logger.Debug("Authorization request rejected",
			"client_id", req.ClientID,
			"error", oauthErr.Code,
			"description", oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		return nil, oauthErr
	}

	instrumentation.AddPKCEAttributes(span, code.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)
	return code, nil
}

func (s *Server) authorize(ctx context.Context, req AuthorizationRequest) (*storage.AuthorizationCode, *OAuthError) {
	identity := s.identity.ResolveIdentity(ctx)
	if !identity.Authenticated || identity.UserID == "" {
		return nil, ErrAccessDenied("an authenticated user is required")
	}

	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure(identity.UserID, req.ClientID, "unknown_client")
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, internalError(s.Logger, "get_client", err)
	}

	if req.ResponseType == "" {
		return nil, ErrInvalidRequest("response_type is required")
	}
	if req.ResponseType != ResponseTypeCode || !client.AllowsResponseType(req.ResponseType) ||
		!client.AllowsGrantType(GrantTypeAuthorizationCode) {
		s.Auditor.LogAuthFailure(identity.UserID, client.ClientID, "response_type_not_registered")
		return nil, ErrUnauthorizedClient("client is not authorized for this response type")
	}

	// RFC 6749 Section 3.1.2.3: may be omitted when exactly one URI is registered
	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		s.Auditor.LogAuthFailure(identity.UserID, client.ClientID, "invalid_redirect_uri")
		return nil, ErrInvalidRequest(err.Error())
	}

	scope, err := s.resolveScope(req.Scope, client.Scope)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			UserID:   identity.UserID,
			ClientID: client.ClientID,
		})
		return nil, ErrInvalidScope(err.Error())
	}

	method, err := s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		s.Auditor.LogAuthFailure(identity.UserID, client.ClientID, "invalid_pkce_parameters")
		return nil, ErrInvalidRequest(err.Error())
	}

	// Keep the user's claims so the token exchange can mint an ID token
	if len(identity.Claims) > 0 {
		if err := s.store.SaveUser(ctx, &storage.User{ID: identity.UserID, Claims: identity.Claims}); err != nil {
			s.Logger.Warn("Failed to save user claims", "error", err)
		}
	}

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              identity.UserID,
		RedirectURI:         redirectURI,
		ResponseType:        req.ResponseType,
		Scope:               scope,
		AuthTime:            s.Config.Clock(),
		ExpiresIn:           s.Config.AuthorizationCodeTTL,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
	}

	if err := s.store.SaveAuthorizationCode(ctx, identity.UserID, code); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// 256 bits of entropy: a collision means the generator is broken
			s.Logger.Error("Authorization code collision",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
			return nil, ErrServerError("internal error")
		}
		return nil, internalError(s.Logger, "save_authorization_code", err)
	}

	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, client.ClientID)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   identity.UserID,
		ClientID: client.ClientID,
		Details: map[string]any{
			"scope":                 scope,
			"code_challenge_method": method,
		},
	})

	return code, nil
}
