package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// RevokeToken revokes an access or refresh token issued to the client
// (RFC 7009). Both halves of the token pair stop working. Unknown tokens,
// tokens of another client, and already revoked tokens are a no-op.
func (s *Server) RevokeToken(ctx context.Context, clientID, clientSecret, token string) error {
	ctx, span := s.startSpan(ctx, "oauth.revoke")
	defer span.End()

	client, oauthErr := s.authenticateClient(ctx, clientID, clientSecret)
	if oauthErr != nil {
		return oauthErr
	}
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	rec, err := s.findActiveToken(ctx, client.ClientID, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Logger.Debug("Revocation of unknown token ignored",
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
			return nil
		}
		return internalError(s.Logger, "get_token", err)
	}

	if err := s.store.RevokeToken(ctx, token); err != nil {
		return internalError(s.Logger, "revoke_token", err)
	}

	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID)
	}
	s.Auditor.LogTokenRevoked(rec.UserID, client.ClientID)
	s.Logger.Info("Token revoked",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(rec.FamilyID, tokenIDLogLength))
	return nil
}

// RevokeAllTokensForUserClient revokes every token a user holds for a client
// (admin use, e.g. when consent is withdrawn). It returns how many were revoked.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke_user_client")
	defer span.End()

	if userID == "" || clientID == "" {
		return 0, ErrInvalidRequest("user_id and client_id are required")
	}

	revoked, err := s.store.RevokeAllTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, internalError(s.Logger, "revoke_user_client_tokens", err)
	}

	if s.metrics != nil && revoked > 0 {
		s.metrics.RecordTokenRevocation(ctx, clientID)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"tokens_revoked": revoked, "revocation": "user_client"},
	})
	s.Logger.Info("Revoked user tokens for client",
		"client_id", clientID,
		"tokens_revoked", revoked)
	return revoked, nil
}

// findActiveToken looks token up as an access token, then as a refresh token.
func (s *Server) findActiveToken(ctx context.Context, clientID, token string) (*storage.Token, error) {
	rec, err := s.store.GetToken(ctx, clientID, token, "")
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return rec, err
	}
	return s.store.GetToken(ctx, clientID, "", token)
}

// ValidateAccessToken checks a bearer token for a resource server. The
// signature is always verified before the store is consulted, and revoked or
// expired records are rejected.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	claims, err := s.issuer.Verify(accessToken)
	if err != nil {
		s.Logger.Debug("Access token verification failed", "error", err)
		return nil, ErrInvalidToken("invalid access token")
	}
	if claims.String("token_use") != issuer.TokenUseAccess {
		return nil, ErrInvalidToken("invalid access token")
	}

	rec, err := s.store.GetToken(ctx, "", accessToken, "")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("access token is revoked or unknown")
		}
		return nil, internalError(s.Logger, "get_token", err)
	}
	if rec.IsAccessExpired(s.Config.Clock()) {
		return nil, ErrInvalidToken("access token expired")
	}
	return rec, nil
}

// IntrospectToken reports the active access token record for an
// authenticated client (RFC 7662). An inactive token yields a nil record and
// a nil error; only client authentication and storage failures are errors.
func (s *Server) IntrospectToken(ctx context.Context, clientID, clientSecret, token string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "oauth.introspect")
	defer span.End()

	client, oauthErr := s.authenticateClient(ctx, clientID, clientSecret)
	if oauthErr != nil {
		return nil, oauthErr
	}
	// Public clients hold no credentials, so they could scan for live tokens
	if client.IsPublic() {
		return nil, ErrInvalidClient("client authentication required for token introspection")
	}
	if token == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	rec, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		if oauthErr := AsOAuthError(err); oauthErr.Code == ErrorCodeInvalidToken {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
