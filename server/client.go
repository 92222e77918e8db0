package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Response types
const (
	ResponseTypeCode = "code"
)

// RegisterClientRequest describes a client to add to the registry.
type RegisterClientRequest struct {
	// ClientID is generated when empty
	ClientID string

	// ClientType is "public" or "confidential" (default)
	ClientType string

	// ClientSecret is generated for confidential clients when empty
	ClientSecret string

	ClientName    string
	GrantTypes    []string // default: authorization_code, refresh_token
	ResponseTypes []string // default: code
	RedirectURIs  []string
	Scope         string
}

var supportedGrantTypes = []string{
	GrantTypeAuthorizationCode,
	GrantTypeRefreshToken,
	GrantTypeClientCredentials,
}

// RegisterClient adds a client to the registry. It returns the stored client
// and, for confidential clients, the plaintext secret; only its bcrypt hash
// is kept. A taken client ID yields ObjectExist.
func (s *Server) RegisterClient(ctx context.Context, req RegisterClientRequest) (*storage.Client, string, error) {
	client, err := s.buildClient(req)
	if err != nil {
		return nil, "", ErrInvalidRequest(err.Error())
	}

	secret := ""
	if client.ClientType == storage.ClientTypeConfidential {
		secret = req.ClientSecret
		if secret == "" {
			secret = generateRandomToken()
		}
		hash, err := storage.HashClientSecret(secret)
		if err != nil {
			s.Logger.Error("Failed to hash client secret", "error", err)
			return nil, "", ErrServerError("internal error")
		}
		client.ClientSecretHash = hash
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", translateStorageError(s.Logger, "save_client", err)
	}

	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.ClientType)
	}
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType)
	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)

	return client, secret, nil
}

// buildClient applies defaults to req and validates the result.
func (s *Server) buildClient(req RegisterClientRequest) (*storage.Client, error) {
	client := &storage.Client{
		ClientID:      req.ClientID,
		ClientType:    req.ClientType,
		ClientName:    req.ClientName,
		GrantTypes:    slices.Clone(req.GrantTypes),
		ResponseTypes: slices.Clone(req.ResponseTypes),
		RedirectURIs:  slices.Clone(req.RedirectURIs),
		Scope:         req.Scope,
		CreatedAt:     s.Config.Clock(),
	}
	if client.ClientID == "" {
		client.ClientID = newTokenID()
	}
	if client.ClientType == "" {
		client.ClientType = storage.ClientTypeConfidential
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(client.ResponseTypes) == 0 && slices.Contains(client.GrantTypes, GrantTypeAuthorizationCode) {
		client.ResponseTypes = []string{ResponseTypeCode}
	}

	if err := storage.ValidateClient(client); err != nil {
		return nil, err
	}
	if client.ClientType == storage.ClientTypePublic && req.ClientSecret != "" {
		return nil, fmt.Errorf("public clients cannot have a client secret")
	}
	for _, gt := range client.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return nil, fmt.Errorf("unsupported grant type %q", gt)
		}
	}
	if client.ClientType == storage.ClientTypePublic && slices.Contains(client.GrantTypes, GrantTypeClientCredentials) {
		return nil, fmt.Errorf("client_credentials requires a confidential client")
	}
	for _, rt := range client.ResponseTypes {
		if rt != ResponseTypeCode {
			return nil, fmt.Errorf("unsupported response type %q", rt)
		}
	}
	if slices.Contains(client.GrantTypes, GrantTypeAuthorizationCode) && len(client.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required for authorization_code")
	}
	for _, uri := range client.RedirectURIs {
		if err := s.validateRedirectURISecurity(uri); err != nil {
			return nil, err
		}
	}
	if _, err := s.resolveScope(client.Scope, ""); err != nil {
		return nil, err
	}
	return client, nil
}

// GetClient retrieves a client by ID. A miss yields ObjectDoesNotExist.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, translateStorageError(s.Logger, "get_client", err)
	}
	return client, nil
}

// ListClients returns every registered client (admin use).
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, translateStorageError(s.Logger, "list_clients", err)
	}
	return clients, nil
}

// UpdateClient replaces the metadata of a registered client. The registration
// time is kept. A confidential client keeps its secret unless req carries a new
// one; a public client turned confidential gets a generated secret. The
// plaintext secret is returned only when it changed.
func (s *Server) UpdateClient(ctx context.Context, req RegisterClientRequest) (*storage.Client, string, error) {
	if req.ClientID == "" {
		return nil, "", ErrInvalidRequest("client_id is required")
	}
	existing, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, "", translateStorageError(s.Logger, "get_client", err)
	}

	client, err := s.buildClient(req)
	if err != nil {
		return nil, "", ErrInvalidRequest(err.Error())
	}
	client.CreatedAt = existing.CreatedAt

	secret := ""
	if client.ClientType == storage.ClientTypeConfidential {
		switch {
		case req.ClientSecret != "":
			secret = req.ClientSecret
		case existing.ClientType == storage.ClientTypeConfidential && existing.ClientSecretHash != "":
			client.ClientSecretHash = existing.ClientSecretHash
		default:
			secret = generateRandomToken()
		}
		if secret != "" {
			hash, err := storage.HashClientSecret(secret)
			if err != nil {
				s.Logger.Error("Failed to hash client secret", "error", err)
				return nil, "", ErrServerError("internal error")
			}
			client.ClientSecretHash = hash
		}
	}

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, "", translateStorageError(s.Logger, "update_client", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientUpdated,
		ClientID: client.ClientID,
		Details: map[string]any{
			"client_type":    client.ClientType,
			"secret_rotated": secret != "",
		},
	})
	s.Logger.Info("Updated OAuth client",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)

	return client, secret, nil
}

// DeleteClient removes a client from the registry and revokes every token
// still active for it.
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return translateStorageError(s.Logger, "delete_client", err)
	}
	revoked, err := s.store.RevokeClientTokens(ctx, clientID)
	if err != nil {
		return internalError(s.Logger, "revoke_client_tokens", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientDeleted,
		ClientID: clientID,
		Details:  map[string]any{"tokens_revoked": revoked},
	})
	s.Logger.Info("Deleted OAuth client", "client_id", clientID, "tokens_revoked", revoked)
	return nil
}

// authenticateClient resolves clientID and checks its credentials.
// Confidential clients must present their secret; public clients must not
// present one. Every failure is invalid_client.
//
// SECURITY: the bcrypt comparison also runs when the client does not exist,
// so response timing does not reveal which client IDs are registered.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *OAuthError) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, internalError(s.Logger, "get_client", err)
		}
		_ = storage.VerifyClientSecret(nil, clientSecret)
		s.Auditor.LogAuthFailure("", clientID, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		if clientSecret != "" {
			s.Auditor.LogAuthFailure("", clientID, "public_client_sent_secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if err := storage.VerifyClientSecret(client, clientSecret); err != nil {
		s.Logger.Debug("Client authentication failed", "client_id", clientID)
		s.Auditor.LogAuthFailure("", clientID, "invalid_client_secret")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}
