package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts a new client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: client %s", storage.ErrConflict, client.ClientID)
			return err
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client registration
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if err = storage.ValidateClient(client); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Xx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
			return err
		}
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	client, err := getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID), fromClientJSON)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return err
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients returns all registered clients
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", err, startTime) }()

	pattern := s.clientKey("*")

	var clients []*storage.Client
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			client, err := getAndUnmarshal(ctx, s, key, storage.ErrNotFound, fromClientJSON)
			if err != nil {
				// Deleted between SCAN and GET
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}
			clients = append(clients, client)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode inserts a code on behalf of userID.
// The key outlives the code by a short grace period so expiry can be reported.
func (s *Store) SaveAuthorizationCode(ctx context.Context, userID string, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	stored := storage.CloneCode(code)
	stored.UserID = userID
	data, err := json.Marshal(toAuthorizationCodeJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := ttlSeconds(stored.ExpiresAt().Add(codeExpiryGrace).Sub(s.now()))
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Nx().ExSeconds(ttl).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: authorization code", storage.ErrConflict)
			return err
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	notFound := fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	authCode, err := getAndUnmarshal(ctx, s, s.codeKey(code), notFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}
	if authCode.ClientID != clientID {
		err = notFound
		return nil, err
	}
	return authCode, nil
}

// DeleteAuthorizationCode removes and returns a code. Only one concurrent caller observes success.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, clientID, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_authorization_code", err, startTime) }()

	data, err := deleteCodeScript.Exec(ctx, s.client, []string{s.codeKey(code)}, []string{clientID}).ToString()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("failed to delete authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err = json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	data, err := json.Marshal(&userJSON{ID: user.ID, Claims: user.Claims})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return getAndUnmarshal(ctx, s, s.userKey(userID),
		fmt.Errorf("%w: user %s", storage.ErrNotFound, userID),
		func(j *userJSON) *storage.User { return &storage.User{ID: j.ID, Claims: j.Claims} })
}
