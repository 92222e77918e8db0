package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken appends a token record
func (s *Store) SaveToken(ctx context.Context, userID, clientID string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}

	rec := storage.CloneToken(token)
	rec.UserID = userID
	rec.ClientID = clientID
	keys, args, err := s.insertParams(rec)
	if err != nil {
		return err
	}

	reply, err := saveTokenScript.Exec(ctx, s.client, keys, args).ToString()
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if err = replyError(reply, "token"); err != nil {
		return err
	}

	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"client_id", clientID)
	return nil
}

// GetToken looks up an active record by access token, or by refresh token when accessToken is empty.
func (s *Store) GetToken(ctx context.Context, clientID, accessToken, refreshToken string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, startTime) }()

	if accessToken == "" {
		if accessToken, err = s.accessForRefresh(ctx, refreshToken); err != nil {
			return nil, err
		}
	}

	_, rec, err := s.readToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if rec.Revoked || (clientID != "" && rec.ClientID != clientID) {
		err = fmt.Errorf("%w: token", storage.ErrNotFound)
		return nil, err
	}
	return rec, nil
}

// RevokeToken marks the record holding token as revoked. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token", err, startTime) }()

	if token == "" {
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		resolved, err := s.accessForRefresh(ctx, token)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		target := s.tokenKey(token)
		if resolved != "" {
			target = s.tokenKey(resolved)
		}

		n, err := revokeTokenScript.Exec(ctx, s.client,
			[]string{s.refreshTokenKey(token), s.tokenKey(token), target},
			[]string{s.nowMillisArg(), resolved},
		).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}
		if n < 0 {
			continue
		}
		if n > 0 {
			s.logger.Debug("Revoked token", "token_prefix", util.SafeTruncate(token, tokenIDLogLength))
		}
		return nil
	}

	err = fmt.Errorf("failed to revoke token: record changed concurrently")
	return err
}

// UpdateAccessToken swaps the access token and scope of the active record holding refreshToken.
func (s *Store) UpdateAccessToken(ctx context.Context, refreshToken, accessToken, scope string, issuedAt time.Time, expiresIn int64) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_access_token", err, startTime) }()

	if accessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		oldAccess, err := s.accessForRefresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		data, rec, err := s.readToken(ctx, oldAccess)
		if err != nil {
			return err
		}
		if rec.Revoked {
			return fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}

		rec.AccessToken = accessToken
		rec.Scope = scope
		rec.IssuedAt = issuedAt
		rec.ExpiresIn = expiresIn
		next, err := json.Marshal(toTokenJSON(rec))
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}

		reply, err := updateAccessScript.Exec(ctx, s.client,
			[]string{
				s.refreshTokenKey(refreshToken),
				s.tokenKey(oldAccess),
				s.tokenKey(accessToken),
				s.familyKey(rec.FamilyID),
				s.userClientKey(rec.UserID, rec.ClientID),
				s.clientTokensKey(rec.ClientID),
			},
			[]string{
				data, oldAccess, accessToken, string(next),
				strconv.FormatInt(s.tokenTTL(rec), 10),
				boolArg(rec.FamilyID != ""),
			},
		).ToString()
		if err != nil {
			return fmt.Errorf("failed to update access token: %w", err)
		}
		if reply == replyRetry {
			continue
		}
		return replyError(reply, "refresh token")
	}

	err = fmt.Errorf("failed to update access token: record changed concurrently")
	return err
}

// GetTokenFamily returns family metadata for a refresh token, including revoked records.
func (s *Store) GetTokenFamily(ctx context.Context, refreshToken string) (_ *storage.TokenFamily, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_family", err, startTime) }()

	access, err := s.accessForRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	_, rec, err := s.readToken(ctx, access)
	if err != nil {
		return nil, err
	}
	if rec.FamilyID == "" {
		err = fmt.Errorf("%w: token family", storage.ErrNotFound)
		return nil, err
	}
	return &storage.TokenFamily{
		FamilyID:   rec.FamilyID,
		UserID:     rec.UserID,
		ClientID:   rec.ClientID,
		Generation: rec.Generation,
		Revoked:    rec.Revoked,
	}, nil
}

// RevokeTokenFamily revokes every active record of a family and returns how many were revoked.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_family", err, startTime) }()

	if familyID == "" {
		return 0, nil
	}
	n, err := s.revokeSet(ctx, s.familyKey(familyID))
	if err != nil {
		return 0, err
	}

	s.logger.Info("Revoked token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", n)
	return n, nil
}

// RevokeAllTokensForUserClient revokes every active record for a user+client pair.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, startTime) }()

	return s.revokeSet(ctx, s.userClientKey(userID, clientID))
}

// RevokeClientTokens revokes every active record issued to clientID.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_client_tokens")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_client_tokens", err, startTime) }()

	n, err := s.revokeSet(ctx, s.clientTokensKey(clientID))
	if err != nil {
		return 0, err
	}

	s.logger.Info("Revoked client tokens", "client_id", clientID, "tokens_revoked", n)
	return n, nil
}

// ============================================================
// ExchangeStore Implementation
// ============================================================

// RedeemAuthorizationCode deletes the code and stores token in one script.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, startTime) }()

	if err = storage.ValidateToken(token); err != nil {
		return err
	}
	keys, args, err := s.insertParams(token)
	if err != nil {
		return err
	}
	keys = append(keys, s.codeKey(code))
	args = append(args, clientID)

	reply, err := redeemCodeScript.Exec(ctx, s.client, keys, args).ToString()
	if err != nil {
		return fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if err = replyError(reply, "authorization code"); err != nil {
		return err
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", clientID)
	return nil
}

// RotateRefreshToken revokes the active record for oldRefreshToken and stores next in one script.
func (s *Store) RotateRefreshToken(ctx context.Context, clientID, oldRefreshToken string, next *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if err = storage.ValidateToken(next); err != nil {
		return err
	}
	oldAccess, err := s.accessForRefresh(ctx, oldRefreshToken)
	if err != nil {
		return err
	}
	keys, args, err := s.insertParams(next)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		reply, err := rotateRefreshScript.Exec(ctx, s.client,
			append(keys, s.refreshTokenKey(oldRefreshToken), s.tokenKey(oldAccess)),
			append(args, clientID, oldAccess, s.nowMillisArg()),
		).ToString()
		if err != nil {
			return fmt.Errorf("failed to rotate refresh token: %w", err)
		}
		if reply != replyRetry {
			if err = replyError(reply, "refresh token"); err != nil {
				return err
			}
			break
		}
		if attempt+1 >= maxUpdateAttempts {
			err = fmt.Errorf("failed to rotate refresh token: record changed concurrently")
			return err
		}
		if oldAccess, err = s.accessForRefresh(ctx, oldRefreshToken); err != nil {
			return err
		}
	}

	s.logger.Debug("Rotated refresh token",
		"family_id", util.SafeTruncate(next.FamilyID, tokenIDLogLength),
		"generation", next.Generation,
		"client_id", clientID)
	return nil
}

// ============================================================
// Internal helpers
// ============================================================

// insertParams builds the KEYS and ARGV consumed by insert_token().
func (s *Store) insertParams(rec *storage.Token) ([]string, []string, error) {
	data, err := json.Marshal(toTokenJSON(rec))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal token: %w", err)
	}
	keys := []string{
		s.tokenKey(rec.AccessToken),
		s.refreshTokenKey(rec.RefreshToken),
		s.familyKey(rec.FamilyID),
		s.userClientKey(rec.UserID, rec.ClientID),
		s.clientTokensKey(rec.ClientID),
	}
	args := []string{
		string(data),
		rec.AccessToken,
		strconv.FormatInt(s.tokenTTL(rec), 10),
		boolArg(rec.RefreshToken != ""),
		boolArg(rec.FamilyID != ""),
	}
	return keys, args, nil
}

// accessForRefresh resolves the refresh token index to the record's access token.
func (s *Store) accessForRefresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	access, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshTokenKey(refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get refresh token: %w", err)
	}
	return access, nil
}

// readToken returns the raw JSON and decoded record stored under an access token.
func (s *Store) readToken(ctx context.Context, accessToken string) (string, *storage.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", nil, fmt.Errorf("%w: token", storage.ErrNotFound)
		}
		return "", nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return data, fromTokenJSON(&j), nil
}

func (s *Store) revokeSet(ctx context.Context, setKey string) (int, error) {
	n, err := revokeSetScript.Exec(ctx, s.client,
		[]string{setKey},
		[]string{s.tokenKeyPrefix(), s.nowMillisArg()},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return int(n), nil
}

// replyError maps a script reply to a storage error.
func replyError(reply, what string) error {
	switch reply {
	case replyOK:
		return nil
	case replyNotFound:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	case replyConflict:
		return fmt.Errorf("%w: token", storage.ErrConflict)
	default:
		return fmt.Errorf("unexpected script reply %q", reply)
	}
}
