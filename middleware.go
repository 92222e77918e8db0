package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/storage"
)

type contextKey string

const tokenKey contextKey = "access_token"

// TokenFromContext returns the validated access token record placed in ctx by
// Authenticate or ValidateToken.
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	rec, ok := ctx.Value(tokenKey).(*storage.Token)
	return rec, ok && rec != nil
}

// ContextWithToken returns a copy of ctx carrying rec.
func ContextWithToken(ctx context.Context, rec *storage.Token) context.Context {
	return context.WithValue(ctx, tokenKey, rec)
}

// Authenticate is middleware that resolves the request identity from a
// Bearer access token. A valid token belonging to a user yields an
// authenticated identity; a missing or invalid token yields the anonymous
// identity and the request continues. Use ValidateToken to reject instead.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := server.WithIdentity(r.Context(), server.Anonymous())

		if accessToken, ok := bearerToken(r); ok {
			rec, err := h.server.ValidateAccessToken(ctx, accessToken)
			switch {
			case err != nil:
				h.logger.Debug("Bearer token ignored", "error", err)
			case rec.UserID == "":
				// client_credentials tokens carry no resource owner
				ctx = ContextWithToken(ctx, rec)
			default:
				ctx = ContextWithToken(ctx, rec)
				ctx = server.WithIdentity(ctx, server.Authenticated(rec.UserID, nil))
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken is middleware that requires a valid Bearer access token and
// answers 401 with a WWW-Authenticate challenge otherwise.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := bearerToken(r)
		if !ok {
			h.writeError(w, server.ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}

		rec, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed", "error", err)
			h.writeOAuthError(w, err)
			return
		}

		ctx := ContextWithToken(r.Context(), rec)
		if rec.UserID != "" {
			ctx = server.WithIdentity(ctx, server.Authenticated(rec.UserID, nil))
		} else {
			ctx = server.WithIdentity(ctx, server.Anonymous())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the Bearer token from the Authorization header
// (RFC 6750 Section 2.1). The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
