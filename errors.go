package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
)

const tokenTypeBearer = "Bearer"

// writeOAuthError writes err as an OAuth error response and returns the
// status written. Errors that are not *server.OAuthError become server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) int {
	oauthErr := server.AsOAuthError(err)
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
	return oauthErr.Status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds an RFC 6750 Section 3 Bearer challenge.
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteEscape(h.server.Config.Issuer))}

	if h.config.ChallengeScope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(h.config.ChallengeScope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}

	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes s for an HTTP quoted-string.
// Backslashes go first, then quotes.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
