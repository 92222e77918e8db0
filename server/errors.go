package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth-grants/storage"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1)
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeObjectDoesNotExist   = "object_does_not_exist"
	ErrorCodeObjectExist          = "object_exist"
	ErrorCodeServerError          = "server_error"
)

// OAuthError is the only error type the server returns. Code and Status are
// what the protocol surface writes into the error response.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Constructors for every error kind the server produces
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown or its authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the code or refresh token is invalid, expired, consumed, or mismatched
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope exceeds what is allowed
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates a bearer token failed verification or was revoked
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the grant or response type is not registered for the client
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is unknown to the server
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the request lacks an authenticated identity
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrObjectDoesNotExist indicates a registry lookup miss
	ErrObjectDoesNotExist = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeObjectDoesNotExist, desc, http.StatusNotFound)
	}

	// ErrObjectExist indicates a conflicting unique insert
	ErrObjectExist = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeObjectExist, desc, http.StatusUnprocessableEntity)
	}

	// ErrServerError indicates an internal failure. The description is always generic.
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// AsOAuthError extracts the OAuthError from err. Any other error is reported
// as a generic server_error so that internal details never reach a client.
func AsOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("internal error")
}

// translateStorageError maps a storage failure into the registry error kinds.
// Non-sentinel failures are logged with their cause and returned as server_error.
func translateStorageError(logger *slog.Logger, operation string, err error) *OAuthError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrObjectDoesNotExist("object does not exist")
	case errors.Is(err, storage.ErrConflict):
		return ErrObjectExist("object already exists")
	default:
		return internalError(logger, operation, err)
	}
}

// internalError logs the cause and returns a generic server_error.
func internalError(logger *slog.Logger, operation string, err error) *OAuthError {
	logger.Error("Storage operation failed",
		"operation", operation,
		"error", err)
	return ErrServerError("internal error")
}
