package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-grants/storage"
)

// Caller identifies who acts in an authorization_code exchange.
// It is either an AuthenticatedCaller or a CodeDerivedCaller.
type Caller interface {
	// UserID is the resource owner tokens are issued for.
	UserID() string

	// Kind names the variant for logs and traces.
	Kind() string

	isCaller()
}

// AuthenticatedCaller is an end user authenticated on the request itself.
type AuthenticatedCaller struct {
	Identity Identity
}

// UserID implements Caller.
func (c AuthenticatedCaller) UserID() string { return c.Identity.UserID }

// Kind implements Caller.
func (AuthenticatedCaller) Kind() string { return "authenticated" }

func (AuthenticatedCaller) isCaller() {}

// CodeDerivedCaller is a client exchanging a code on behalf of the user the
// code was issued to. This is the usual token endpoint case.
type CodeDerivedCaller struct {
	Code *storage.AuthorizationCode
}

// UserID implements Caller.
func (c CodeDerivedCaller) UserID() string { return c.Code.UserID }

// Kind implements Caller.
func (CodeDerivedCaller) Kind() string { return "code_derived" }

func (CodeDerivedCaller) isCaller() {}

// resolveCaller asks the identity capability first and falls back to the
// code owner only when the request carries no authenticated user.
func (s *Server) resolveCaller(ctx context.Context, code *storage.AuthorizationCode) Caller {
	if id := s.identity.ResolveIdentity(ctx); id.Authenticated && id.UserID != "" {
		return AuthenticatedCaller{Identity: id}
	}
	return CodeDerivedCaller{Code: code}
}

// resolveUser loads the principal tokens are minted for. Claims come from the
// authenticated identity when there is one, otherwise from the user store.
// A user without stored claims is still a valid principal.
func (s *Server) resolveUser(ctx context.Context, caller Caller) (*storage.User, error) {
	if c, ok := caller.(AuthenticatedCaller); ok && len(c.Identity.Claims) > 0 {
		return &storage.User{ID: c.UserID(), Claims: c.Identity.Claims}, nil
	}
	return s.lookupUser(ctx, caller.UserID())
}

func (s *Server) lookupUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.User{ID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
