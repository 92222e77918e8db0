package server

import (
	"context"
	"maps"
)

// Identity is the end user behind a request, as established by the
// authentication layer in front of the server.
type Identity struct {
	Authenticated bool
	UserID        string
	Claims        map[string]any
}

// Anonymous returns the identity of a request without an authenticated user.
func Anonymous() Identity {
	return Identity{}
}

// Authenticated returns the identity of an authenticated user.
func Authenticated(userID string, claims map[string]any) Identity {
	return Identity{
		Authenticated: true,
		UserID:        userID,
		Claims:        maps.Clone(claims),
	}
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or
// Anonymous if there is none. An identity flagged as authenticated without a
// user ID is treated as anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || !id.Authenticated || id.UserID == "" {
		return Anonymous()
	}
	return id
}

// IdentityResolver yields the identity of the current request.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context) Identity
}

// ContextIdentityResolver reads the identity placed in the context by WithIdentity.
type ContextIdentityResolver struct{}

// ResolveIdentity implements IdentityResolver.
func (ContextIdentityResolver) ResolveIdentity(ctx context.Context) Identity {
	return IdentityFromContext(ctx)
}

// IdentityResolverFunc adapts a function to IdentityResolver.
type IdentityResolverFunc func(ctx context.Context) Identity

// ResolveIdentity implements IdentityResolver.
func (f IdentityResolverFunc) ResolveIdentity(ctx context.Context) Identity {
	return f(ctx)
}
