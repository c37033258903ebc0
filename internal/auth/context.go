// Package auth carries the authenticated session identity through request
// contexts. Sessions are provisioned by the main site's login flow; this
// service only validates tokens.
package auth

import "context"

type contextKey struct{}

// Identity is the authenticated caller.
type Identity struct {
	UserID    string
	Email     string
	SessionID int64
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the identity, if one was set.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
