// Package security carries the acting principal through request contexts.
package security

import (
	"context"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal identifies the actor behind a request for audit purposes.
type Principal struct {
	Kind string // "user" or "system"
	ID   string
}

// Anonymous is the fallback principal when no security context is present.
var Anonymous = Principal{Kind: "user", ID: "anonymous"}

// String renders the normalized audit form, e.g. "user:alice" or
// "system:batch-loader".
func (p Principal) String() string {
	kind := p.Kind
	if kind == "" {
		kind = "user"
	}
	id := p.ID
	if id == "" {
		id = "anonymous"
	}
	return kind + ":" + id
}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the principal, falling back to Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey).(Principal); ok {
		return p
	}
	return Anonymous
}
