package api

import (
	"context"
)

// didContextKey is the context key for the authenticated identity.
type didContextKey struct{}

// WithDID returns a new context carrying the authenticated DID.
func WithDID(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, didContextKey{}, did)
}

// DIDFromContext extracts the authenticated DID, or "" if none.
func DIDFromContext(ctx context.Context) string {
	did, _ := ctx.Value(didContextKey{}).(string)
	return did
}
