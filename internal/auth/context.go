package auth

import (
	"context"
)

type contextKey string

const authContextKey contextKey = "auth"

// WithContext adds an AuthContext to the context
func WithContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// FromContext retrieves the AuthContext from the context, or nil
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// CanWrite reports whether the request behind ctx may change task state
func CanWrite(ctx context.Context) bool {
	return FromContext(ctx).CanWrite()
}
