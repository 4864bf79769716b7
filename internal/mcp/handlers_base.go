package mcp

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/agentbridge/internal/auth"
)

// requireAuth extracts auth context and returns error if missing
func requireAuth(ctx context.Context) (*auth.AuthContext, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, fmt.Errorf("authentication required")
	}
	return authCtx, nil
}

// requireWriteAccess checks if auth context can perform write operations
func requireWriteAccess(ctx context.Context) (*auth.AuthContext, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !authCtx.CanWrite() {
		return nil, fmt.Errorf("read-only access, write operations not permitted")
	}
	return authCtx, nil
}
