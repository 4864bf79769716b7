package mcp

import "github.com/HyphaGroup/agentbridge/internal/auth"

// ToolAccess defines the access level required for a tool
type ToolAccess string

const (
	// AccessRead - observes task state
	AccessRead ToolAccess = "read"
	// AccessWrite - submits or cancels tasks
	AccessWrite ToolAccess = "write"
)

// IsToolAllowed reports whether the caller may invoke tool
func IsToolAllowed(tool *ToolDef, authCtx *auth.AuthContext) bool {
	return isAllowed(tool.Access, authCtx)
}

func isAllowed(access ToolAccess, authCtx *auth.AuthContext) bool {
	if authCtx == nil {
		return false
	}
	if access == AccessWrite {
		return authCtx.CanWrite()
	}
	return true
}
