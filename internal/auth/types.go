// Package auth guards the gateway with bearer tokens and per-token rate
// limits.
package auth

import (
	"time"
)

// Token is an API token. The secret itself is never stored or returned
// after creation.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants
const (
	// ScopeOperator may submit and cancel tasks
	ScopeOperator = "operator"
	// ScopeViewer may only read status, events and history
	ScopeViewer = "viewer"
)

// ValidScope reports whether scope is a known scope
func ValidScope(scope string) bool {
	return scope == ScopeOperator || scope == ScopeViewer
}

// Expired reports whether the token is past its expiry at now
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// AuthType represents how a request was authenticated
type AuthType int

const (
	AuthTypeToken AuthType = iota
	// AuthTypeAnonymous is used when authentication is disabled
	AuthTypeAnonymous
)

// AuthContext holds authentication information for a request
type AuthContext struct {
	Type  AuthType
	Token *Token
}

// anonymousContext grants operator rights to unauthenticated requests
var anonymousContext = &AuthContext{
	Type:  AuthTypeAnonymous,
	Token: &Token{ID: "anonymous", Name: "anonymous", Scope: ScopeOperator},
}

// CanWrite reports whether the caller may submit or cancel tasks
func (a *AuthContext) CanWrite() bool {
	if a == nil || a.Token == nil {
		return false
	}
	return a.Token.Scope == ScopeOperator
}

// Subject names the caller for logs and rate limiting
func (a *AuthContext) Subject() string {
	if a == nil || a.Token == nil {
		return ""
	}
	return a.Token.ID
}
