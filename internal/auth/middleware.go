package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// Middleware authenticates requests with a Bearer token
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			secret := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			token, err := v.ValidateToken(r.Context(), secret)
			if err != nil {
				logger.WarnContext(r.Context(), "token validation failed", "token", maskToken(secret), "error", err)
				msg := "Invalid or expired token"
				if !errors.Is(err, ErrTokenNotFound) && !errors.Is(err, ErrTokenExpired) && !errors.Is(err, ErrInvalidToken) {
					msg = "Token validation unavailable"
				}
				jsonError(w, msg, http.StatusUnauthorized)
				return
			}

			ctx := WithContext(r.Context(), &AuthContext{Type: AuthTypeToken, Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Anonymous marks every request as an operator; used when auth is disabled
func Anonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), anonymousContext)))
	})
}

// RequireWrite rejects callers whose scope is read-only
func RequireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CanWrite(r.Context()) {
			jsonError(w, "Token scope does not allow this operation", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func maskToken(secret string) string {
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
