package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubValidator struct {
	tokens map[string]*Token
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, secret string) (*Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	tok, ok := s.tokens[secret]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

func okHandler(t *testing.T, wantScope string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			t.Error("expected auth context to be set")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if authCtx.Token.Scope != wantScope {
			t.Errorf("scope = %v, want %v", authCtx.Token.Scope, wantScope)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	v := &stubValidator{tokens: map[string]*Token{
		"agb_op":   {ID: "op", Scope: ScopeOperator},
		"agb_view": {ID: "view", Scope: ScopeViewer},
	}}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer agb_op", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic agb_op", http.StatusUnauthorized},
		{"unknown token", "Bearer agb_nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(v)(okHandler(t, ScopeOperator)).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %v, want %v", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
					t.Errorf("expected JSON error body, got %q (%v)", rec.Body.String(), err)
				}
			}
		})
	}
}

func TestMiddleware_ValidatorFailure(t *testing.T) {
	v := &stubValidator{err: errors.New("database is locked")}
	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer agb_anything")
	rec := httptest.NewRecorder()

	Middleware(v)(okHandler(t, ScopeOperator)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", rec.Code)
	}
}

func TestRequireWrite(t *testing.T) {
	v := &stubValidator{tokens: map[string]*Token{
		"agb_op":   {ID: "op", Scope: ScopeOperator},
		"agb_view": {ID: "view", Scope: ScopeViewer},
	}}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := Middleware(v)(RequireWrite(final))

	for secret, want := range map[string]int{"agb_op": http.StatusNoContent, "agb_view": http.StatusForbidden} {
		req := httptest.NewRequest("POST", "/", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+secret)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("%s: status = %v, want %v", secret, rec.Code, want)
		}
	}
}

func TestAnonymous(t *testing.T) {
	rec := httptest.NewRecorder()
	Anonymous(okHandler(t, ScopeOperator)).ServeHTTP(rec, httptest.NewRequest("GET", "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"short", "***"},
		{"agb_0123456789abcdef", "agb_0123...cdef"},
	}
	for _, tt := range tests {
		if got := maskToken(tt.in); got != tt.want {
			t.Errorf("maskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
