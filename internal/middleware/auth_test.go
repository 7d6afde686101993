package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/agentplane/internal/domain/principal"
	"github.com/Strob0t/agentplane/internal/middleware"
)

const testSecret = "test-secret-key-for-middleware"

func signToken(t *testing.T, p *principal.Principal, ttl time.Duration) string {
	t.Helper()
	token, err := middleware.NewVerifier(testSecret).Sign(p, ttl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

// capture records the principal seen by the wrapped handler.
func capture(got **principal.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = principal.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_Disabled_InjectsSystem(t *testing.T) {
	var got *principal.Principal
	handler := middleware.Auth(nil, false)(capture(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p/agents", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || !got.System || !got.Admin {
		t.Errorf("expected system principal, got %+v", got)
	}
}

func TestAuth_Enabled(t *testing.T) {
	v := middleware.NewVerifier(testSecret)
	admin := &principal.Principal{UserID: "user-1", Email: "a@example.com", Name: "Ada", Admin: true}
	valid := signToken(t, admin, time.Hour)
	expired := signToken(t, admin, -time.Minute)

	other, err := middleware.NewVerifier("another-secret").Sign(admin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1", "is_admin": true, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		path     string
		wantCode int
	}{
		{"no credentials", func(*http.Request) {}, "/api/v1/x", http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, "/api/v1/x", http.StatusOK},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", valid) }, "/api/v1/x", http.StatusUnauthorized},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, "/api/v1/x", http.StatusUnauthorized},
		{"wrong secret", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+other) }, "/api/v1/x", http.StatusUnauthorized},
		{"alg none", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+none) }, "/api/v1/x", http.StatusUnauthorized},
		{"cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "token", Value: url.QueryEscape(valid)})
		}, "/api/v1/x", http.StatusOK},
		{"query", func(*http.Request) {}, "/ws?token=" + valid, http.StatusOK},
		{"public path", func(*http.Request) {}, "/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *principal.Principal
			handler := middleware.Auth(v, true)(capture(&got))

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusOK && tt.path != "/health" {
				if got == nil || got.UserID != "user-1" || !got.Admin || got.Email != "a@example.com" {
					t.Errorf("unexpected principal %+v", got)
				}
				if got.System {
					t.Error("token principal must not be the system principal")
				}
			}
		})
	}
}

func TestVerifyRequiresSubject(t *testing.T) {
	v := middleware.NewVerifier(testSecret)
	token := signToken(t, &principal.Principal{Admin: true}, time.Hour)
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for token without subject")
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		p        *principal.Principal
		wantCode int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"member", &principal.Principal{UserID: "u"}, http.StatusForbidden},
		{"admin", &principal.Principal{UserID: "u", Admin: true}, http.StatusOK},
		{"system", principal.System(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := middleware.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.p != nil {
				req = req.WithContext(principal.NewContext(req.Context(), tt.p))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}
