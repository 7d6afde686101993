package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/agentplane/internal/domain/principal"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// tokenCookie is the cookie the dashboard stores its session token in.
const tokenCookie = "token"

// Claims are the bearer token fields the control plane understands.
type Claims struct {
	jwt.RegisteredClaims
	Admin bool   `json:"is_admin"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Sign issues a token for p valid for ttl.
func (v *Verifier) Sign(p *principal.Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: p.Admin,
		Email: p.Email,
		Name:  p.Name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the principal it names.
func (v *Verifier) Verify(token string) (*principal.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	return &principal.Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Admin:  claims.Admin,
	}, nil
}

// Auth returns middleware that validates bearer credentials and stores the
// caller in the request context. When authEnabled is false the built-in
// system principal is injected instead.
func Auth(v *Verifier, authEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authEnabled {
				ctx := principal.NewContext(r.Context(), principal.System())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, err := tokenFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := principal.NewContext(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromRequest looks for a token in the Authorization header, then the
// session cookie, then the ?token= query parameter used by WebSocket clients.
func tokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("invalid authorization header")
		}
		return token, nil
	}
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		token, err := url.QueryUnescape(c.Value)
		if err != nil {
			return "", errors.New("invalid token cookie")
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("authorization required")
}

// RequireAdmin rejects callers that are not administrators.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal.FromContext(r.Context())
		if p == nil {
			http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
			return
		}
		if !p.Admin {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
