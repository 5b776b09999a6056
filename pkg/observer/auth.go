package observer

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes carried in observer access tokens. Every protected route needs
// ScopeRead; the override listing additionally needs ScopeOverride
// because it names operators and their declared emergencies.
const (
	ScopeRead     = "observer"
	ScopeOverride = "override"
)

// Claims are the token claims the observer surface accepts.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the token grants the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenAuth signs and verifies observer access tokens with a shared
// HS256 secret. A nil *TokenAuth fails closed: every protected route
// answers 401 until a secret is configured.
type TokenAuth struct {
	secret []byte
	now    func() time.Time
}

// NewTokenAuth builds a verifier. An empty secret returns nil, which
// the route guards treat as "authentication not configured".
func NewTokenAuth(secret string) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the validation clock.
func (a *TokenAuth) WithClock(now func() time.Time) *TokenAuth {
	a.now = now
	return a
}

// Issue mints a token for subject with the given scopes and lifetime.
func (a *TokenAuth) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", fmt.Errorf("observer: token auth not configured")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token string.
func (a *TokenAuth) Verify(tokenStr string) (*Claims, error) {
	if a == nil {
		return nil, fmt.Errorf("observer: token auth not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithTimeFunc(a.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("observer: token validation: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("observer: invalid token")
	}
	return claims, nil
}

// Require guards a handler with a scope check. The token arrives as a
// Bearer header, or as a "token" query parameter for websocket clients
// that cannot set headers. Fails closed on a nil receiver.
func (a *TokenAuth) Require(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication not configured")
			return
		}
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing access token")
			return
		}
		claims, err := a.Verify(tokenStr)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
			return
		}
		if claims.Subject == "" {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "token subject is required")
			return
		}
		if !claims.HasScope(scope) {
			writeProblem(w, http.StatusForbidden, "Forbidden", fmt.Sprintf("scope %q required", scope))
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
