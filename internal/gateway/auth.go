package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// authContextKey is the context key type for the authenticated principal.
type authContextKey struct{}

// Principal identifies an authenticated caller.
type Principal struct {
	// Subject is the JWT subject, or "token" for the static bearer token.
	Subject string
	Method  string
}

// AuthMiddleware accepts a static bearer token, an HS256 JWT, or both.
type AuthMiddleware struct {
	token  string
	secret []byte
	issuer string
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{token: cfg.Token, issuer: cfg.JWTIssuer}
	if cfg.JWTSecret != "" {
		am.secret = []byte(cfg.JWTSecret)
	}
	return am
}

func (am *AuthMiddleware) enabled() bool {
	return am.token != "" || len(am.secret) > 0
}

// Wrap wraps an http.Handler with bearer authentication. With no scheme
// configured every request passes.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ExtractBearer(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := am.Authenticate(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate checks raw against the static token first, then as a JWT.
func (am *AuthMiddleware) Authenticate(raw string) (Principal, error) {
	if am.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(am.token)) == 1 {
		return Principal{Subject: "token", Method: "token"}, nil
	}
	if len(am.secret) == 0 {
		return Principal{}, errors.New("token mismatch")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if am.issuer != "" {
		opts = append(opts, jwt.WithIssuer(am.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return am.secret, nil
	}, opts...); err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Method: "jwt"}, nil
}

// ExtractBearer returns the bearer token from the Authorization header, or
// from the access_token query parameter for WebSocket and EventSource clients
// that cannot set headers.
func ExtractBearer(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.URL.Query().Get("access_token")
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(authContextKey{}).(Principal)
	return p, ok
}
