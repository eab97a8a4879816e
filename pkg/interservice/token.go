// Package interservice implements the private protocol between the registry
// and the collector: short-lived HS256 bearer tokens derived from the shared
// master secret, and a typed HTTP client for the collector's internal
// endpoints. Neither side ever exchanges the master secret itself; both
// derive the same signing key independently.
package interservice

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
)

const (
	// authInfo is the HKDF info string both services derive the signing
	// key from. Changing it invalidates every outstanding token.
	authInfo = "internal-auth"

	tokenIssuer = "quasar"
	tokenTTL    = 60 * time.Second
)

// TokenSource mints and verifies the bearer tokens both services use on
// internal calls. The signing key is derived, never stored.
type TokenSource struct {
	key     []byte
	service string
	now     func() time.Time
}

// NewTokenSource derives the signing key from the shared secrets context.
// service names the caller and becomes the token subject.
func NewTokenSource(sec *secrets.Context, service string) *TokenSource {
	return &TokenSource{
		key:     sec.DeriveKey(authInfo),
		service: service,
		now:     time.Now,
	}
}

// Mint returns a fresh token valid for 60 seconds. Tokens are minted per
// request; there is no refresh flow.
func (ts *TokenSource) Mint() (string, error) {
	now := ts.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   ts.service,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("interservice: token signing failed: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token string against the derived key.
func (ts *TokenSource) Verify(tokenStr string) error {
	token, err := jwt.Parse(tokenStr,
		func(t *jwt.Token) (any, error) { return ts.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return ts.now() }),
	)
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// Middleware rejects requests that do not carry a valid internal bearer
// token. Applied to every /internal/ route; there are no public paths on
// that surface.
func (ts *TokenSource) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httpapi.WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httpapi.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if err := ts.Verify(parts[1]); err != nil {
			httpapi.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
