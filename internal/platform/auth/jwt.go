// Package auth provides the production AuthVerifier: HS256 JWT validation
// resolving the subject claim to a user id. Token issuance lives elsewhere;
// this package only checks what it is handed.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// JWTVerifier validates HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the token and returns its subject. All
// failures are ErrAuth class: terminal for the connection attempt, never
// auto-retried.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", chatsync.ErrAuth, err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: token has no subject", chatsync.ErrAuth)
	}
	return subject, nil
}
