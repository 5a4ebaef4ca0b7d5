package providers

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token is unknown, malformed or expired.
var ErrInvalidToken = errors.New("invalid token")

type AuthProvider interface {
	VerifyToken(ctx context.Context, idToken string) (*TokenClaims, error)
}

type TokenClaims struct {
	UID string `json:"uid"`
}
