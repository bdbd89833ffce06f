// Package jwtmw provides JWT issuance and verification for both the HTTP
// API and the websocket connect credential.
package jwtmw

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EnvKeyJWTSecret is the environment variable holding the signing secret.
const EnvKeyJWTSecret = "JWT_SECRET"

// Generator mints signed tokens. Defined here next to the verifier so the
// claim layout has a single owner.
type Generator interface {
	GenerateToken(userID uint, email string) (string, error)
}

type generator struct {
	secret     []byte
	expiration time.Duration
}

// NewGenerator returns a HS256 Generator. The secret must match what
// VerifyToken reads from the environment.
func NewGenerator(secret string, expiration time.Duration) Generator {
	return &generator{secret: []byte(secret), expiration: expiration}
}

func (g *generator) GenerateToken(userID uint, email string) (string, error) {
	if len(g.secret) == 0 {
		return "", errors.New("signing secret is empty")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(g.expiration).Unix(),
	})

	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
