package jwtmw

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ContextUserID = "userID"

// ErrInvalidToken is returned when a presented credential fails verification.
var ErrInvalidToken = errors.New("invalid token")

// VerifyToken parses and verifies a signed token string and returns the
// user ID claim. It is used directly by the websocket connect path, where
// the credential arrives as a query parameter instead of a header.
func VerifyToken(tokenStr string) (uint, error) {
	secret := os.Getenv(EnvKeyJWTSecret)
	if secret == "" {
		return 0, errors.New("server misconfigured: JWT_SECRET not set")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		// Check signing algorithm (only HMAC allowed)
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	sub, ok := claims["sub"].(float64) // JWT numbers are decoded as float64
	if !ok {
		return 0, ErrInvalidToken
	}
	return uint(sub), nil
}

// AuthRequired returns a Gin middleware function that validates JWT tokens
// and restricts access to authenticated users only.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")

		userID, err := VerifyToken(tokenStr)
		if err != nil {
			if strings.Contains(err.Error(), "misconfigured") {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server misconfigured"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}
