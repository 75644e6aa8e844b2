package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// userIDKey is the gin context key under which the auth middleware stores
// the authenticated subject.
const userIDKey = "auth.user_id"

// tokenClaims is the bearer token payload: subject, expiry, issued-at.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and verifies the gateway's bearer tokens.
type TokenManager struct {
	secret []byte
	expiry time.Duration
}

// NewTokenManager creates a token manager from the auth configuration.
func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	return &TokenManager{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.TokenDurationTime(),
	}
}

// Issue creates a signed token for the given subject.
func (m *TokenManager) Issue(subject string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify parses and validates a token, returning its subject.
func (m *TokenManager) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}

// AuthRequired rejects requests without a valid Authorization bearer token.
func AuthRequired(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, apperrors.Unauthorized("missing authorization header"))
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			abortUnauthorized(c, apperrors.Unauthorized("authorization header must be a bearer token"))
			return
		}

		subject, err := tokens.Verify(raw)
		if err != nil {
			abortUnauthorized(c, apperrors.Unauthorized(err.Error()))
			return
		}
		c.Set(userIDKey, subject)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}

// UserID returns the authenticated subject, or "" on unauthenticated routes.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
