package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestTokens(durationSeconds int) *TokenManager {
	return NewTokenManager(config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenDuration: durationSeconds,
	})
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := newTestTokens(3600)

	token, err := tokens.Issue("user-42")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	// A negative duration issues tokens that are already expired.
	tokens := newTestTokens(-60)

	token, err := tokens.Issue("user-42")
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	assert.ErrorContains(t, err, "invalid token")
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer := NewTokenManager(config.AuthConfig{JWTSecret: "secret-a", TokenDuration: 3600})
	verifier := NewTokenManager(config.AuthConfig{JWTSecret: "secret-b", TokenDuration: 3600})

	token, err := issuer.Issue("user-42")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-42"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tokens := newTestTokens(3600)
	_, err = tokens.Verify(raw)
	assert.Error(t, err)
}

func TestVerifyRejectsEmptySubject(t *testing.T) {
	tokens := newTestTokens(3600)

	token, err := tokens.Issue("")
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	assert.ErrorContains(t, err, "invalid token claims")
}

func authTestRouter(tokens *TokenManager) *gin.Engine {
	router := gin.New()
	api := router.Group("/api/v1", AuthRequired(tokens))
	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	return router
}

func TestAuthRequired(t *testing.T) {
	tokens := newTestTokens(3600)
	router := authTestRouter(tokens)

	token, err := tokens.Issue("user-42")
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not a bearer token", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeUnauthorized))
			}
		})
	}
}

func TestAuthRequiredExposesSubject(t *testing.T) {
	tokens := newTestTokens(3600)
	router := authTestRouter(tokens)

	token, err := tokens.Issue("user-42")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"user-42"}`, w.Body.String())
}
