package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/internal/config"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTValidator_ValidateSucceeds(t *testing.T) {
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	token := signToken(t, "s3cret", Claims{UserID: "user-1", IsSuperadmin: true, ProfileID: "profile-1"})

	claims, err := v.Validate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, claims.IsSuperadmin)
	assert.Equal(t, "profile-1", claims.ProfileID)
}

func TestJWTValidator_ValidateRejectsWrongSecret(t *testing.T) {
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	token := signToken(t, "other-secret", Claims{UserID: "user-1"})

	_, err := v.Validate("Bearer " + token)
	assert.Error(t, err)
}

func TestJWTValidator_ValidateRejectsMissingUserID(t *testing.T) {
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	token := signToken(t, "s3cret", Claims{ProfileID: "profile-1"})

	_, err := v.Validate("Bearer " + token)
	assert.Error(t, err)
}

func TestJWTValidator_ValidateRejectsMalformedHeader(t *testing.T) {
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})

	_, err := v.Validate("not-a-bearer-token")
	assert.Error(t, err)
}

func TestJWTValidator_ValidateRejectsWrongAudience(t *testing.T) {
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret", JWTAudience: "authz-core"})
	claims := Claims{UserID: "user-1"}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"other-service"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := signToken(t, "s3cret", claims)

	_, err := v.Validate("Bearer " + token)
	assert.Error(t, err)
}

func TestAuthMiddleware_RejectsMissingTokenWhenRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	router := gin.New()
	router.Use(AuthMiddleware(v, true))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_AllowsMissingTokenWhenNotRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	router := gin.New()
	router.Use(AuthMiddleware(v, false))
	router.GET("/test", func(c *gin.Context) {
		_, ok := claimsFrom(c)
		assert.False(t, ok)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_SetsClaimsOnValidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewJWTValidator(config.AuthConfig{JWTSecret: "s3cret"})
	token := signToken(t, "s3cret", Claims{UserID: "user-1", ProfileID: "profile-1"})

	router := gin.New()
	router.Use(AuthMiddleware(v, true))
	router.GET("/test", func(c *gin.Context) {
		claims, ok := claimsFrom(c)
		require.True(t, ok)
		assert.Equal(t, "user-1", claims.UserID)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
