package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nexus-iam/authz-core/internal/config"
)

// Claims decodes the upstream gateway's bearer token (spec §6
// Authentication: "attaches {userId, isSuperadmin, profileId} to the
// request"). Grounded on the pack's rag-loader JWTValidator, adapted
// from its {tenant_id, user_id, email, roles} shape to this domain's.
type Claims struct {
	UserID       string `json:"userId"`
	IsSuperadmin bool   `json:"isSuperadmin"`
	ProfileID    string `json:"profileId"`
	jwt.RegisteredClaims
}

// JWTValidator verifies and decodes the bearer token attached by the
// upstream gateway.
type JWTValidator struct {
	secretKey []byte
	audience  string
}

// NewJWTValidator builds a validator over cfg's secret/audience.
func NewJWTValidator(cfg config.AuthConfig) *JWTValidator {
	return &JWTValidator{secretKey: []byte(cfg.JWTSecret), audience: cfg.JWTAudience}
}

// Validate parses and verifies a raw "Bearer <token>" header value.
func (v *JWTValidator) Validate(authHeader string) (*Claims, error) {
	tokenString, err := extractBearerToken(authHeader)
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing userId claim")
	}
	if v.audience != "" && !containsAudience(claims.RegisteredClaims.Audience, v.audience) {
		return nil, fmt.Errorf("token audience does not include %q", v.audience)
	}
	return claims, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

const claimsContextKey = "authz.claims"

// AuthMiddleware decodes and verifies the upstream bearer token,
// storing the resulting Claims in the gin context for handlers and
// RequirePermission to read. A missing token is rejected when
// requireAuth is true and passed through without claims when it is
// false; an invalid token is always rejected, matching the teacher's
// AuthMiddleware rejection shape.
func AuthMiddleware(validator *JWTValidator, requireAuth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if requireAuth {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			} else {
				c.Next()
			}
			return
		}

		claims, err := validator.Validate(authHeader)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// claimsFrom retrieves the decoded token, if AuthMiddleware ran and
// found one.
func claimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// performedBy resolves the actor name appended to every mutation's
// change-history entry, falling back to "system" for unauthenticated
// calls (only reachable when RequireAuth is disabled).
func performedBy(c *gin.Context) string {
	if claims, ok := claimsFrom(c); ok {
		return claims.UserID
	}
	return "system"
}
