package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/ratewarden/common/errors"
)

// AdminClaims are the bearer token claims accepted by AdminAuth
type AdminClaims struct {
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AdminAuth admits requests carrying an HMAC-signed token with an admin role.
func AdminAuth(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("admin_auth")
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			apperrors.DefaultHandler.Unauthorized(c, "admin bearer token required")
			return
		}

		var claims AdminClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			logger.Warn("admin token validation failed", zap.String("client_ip", c.ClientIP()), zap.Error(err))
			apperrors.DefaultHandler.Unauthorized(c, "invalid admin token")
			return
		}

		if !hasAdminRole(claims.Role, claims.Roles) {
			logger.Warn("non-admin user attempted admin access",
				zap.String("subject", claims.Subject),
				zap.String("role", claims.Role))
			apperrors.DefaultHandler.Forbidden(c, "admin role required")
			return
		}

		c.Set(UserIDKey, claims.Subject)
		c.Next()
	}
}

func hasAdminRole(role string, roles []string) bool {
	if isAdminRole(role) {
		return true
	}
	for _, r := range roles {
		if isAdminRole(r) {
			return true
		}
	}
	return false
}

func isAdminRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "super_admin", "administrator", "root":
		return true
	}
	return false
}
