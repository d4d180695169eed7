package middleware

import (
	"net/http"
	"strings"

	"labdrive/utils"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Authorization token required", nil)
			c.Abort()
			return
		}

		claims, err := utils.VerifyJWTToken(token, jwtSecret)
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Invalid or expired token", nil)
			c.Abort()
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("name", claims.Name)
		c.Set("root", claims.Root)

		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// RequireRoot gates site-level operations (group creation, gear
// registration) to root principals.
func RequireRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		if root, ok := c.Get("root"); !ok || root != true {
			utils.ErrorResponse(c, http.StatusForbidden, "Insufficient privileges", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
