package rbac

import (
	"net/http"

	"calltrack/internal/auth"
	"calltrack/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Require admits callers whose role holds p. It must run after
// auth.RequireToken.
func Require(p Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Can(id.Role, p) {
			logger.FromGin(c).Warn("permission denied", "permission", string(p))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":      "forbidden",
				"permission": p,
			})
			return
		}
		c.Next()
	}
}
