package auth

import (
	"net/http"
	"strings"
	"time"

	"calltrack/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AccessTokenParam carries the token for clients that cannot set headers,
// such as a browser EventSource following a transcript stream.
const AccessTokenParam = "access_token"

// bearerToken prefers the Authorization header and falls back to the query.
func bearerToken(c *gin.Context) (string, bool) {
	if h := strings.TrimSpace(c.GetHeader("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		tok = strings.TrimSpace(tok)
		return tok, tok != ""
	}
	if c.Request.Method == http.MethodGet {
		if tok := strings.TrimSpace(c.Query(AccessTokenParam)); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// RequireToken verifies the caller's JWT and stores the Identity on the
// request context. Role checks are left to internal/rbac.
func RequireToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			logger.FromGin(c).Info("token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{Subject: claims.Subject, Role: claims.Role}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		logger.Annotate(c, "subject", id.Subject, "role", id.Role)
		c.Next()
	}
}
