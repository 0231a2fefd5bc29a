package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeySubject is where RequireAuth stores the validated token subject.
const ContextKeySubject = "auth_subject"

// RequireAuth is the only gin middleware the admin API needs: every route it
// guards requires a valid bearer token, there being one operator role.
func RequireAuth(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Code, "message": ErrUnauthorized.Message})
			return
		}

		claims, err := manager.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Code, "message": ErrInvalidToken.Message})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}
