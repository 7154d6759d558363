package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SharedSecret guards the admin API endpoints. When a secret is configured,
// requests must carry "Authorization: token <secret>". An empty secret
// disables the check entirely.
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(auth, "token ")
		if !found || token != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
