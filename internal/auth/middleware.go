package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

// Middleware reads "Authorization: Bearer <token>" and, when valid, stores
// the subject under ContextKeyUserID. Invalid or missing tokens pass through
// unauthenticated; RequireAuth rejects them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
			if userID, err := v.Verify(strings.TrimSpace(raw)); err == nil {
				c.Set(ContextKeyUserID, userID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
