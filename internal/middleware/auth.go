// auth.go provides bearer-token authentication for the API. Tokens are HS256
// JWTs minted by operator tooling; the engine only verifies them. Admin-only
// endpoints additionally require the admin claim.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contracthub/audit-engine/internal/auth"
)

const (
	// ActorIDKey is the gin.Context key holding the authenticated actor id
	ActorIDKey = "actor_id"
	// AdminKey is the gin.Context key holding the admin flag
	AdminKey = "is_admin"
)

// AuthMiddleware validates the Authorization bearer token and stores the
// actor identity in the request context. When verifier is nil (auth disabled
// in config) every request passes with no identity set.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := verifier.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(ActorIDKey, claims.ActorID)
		c.Set(AdminKey, claims.Admin)

		c.Next()
	}
}

// RequireAdmin gates admin-only endpoints on the admin claim. It must run
// after AuthMiddleware. When auth is disabled the gate is open; that
// combination is for local development only.
func RequireAdmin(authEnabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authEnabled {
			c.Next()
			return
		}

		if isAdmin, _ := c.Get(AdminKey); isAdmin != true {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin privileges required",
			})
			return
		}

		c.Next()
	}
}
