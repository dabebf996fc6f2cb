// README: JWT tenant authentication; every /api/v1 route runs behind it.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"fleetfare/internal/types"
)

const (
	ContextTenantID = "tenant_id"
	ContextActorID  = "actor_id"
	ContextRole     = "role"
)

type Claims struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"` // "staff" | "driver" | "passenger"
	jwt.RegisteredClaims
}

// Auth validates the bearer token and stashes the tenant identity on the
// request context. Cross-tenant access is rejected here, not in handlers.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.TenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextTenantID, claims.TenantID)
		c.Set(ContextActorID, claims.ActorID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// TenantID reads the authenticated tenant off the gin context.
func TenantID(c *gin.Context) types.ID {
	return types.ID(c.GetString(ContextTenantID))
}

func ActorID(c *gin.Context) types.ID {
	return types.ID(c.GetString(ContextActorID))
}

func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// RequireRole gates a route group to one role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}
