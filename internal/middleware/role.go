package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/aura-events/backend/internal/models"
	"github.com/aura-events/backend/pkg/response"
)

// OperatorRole returns the role JWT stored for this request.
func OperatorRole(c *gin.Context) (models.Role, bool) {
	v, ok := c.Get(ContextUserRole)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return models.Role(s), s != ""
}

// RequireRole admits back-office operators holding one of roles. A token
// carrying a role this build does not know is refused outright.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := OperatorRole(c)
		switch {
		case !ok:
			response.Unauthorized(c, "operator token required")
		case !role.Valid():
			response.Forbidden(c, "unknown operator role")
		case !slices.Contains(roles, role):
			response.Forbidden(c, "role "+string(role)+" may not use this endpoint")
		default:
			c.Next()
			return
		}
		c.Abort()
	}
}
