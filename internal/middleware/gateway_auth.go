package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/pkg/response"
)

// Identity headers set by /auth/verify and forwarded by the gateway
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderUserRoles = "X-User-Roles"
)

// GatewayAuthMiddleware trusts the operator identity forwarded by Traefik
// ForwardAuth. adminRole in X-User-Roles grants access to every batch.
func GatewayAuthMiddleware(adminRole string) fiber.Handler {
	if adminRole == "" {
		adminRole = auth.DefaultAdminRole
	}
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		op := &auth.Operator{
			ID:    userID,
			Email: c.Get(HeaderUserEmail),
			Name:  c.Get(HeaderUserName),
			Roles: auth.ParseRoles(c.Get(HeaderUserRoles)),
		}
		op.Admin = op.HasRole(adminRole)
		SetOperator(c, op)
		return c.Next()
	}
}
