package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/internal/middleware"
)

// AuthHandler answers Traefik ForwardAuth checks
type AuthHandler struct {
	authn *auth.Authenticator
}

func NewAuthHandler(authn *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authn: authn}
}

// Verify handles GET /auth/verify. On success the operator identity goes
// back as X-User-* headers for the gateway to forward.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	op, err := h.authn.Authenticate(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set(middleware.HeaderUserID, op.ID)
	c.Set(middleware.HeaderUserEmail, op.Email)
	c.Set(middleware.HeaderUserName, op.Name)
	c.Set(middleware.HeaderUserRoles, strings.Join(op.Roles, ","))
	return c.SendStatus(fiber.StatusOK)
}
