package middleware

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/pkg/response"
)

const operatorKey = "operator"

// AuthMiddleware authenticates API requests with bearer tokens
type AuthMiddleware struct {
	authn *auth.Authenticator
}

func NewAuthMiddleware(authn *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authn: authn}
}

// Authenticate rejects requests without a valid operator token and stores
// the operator for handlers
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		// browsers cannot set headers on a websocket handshake
		if token := c.Query("access_token"); header == "" && token != "" && websocket.IsWebSocketUpgrade(c) {
			header = "Bearer " + token
		}

		op, err := m.authn.Authenticate(header)
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			return response.Unauthorized(c, "Missing or malformed authorization header")
		case errors.Is(err, auth.ErrNotConfigured):
			return response.Unauthorized(c, "Authentication not configured")
		case err != nil:
			return response.Unauthorized(c, "Invalid or expired token")
		}
		SetOperator(c, op)
		return c.Next()
	}
}

// SetOperator stores the authenticated operator on the request
func SetOperator(c *fiber.Ctx, op *auth.Operator) {
	c.Locals(operatorKey, op)
}

// GetOperator returns the authenticated operator, or nil
func GetOperator(c *fiber.Ctx) *auth.Operator {
	op, _ := c.Locals(operatorKey).(*auth.Operator)
	return op
}

// GetUserID returns the authenticated operator's ID
func GetUserID(c *fiber.Ctx) string {
	if op := GetOperator(c); op != nil {
		return op.ID
	}
	return ""
}
