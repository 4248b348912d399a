package server

import (
	"errors"
	"strings"

	"socialfeed/internal/middleware"
	"socialfeed/internal/models"
	"socialfeed/internal/session"

	"github.com/gofiber/fiber/v2"
)

// AuthRequired resolves the session from a WebSocket ticket or a Bearer token
// and stores the identity in locals and the user context.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		isWSPath := strings.HasPrefix(path, "/api/ws/") && path != "/api/ws/ticket"

		// 1. WebSocket ticket; redeeming deletes it
		if ticket := c.Query("ticket"); ticket != "" {
			id, err := s.sessions.RedeemTicket(c.UserContext(), ticket)
			if err == nil {
				return s.authenticated(c, id, "")
			}
			if isWSPath {
				return models.RespondWithError(c, fiber.StatusUnauthorized,
					models.NewUnauthorizedError("Invalid or expired WebSocket ticket"))
			}
		}

		// 2. Bearer token; query tokens are refused on WebSocket paths
		token := bearerToken(c)
		if token == "" && !isWSPath {
			token = c.Query("token")
		}
		if token == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		id, err := s.sessions.Resolve(c.UserContext(), token)
		if err != nil {
			msg := "Invalid or expired token"
			if errors.Is(err, session.ErrRevoked) {
				msg = "Token has been revoked"
			}
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(msg))
		}
		return s.authenticated(c, id, token)
	}
}

func (s *Server) authenticated(c *fiber.Ctx, id session.Identity, token string) error {
	c.Locals("identity", id.Email)
	c.Locals("session", id)
	if token != "" {
		c.Locals("token", token)
	}
	c.SetUserContext(middleware.WithIdentity(c.UserContext(), id.Email))
	return c.Next()
}

func bearerToken(c *fiber.Ctx) string {
	parts := strings.SplitN(c.Get(fiber.HeaderAuthorization), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// identity returns the signed-in email set by AuthRequired.
func identity(c *fiber.Ctx) string {
	who, _ := c.Locals("identity").(string)
	return who
}
