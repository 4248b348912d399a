package server

import (
	"errors"
	"log/slog"

	"socialfeed/internal/models"
	"socialfeed/internal/session"

	"github.com/gofiber/fiber/v2"
)

// GetSession handles GET /api/session
// @Summary Current session
// @Description Returns the signed-in identity
// @Tags session
// @Produce json
// @Success 200 {object} session.Identity
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /session [get]
func (s *Server) GetSession(c *fiber.Ctx) error {
	id, _ := c.Locals("session").(session.Identity)
	return c.JSON(id)
}

// SignOut handles POST /api/session/signout
// @Summary Sign out
// @Description Revokes the bearer token until it expires and closes the caller's live views
// @Tags session
// @Success 204
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /session/signout [post]
func (s *Server) SignOut(c *fiber.Ctx) error {
	token, _ := c.Locals("token").(string)
	if token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Sign-out requires a bearer token"))
	}
	if err := s.sessions.SignOut(c.UserContext(), token); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}

	// Live views opened on this instance end with the session.
	who := identity(c)
	closed := s.feedHub.DisconnectUser(who, "signed out") + s.profileHub.DisconnectUser(who, "signed out")
	if closed > 0 {
		slog.InfoContext(c.UserContext(), "closed live views on sign-out", slog.Int("connections", closed))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// IssueWSTicket handles POST /api/ws/ticket
// @Summary WebSocket ticket
// @Description Issues a single-use ticket for one WebSocket upgrade
// @Tags session
// @Produce json
// @Success 200 {object} object{ticket=string,expires_in=int}
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ticket, err := s.sessions.IssueTicket(c.UserContext(), identity(c))
	if errors.Is(err, session.ErrTicketsUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: "Live updates unavailable",
			Code:  models.CodeSubscription,
		})
	}
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(session.TicketTTL.Seconds()),
	})
}

// GetFeatureFlags handles GET /api/feature-flags
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	return c.JSON(s.featureFlags.Snapshot(identity(c)))
}
