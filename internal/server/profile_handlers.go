package server

import (
	"socialfeed/internal/models"
	"socialfeed/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetProfile handles GET /api/profile
// @Summary My profile
// @Description Display name, bio, avatar initial, posts and stats of the signed-in user
// @Tags profile
// @Produce json
// @Success 200 {object} service.ProfileSnapshot
// @Security BearerAuth
// @Router /profile [get]
func (s *Server) GetProfile(c *fiber.Ctx) error {
	page, err := s.profiles.Get(c.UserContext(), identity(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// UpdateProfile handles PUT /api/profile
// @Summary Update my profile
// @Description Creates a profile-update post and copies the values onto the latest posts
// @Tags profile
// @Accept json
// @Produce json
// @Param request body service.ProfileFields true "Profile"
// @Success 200 {object} service.ProfileFields
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /profile [put]
func (s *Server) UpdateProfile(c *fiber.Ctx) error {
	var req service.ProfileFields
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	saved, err := s.profiles.Update(c.UserContext(), identity(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(saved)
}
