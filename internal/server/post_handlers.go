package server

import (
	"strings"

	"socialfeed/internal/models"
	"socialfeed/internal/service"

	"github.com/gofiber/fiber/v2"
)

type createPostRequest struct {
	Text     string `json:"text" form:"text"`
	ImageURL string `json:"image_url" form:"image_url"`
}

type likeRequest struct {
	Likes *int `json:"likes"`
}

type replyRequest struct {
	Text string `json:"text"`
}

// GetPosts handles GET /api/posts
// @Summary Feed
// @Description All posts newest first, each with its replies oldest first
// @Tags posts
// @Produce json
// @Success 200 {object} service.FeedSnapshot
// @Security BearerAuth
// @Router /posts [get]
func (s *Server) GetPosts(c *fiber.Ctx) error {
	feed, err := s.posts.Feed(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(feed)
}

// CreatePost handles POST /api/posts
// @Summary Create post
// @Description JSON body, or multipart form with text, image_url and an "image" file
// @Tags posts
// @Accept json,mpfd
// @Produce json
// @Success 201 {object} models.Post
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts [post]
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req createPostRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	in := service.CreatePostInput{Author: identity(c), Text: req.Text, ImageURL: req.ImageURL}
	if isMultipart(c) {
		if fh, err := c.FormFile("image"); err == nil {
			file, err := readImage(fh, s.config.ImageMaxBytes)
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Could not read image"))
			}
			in.File = file
		}
	}

	post, err := s.posts.CreatePost(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// PreviewImage handles POST /api/posts/preview
// @Summary Image preview
// @Description Validates an "image" upload and returns a small preview data URI
// @Tags posts
// @Accept mpfd
// @Produce json
// @Success 200 {object} object{preview=string}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/preview [post]
func (s *Server) PreviewImage(c *fiber.Ctx) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Please select an image file"))
	}
	file, err := readImage(fh, s.config.ImageMaxBytes)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Could not read image"))
	}
	preview, err := s.posts.PreviewImage(identity(c), file)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"preview": preview})
}

// LikePost handles POST /api/posts/:id/like
// @Summary Like post
// @Description Stores the like count the client saw plus one
// @Tags posts
// @Accept json
// @Param id path string true "Post ID"
// @Param request body object{likes=int} true "Like count as displayed"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/{id}/like [post]
func (s *Server) LikePost(c *fiber.Ctx) error {
	var req likeRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.Likes == nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Current like count is required"))
	}

	if err := s.posts.Like(c.UserContext(), identity(c), c.Params("id"), *req.Likes); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CreateReply handles POST /api/posts/:id/replies
// @Summary Reply to post
// @Tags posts
// @Accept json
// @Produce json
// @Param id path string true "Post ID"
// @Param request body object{text=string} true "Reply"
// @Success 201 {object} models.Reply
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/{id}/replies [post]
func (s *Server) CreateReply(c *fiber.Ctx) error {
	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	reply, err := s.posts.Reply(c.UserContext(), identity(c), c.Params("id"), req.Text)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reply)
}

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm)
}
