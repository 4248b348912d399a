package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"socialfeed/internal/models"
	"socialfeed/internal/repository"
	"socialfeed/internal/validation"
)

// ComposerState is what the compose form shows.
type ComposerState struct {
	Text       string `json:"text"`
	ImageURL   string `json:"image_url"`
	FileName   string `json:"file_name,omitempty"`
	Preview    string `json:"preview,omitempty"`
	Submitting bool   `json:"submitting"`
}

// Composer holds one user's unsent post. A remote image URL and a selected
// file are mutually exclusive; choosing one clears the other.
type Composer struct {
	posts    repository.PostRepository
	encoder  *ImageEncoder
	maxBytes int64
	author   string

	mu         sync.Mutex
	text       string
	imageURL   string
	file       *ImageFile
	preview    string
	submitting bool
}

func NewComposer(posts repository.PostRepository, encoder *ImageEncoder, maxBytes int64, author string) *Composer {
	if encoder == nil {
		encoder = NewImageEncoder()
	}
	if maxBytes <= 0 {
		maxBytes = validation.DefaultImageMaxBytes
	}
	return &Composer{posts: posts, encoder: encoder, maxBytes: maxBytes, author: author}
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

func (c *Composer) SetImageURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imageURL = url
	c.file = nil
	c.preview = ""
}

// SelectFile validates and attaches an uploaded image. Oversized and
// non-image files are rejected before anything is decoded.
func (c *Composer) SelectFile(file *ImageFile) error {
	return c.attachFile(file, true)
}

// attachFile is SelectFile with the preview optional; a form submitted in
// one request never shows it.
func (c *Composer) attachFile(file *ImageFile, withPreview bool) error {
	if file == nil {
		return models.NewValidationError("Please select an image file")
	}
	size := file.Size
	if size == 0 {
		size = int64(len(file.Content))
	}
	if err := validation.ValidateImageFile(size, file.ContentType, c.maxBytes); err != nil {
		return models.NewValidationError(err.Error())
	}

	var preview string
	if withPreview {
		preview = c.encoder.Preview(file)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.file = file
	c.imageURL = ""
	c.preview = preview
	return nil
}

// RemoveImage clears the URL, the selected file and its preview.
func (c *Composer) RemoveImage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imageURL = ""
	c.file = nil
	c.preview = ""
}

func (c *Composer) State() ComposerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := ComposerState{
		Text:       c.text,
		ImageURL:   c.imageURL,
		Preview:    c.preview,
		Submitting: c.submitting,
	}
	if c.file != nil {
		state.FileName = c.file.Name
	}
	return state
}

// Submit creates the post. On success the form is reset; on failure every
// input is kept for a retry.
func (c *Composer) Submit(ctx context.Context) (*models.Post, error) {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return nil, models.NewValidationError("A post is already being submitted")
	}
	text := strings.TrimSpace(c.text)
	imageURL := strings.TrimSpace(c.imageURL)
	file := c.file
	if err := validation.ValidatePostContent(text, imageURL != "" || file != nil); err != nil {
		c.mu.Unlock()
		return nil, models.NewValidationError(err.Error())
	}
	c.submitting = true
	c.mu.Unlock()

	post, err := c.create(ctx, text, imageURL, file)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitting = false
	if err != nil {
		return nil, err
	}
	c.text = ""
	c.imageURL = ""
	c.file = nil
	c.preview = ""
	return post, nil
}

func (c *Composer) create(ctx context.Context, text, imageURL string, file *ImageFile) (*models.Post, error) {
	if file != nil {
		encoded, err := c.encoder.DataURI(file)
		if err != nil {
			return nil, models.NewStoreWriteError("Error creating post: "+err.Error(), err)
		}
		imageURL = encoded
	}

	post := &models.Post{
		Text:     text,
		ImageURL: imageURL,
		User:     c.author,
		Likes:    0,
	}
	if err := c.posts.Create(ctx, post); err != nil {
		slog.ErrorContext(ctx, "create post failed",
			slog.String("user", c.author),
			slog.String("error", err.Error()))
		return nil, models.NewStoreWriteError("Error creating post: "+err.Error(), err)
	}
	return post, nil
}
