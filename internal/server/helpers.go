package server

import (
	"fmt"
	"io"
	"mime/multipart"

	"socialfeed/internal/models"
	"socialfeed/internal/service"

	"github.com/gofiber/fiber/v2"
)

// respondError answers with the status that matches err's code.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// readImage turns an uploaded form file into an ImageFile. Files over
// maxBytes are not read; validation rejects them on size alone.
func readImage(fh *multipart.FileHeader, maxBytes int64) (*service.ImageFile, error) {
	file := &service.ImageFile{
		Name:        fh.Filename,
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Size:        fh.Size,
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return file, nil
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	file.Content = content
	return file, nil
}
