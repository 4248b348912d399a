package service

import (
	"errors"

	"socialfeed/internal/models"
)

// userMessage is the part of err that is safe to show to the user.
func userMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
