package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultImageMaxBytes bounds uploaded images embedded into posts.
const DefaultImageMaxBytes int64 = 2 << 20

const (
	maxPostTextRunes  = 5000
	maxReplyTextRunes = 2000
	maxDisplayName    = 200
	maxBioRunes       = 1000
)

// ValidateImageFile checks an uploaded image before it is read or encoded.
// Size is checked first, then the declared content type.
func ValidateImageFile(size int64, contentType string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultImageMaxBytes
	}
	if size > maxBytes {
		return fmt.Errorf("File size must be less than %s", formatBytes(maxBytes))
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return fmt.Errorf("Please select an image file")
	}
	return nil
}

// ValidatePostContent requires text or an image, never neither.
func ValidatePostContent(text string, hasImage bool) error {
	text = strings.TrimSpace(text)
	if text == "" && !hasImage {
		return fmt.Errorf("Please add some text or an image")
	}
	if utf8.RuneCountInString(text) > maxPostTextRunes {
		return fmt.Errorf("post text must be at most %d characters", maxPostTextRunes)
	}
	return nil
}

func ValidateReplyText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("reply text is required")
	}
	if utf8.RuneCountInString(text) > maxReplyTextRunes {
		return fmt.Errorf("reply text must be at most %d characters", maxReplyTextRunes)
	}
	return nil
}

// ValidateProfile bounds the editable profile fields. Empty values are allowed.
func ValidateProfile(displayName, bio string) error {
	if utf8.RuneCountInString(strings.TrimSpace(displayName)) > maxDisplayName {
		return fmt.Errorf("display name must be at most %d characters", maxDisplayName)
	}
	if utf8.RuneCountInString(strings.TrimSpace(bio)) > maxBioRunes {
		return fmt.Errorf("bio must be at most %d characters", maxBioRunes)
	}
	return nil
}

func formatBytes(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}
