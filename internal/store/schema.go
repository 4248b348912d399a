package store

import (
	"fmt"

	"socialfeed/internal/models"
)

type collectionSchema struct {
	key     string
	columns map[string]string // document field -> column
	numeric map[string]bool
}

// Document field names follow the JSON names; "user" is stored as user_email.
var schemas = map[string]collectionSchema{
	models.CollectionPosts: {
		key: "id",
		columns: map[string]string{
			"id":                "id",
			"text":              "text",
			"image_url":         "image_url",
			"user":              "user_email",
			"likes":             "likes",
			"created_at":        "created_at",
			"is_profile_update": "is_profile_update",
			"user_bio":          "user_bio",
			"user_display_name": "user_display_name",
		},
		numeric: map[string]bool{"likes": true},
	},
	models.CollectionReplies: {
		key: "id",
		columns: map[string]string{
			"id":         "id",
			"post_id":    "post_id",
			"text":       "text",
			"user":       "user_email",
			"created_at": "created_at",
		},
	},
	models.CollectionProfiles: {
		key: "email",
		columns: map[string]string{
			"email":        "email",
			"display_name": "display_name",
			"bio":          "bio",
			"updated_at":   "updated_at",
		},
	},
}

func schemaFor(collection string) (collectionSchema, error) {
	s, ok := schemas[collection]
	if !ok {
		return collectionSchema{}, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return s, nil
}

func (s collectionSchema) column(field string) (string, error) {
	col, ok := s.columns[field]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return col, nil
}
