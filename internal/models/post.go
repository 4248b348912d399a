// Package models defines the documents persisted by the feed store and the
// error types shared by every layer.
package models

import "time"

// Collection names double as table names.
const (
	CollectionPosts    = "posts"
	CollectionReplies  = "replies"
	CollectionProfiles = "profiles"
)

// Post is a top-level feed entry. The author column is user_email because
// "user" is reserved in Postgres.
type Post struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Text            string    `gorm:"type:text" json:"text"`
	ImageURL        string    `gorm:"type:text" json:"image_url,omitempty"`
	User            string    `gorm:"column:user_email;size:320;index;not null" json:"user"`
	Likes           int       `gorm:"not null" json:"likes"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	IsProfileUpdate bool      `json:"is_profile_update,omitempty"`
	UserBio         string    `gorm:"type:text" json:"user_bio,omitempty"`
	UserDisplayName string    `gorm:"size:200" json:"user_display_name,omitempty"`
}

// TableName pins the table to the posts collection.
func (Post) TableName() string { return CollectionPosts }

// Key returns the document id.
func (p *Post) Key() string { return p.ID }

// Assign sets the store-owned identity fields.
func (p *Post) Assign(id string, createdAt time.Time) {
	p.ID = id
	p.CreatedAt = createdAt
}

// Reply is a flat comment attached to one post.
type Reply struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PostID    string    `gorm:"size:36;index;not null" json:"post_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	User      string    `gorm:"column:user_email;size:320;not null" json:"user"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Reply) TableName() string { return CollectionReplies }

func (r *Reply) Key() string { return r.ID }

func (r *Reply) Assign(id string, createdAt time.Time) {
	r.ID = id
	r.CreatedAt = createdAt
}
