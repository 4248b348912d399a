package models

import (
	"strings"
	"time"
)

// Profile holds a user's display name and bio keyed by identity.
type Profile struct {
	Email       string    `gorm:"primaryKey;size:320" json:"email"`
	DisplayName string    `gorm:"size:200" json:"display_name"`
	Bio         string    `gorm:"type:text" json:"bio"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Profile) TableName() string { return CollectionProfiles }

// Key returns the identity the profile belongs to.
func (p *Profile) Key() string { return p.Email }

// Assign satisfies the store record contract; profiles are keyed by email so
// only the timestamp is taken.
func (p *Profile) Assign(_ string, at time.Time) {
	p.UpdatedAt = at
}

// ProfileStats is derived from the live set of a user's posts.
type ProfileStats struct {
	PostsCount int `json:"posts_count"`
	TotalLikes int `json:"total_likes"`
}

// ComputeProfileStats counts posts and sums their likes.
func ComputeProfileStats(posts []Post) ProfileStats {
	stats := ProfileStats{PostsCount: len(posts)}
	for _, p := range posts {
		stats.TotalLikes += p.Likes
	}
	return stats
}

// Initial returns the upper-cased first rune of name, used for avatars.
func Initial(name string) string {
	for _, r := range strings.TrimSpace(name) {
		return strings.ToUpper(string(r))
	}
	return "?"
}
