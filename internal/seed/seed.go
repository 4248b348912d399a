// Package seed populates the feed with demo data, either from a YAML fixture
// file or generated with gofakeit. It is meant for development only.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"

	"socialfeed/internal/models"
	"socialfeed/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

//go:embed fixtures.yml
var defaultFixtures []byte

// Fixtures is the YAML document shape.
type Fixtures struct {
	Users []FixtureUser `yaml:"users"`
	Posts []FixturePost `yaml:"posts"`
}

type FixtureUser struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
	Bio         string `yaml:"bio"`
}

type FixturePost struct {
	User     string         `yaml:"user"`
	Text     string         `yaml:"text"`
	ImageURL string         `yaml:"image_url"`
	Likes    int            `yaml:"likes"`
	Replies  []FixtureReply `yaml:"replies"`
}

type FixtureReply struct {
	User string `yaml:"user"`
	Text string `yaml:"text"`
}

// Options controls generated data.
type Options struct {
	Users          int
	Posts          int
	MaxReplies     int
	MaxLikes       int
	ImageRatioPerc int
}

// DefaultOptions returns a small but lively feed.
func DefaultOptions() Options {
	return Options{Users: 8, Posts: 40, MaxReplies: 4, MaxLikes: 25, ImageRatioPerc: 30}
}

// LoadFixtures decodes and checks a fixture document.
func LoadFixtures(r io.Reader) (*Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	for i, p := range fx.Posts {
		if p.User == "" {
			return nil, fmt.Errorf("fixture post %d: user is required", i)
		}
		if strings.TrimSpace(p.Text) == "" && p.ImageURL == "" {
			return nil, fmt.Errorf("fixture post %d: text or image_url is required", i)
		}
	}
	return &fx, nil
}

// DefaultFixtures returns the bundled fixture set.
func DefaultFixtures() *Fixtures {
	fx, err := LoadFixtures(strings.NewReader(string(defaultFixtures)))
	if err != nil {
		panic(err)
	}
	return fx
}

// Seeder writes through the repositories so live views see seeded data.
type Seeder struct {
	db       *gorm.DB
	posts    repository.PostRepository
	replies  repository.ReplyRepository
	profiles repository.ProfileRepository
	rng      *rand.Rand
}

// NewSeeder creates a seeder. db is only used by ClearAll.
func NewSeeder(db *gorm.DB, posts repository.PostRepository, replies repository.ReplyRepository, profiles repository.ProfileRepository) *Seeder {
	return &Seeder{
		db:       db,
		posts:    posts,
		replies:  replies,
		profiles: profiles,
		rng:      rand.New(rand.NewSource(gofakeit.Int64())),
	}
}

// ClearAll removes every post, reply and profile.
func (s *Seeder) ClearAll() error {
	slog.Info("clearing feed data")
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&models.Reply{}, &models.Post{}, &models.Profile{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return fmt.Errorf("clear %T: %w", m, err)
			}
		}
		return nil
	})
}

// Apply writes a fixture set. Profiles come first so posts can carry their display names.
func (s *Seeder) Apply(ctx context.Context, fx *Fixtures) error {
	names := make(map[string]FixtureUser, len(fx.Users))
	for _, u := range fx.Users {
		email := strings.ToLower(u.Email)
		names[email] = u
		if err := s.profiles.Save(ctx, &models.Profile{Email: email, DisplayName: u.DisplayName, Bio: u.Bio}); err != nil {
			return fmt.Errorf("seed profile %s: %w", email, err)
		}
	}

	for _, fp := range fx.Posts {
		author := strings.ToLower(fp.User)
		u := names[author]
		post := &models.Post{
			Text:            fp.Text,
			ImageURL:        fp.ImageURL,
			User:            author,
			Likes:           fp.Likes,
			UserBio:         u.Bio,
			UserDisplayName: u.DisplayName,
		}
		if err := s.posts.Create(ctx, post); err != nil {
			return fmt.Errorf("seed post by %s: %w", author, err)
		}
		for _, fr := range fp.Replies {
			reply := &models.Reply{PostID: post.ID, Text: fr.Text, User: strings.ToLower(fr.User)}
			if err := s.replies.Create(ctx, reply); err != nil {
				return fmt.Errorf("seed reply on %s: %w", post.ID, err)
			}
		}
	}
	slog.Info("fixtures applied", "users", len(fx.Users), "posts", len(fx.Posts))
	return nil
}

// Generate builds a random fixture set.
func (s *Seeder) Generate(opts Options) *Fixtures {
	if opts.Users <= 0 {
		opts.Users = 1
	}
	fx := &Fixtures{}
	for i := 0; i < opts.Users; i++ {
		person := gofakeit.Person()
		fx.Users = append(fx.Users, FixtureUser{
			Email:       strings.ToLower(fmt.Sprintf("%s.%s.%d@example.com", person.FirstName, person.LastName, i)),
			DisplayName: person.FirstName + " " + person.LastName,
			Bio:         gofakeit.Sentence(8),
		})
	}

	for i := 0; i < opts.Posts; i++ {
		p := FixturePost{
			User: fx.Users[s.rng.Intn(len(fx.Users))].Email,
			Text: gofakeit.Sentence(s.rng.Intn(15) + 3),
		}
		if opts.MaxLikes > 0 {
			p.Likes = s.rng.Intn(opts.MaxLikes + 1)
		}
		if s.rng.Intn(100) < opts.ImageRatioPerc {
			p.ImageURL = fmt.Sprintf("https://picsum.photos/seed/%s/800/600", gofakeit.UUID())
		}
		if opts.MaxReplies > 0 {
			for r := s.rng.Intn(opts.MaxReplies + 1); r > 0; r-- {
				p.Replies = append(p.Replies, FixtureReply{
					User: fx.Users[s.rng.Intn(len(fx.Users))].Email,
					Text: gofakeit.Sentence(s.rng.Intn(10) + 2),
				})
			}
		}
		fx.Posts = append(fx.Posts, p)
	}
	return fx
}
