package service

import (
	"context"

	"socialfeed/internal/models"
	"socialfeed/internal/repository"
	"socialfeed/internal/validation"
)

// ProfileService serves profiles over request/response. Live profile pages
// go through OpenProfile.
type ProfileService struct {
	deps ProfileDeps
}

func NewProfileService(posts repository.PostRepository, profiles repository.ProfileRepository, backfillCount int) *ProfileService {
	if backfillCount <= 0 {
		backfillCount = DefaultBackfillCount
	}
	return &ProfileService{deps: ProfileDeps{Posts: posts, Profiles: profiles, BackfillCount: backfillCount}}
}

// Get returns the profile page of identity.
func (s *ProfileService) Get(ctx context.Context, identity string) (ProfileSnapshot, error) {
	saved := LoadProfile(ctx, s.deps, identity)
	posts, err := s.deps.Posts.ListByUser(ctx, identity, 0)
	if err != nil {
		return ProfileSnapshot{}, models.NewInternalError(err)
	}
	if posts == nil {
		posts = []models.Post{}
	}

	initial := models.Initial(saved.DisplayName)
	if initial == "?" {
		initial = models.Initial(identity)
	}
	return ProfileSnapshot{
		Email:   identity,
		Initial: initial,
		Saved:   saved,
		Loaded:  true,
		Posts:   posts,
		Stats:   models.ComputeProfileStats(posts),
	}, nil
}

// Update saves fields for identity and back-fills their latest posts.
func (s *ProfileService) Update(ctx context.Context, identity string, fields ProfileFields) (ProfileFields, error) {
	if err := validation.ValidateProfile(fields.DisplayName, fields.Bio); err != nil {
		return ProfileFields{}, models.NewValidationError(err.Error())
	}
	recent, err := s.deps.Posts.ListByUser(ctx, identity, s.deps.BackfillCount)
	if err != nil {
		return ProfileFields{}, models.NewInternalError(err)
	}
	return SaveProfile(ctx, s.deps, identity, fields, recent)
}

// OpenProfile starts a live profile view for identity.
func (s *ProfileService) OpenProfile(ctx context.Context, identity string, onChange func(ProfileSnapshot)) (*ProfileView, error) {
	return OpenProfileView(ctx, s.deps, identity, onChange)
}
