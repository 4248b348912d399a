package repository

import (
	"context"
	"errors"
	"fmt"

	"socialfeed/internal/models"
	"socialfeed/internal/store"
)

// ProfileRepository reads and writes the profile entity.
type ProfileRepository interface {
	// Get returns store.ErrNotFound when the user has no saved profile.
	Get(ctx context.Context, email string) (*models.Profile, error)
	Save(ctx context.Context, profile *models.Profile) error
}

var errProfileEmail = errors.New("profile email is required")

type profileRepository struct {
	store store.Store
}

func NewProfileRepository(s store.Store) ProfileRepository {
	return &profileRepository{store: s}
}

func (r *profileRepository) Get(ctx context.Context, email string) (*models.Profile, error) {
	var profiles []models.Profile
	q := store.Query{Collection: models.CollectionProfiles}.Where("email", email).Take(1)
	if err := r.store.Query(ctx, q, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("profile %s: %w", email, store.ErrNotFound)
	}
	return &profiles[0], nil
}

func (r *profileRepository) Save(ctx context.Context, profile *models.Profile) error {
	if profile.Email == "" {
		return errProfileEmail
	}
	return r.store.Upsert(ctx, models.CollectionProfiles, profile)
}
