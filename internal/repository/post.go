// Package repository provides data access for posts, replies and profiles on
// top of the document store.
package repository

import (
	"context"

	"socialfeed/internal/models"
	"socialfeed/internal/store"
)

// PostRepository defines the interface for post data operations
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) error
	SetLikes(ctx context.Context, id string, likes int) error
	IncrementLikes(ctx context.Context, id string) error
	SetProfileFields(ctx context.Context, id, bio, displayName string) error
	List(ctx context.Context) ([]models.Post, error)
	ListByUser(ctx context.Context, email string, limit int) ([]models.Post, error)
	LatestProfileUpdate(ctx context.Context, email string) (*models.Post, error)
	WatchFeed(ctx context.Context, onSnapshot func([]models.Post), onError func(error)) (store.Subscription, error)
	WatchByUser(ctx context.Context, email string, onSnapshot func([]models.Post), onError func(error)) (store.Subscription, error)
}

type postRepository struct {
	store store.Store
}

// NewPostRepository creates a new post repository
func NewPostRepository(s store.Store) PostRepository {
	return &postRepository{store: s}
}

func feedQuery() store.Query {
	return store.Query{Collection: models.CollectionPosts}.Order("created_at", store.Desc)
}

func userPostsQuery(email string) store.Query {
	return feedQuery().Where("user", email)
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) error {
	return r.store.Create(ctx, models.CollectionPosts, post)
}

func (r *postRepository) SetLikes(ctx context.Context, id string, likes int) error {
	return r.store.UpdateFields(ctx, models.CollectionPosts, id, map[string]any{"likes": likes})
}

func (r *postRepository) IncrementLikes(ctx context.Context, id string) error {
	return r.store.Increment(ctx, models.CollectionPosts, id, "likes", 1)
}

func (r *postRepository) SetProfileFields(ctx context.Context, id, bio, displayName string) error {
	return r.store.UpdateFields(ctx, models.CollectionPosts, id, map[string]any{
		"user_bio":          bio,
		"user_display_name": displayName,
	})
}

func (r *postRepository) List(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	if err := r.store.Query(ctx, feedQuery(), &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// ListByUser returns the user's posts newest first. A limit of 0 returns all.
func (r *postRepository) ListByUser(ctx context.Context, email string, limit int) ([]models.Post, error) {
	var posts []models.Post
	if err := r.store.Query(ctx, userPostsQuery(email).Take(limit), &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// LatestProfileUpdate returns the user's newest profile-update post, or
// store.ErrNotFound.
func (r *postRepository) LatestProfileUpdate(ctx context.Context, email string) (*models.Post, error) {
	var posts []models.Post
	q := userPostsQuery(email).Where("is_profile_update", true).Take(1)
	if err := r.store.Query(ctx, q, &posts); err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, store.ErrNotFound
	}
	return &posts[0], nil
}

func (r *postRepository) WatchFeed(
	ctx context.Context,
	onSnapshot func([]models.Post),
	onError func(error),
) (store.Subscription, error) {
	return store.Watch(ctx, r.store, feedQuery(), onSnapshot, onError)
}

func (r *postRepository) WatchByUser(
	ctx context.Context,
	email string,
	onSnapshot func([]models.Post),
	onError func(error),
) (store.Subscription, error) {
	return store.Watch(ctx, r.store, userPostsQuery(email), onSnapshot, onError)
}
