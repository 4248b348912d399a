package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"socialfeed/internal/models"
	"socialfeed/internal/store"

	"github.com/stretchr/testify/require"
)

// postRepoStub is a stub for repository.PostRepository.
type postRepoStub struct {
	createFn           func(context.Context, *models.Post) error
	setLikesFn         func(context.Context, string, int) error
	incrementLikesFn   func(context.Context, string) error
	setProfileFieldsFn func(context.Context, string, string, string) error
	listFn             func(context.Context) ([]models.Post, error)
	listByUserFn       func(context.Context, string, int) ([]models.Post, error)
	latestUpdateFn     func(context.Context, string) (*models.Post, error)
	watchFeedFn        func(context.Context, func([]models.Post), func(error)) (store.Subscription, error)
	watchByUserFn      func(context.Context, string, func([]models.Post), func(error)) (store.Subscription, error)
}

func (s *postRepoStub) Create(ctx context.Context, post *models.Post) error {
	return s.createFn(ctx, post)
}
func (s *postRepoStub) SetLikes(ctx context.Context, id string, likes int) error {
	return s.setLikesFn(ctx, id, likes)
}
func (s *postRepoStub) IncrementLikes(ctx context.Context, id string) error {
	return s.incrementLikesFn(ctx, id)
}
func (s *postRepoStub) SetProfileFields(ctx context.Context, id, bio, displayName string) error {
	return s.setProfileFieldsFn(ctx, id, bio, displayName)
}
func (s *postRepoStub) List(ctx context.Context) ([]models.Post, error) {
	return s.listFn(ctx)
}
func (s *postRepoStub) ListByUser(ctx context.Context, email string, limit int) ([]models.Post, error) {
	return s.listByUserFn(ctx, email, limit)
}
func (s *postRepoStub) LatestProfileUpdate(ctx context.Context, email string) (*models.Post, error) {
	return s.latestUpdateFn(ctx, email)
}
func (s *postRepoStub) WatchFeed(ctx context.Context, onSnapshot func([]models.Post), onError func(error)) (store.Subscription, error) {
	return s.watchFeedFn(ctx, onSnapshot, onError)
}
func (s *postRepoStub) WatchByUser(ctx context.Context, email string, onSnapshot func([]models.Post), onError func(error)) (store.Subscription, error) {
	return s.watchByUserFn(ctx, email, onSnapshot, onError)
}

func noopPostRepo() *postRepoStub {
	return &postRepoStub{
		createFn:           func(_ context.Context, _ *models.Post) error { return nil },
		setLikesFn:         func(_ context.Context, _ string, _ int) error { return nil },
		incrementLikesFn:   func(_ context.Context, _ string) error { return nil },
		setProfileFieldsFn: func(_ context.Context, _, _, _ string) error { return nil },
		listFn:             func(_ context.Context) ([]models.Post, error) { return nil, nil },
		listByUserFn:       func(_ context.Context, _ string, _ int) ([]models.Post, error) { return nil, nil },
		latestUpdateFn:     func(_ context.Context, _ string) (*models.Post, error) { return nil, store.ErrNotFound },
		watchFeedFn: func(_ context.Context, _ func([]models.Post), _ func(error)) (store.Subscription, error) {
			return &subStub{}, nil
		},
		watchByUserFn: func(_ context.Context, _ string, _ func([]models.Post), _ func(error)) (store.Subscription, error) {
			return &subStub{}, nil
		},
	}
}

// replyRepoStub is a stub for repository.ReplyRepository.
type replyRepoStub struct {
	createFn   func(context.Context, *models.Reply) error
	listFn     func(context.Context) ([]models.Reply, error)
	watchAllFn func(context.Context, func([]models.Reply), func(error)) (store.Subscription, error)
}

func (s *replyRepoStub) Create(ctx context.Context, reply *models.Reply) error {
	return s.createFn(ctx, reply)
}
func (s *replyRepoStub) List(ctx context.Context) ([]models.Reply, error) {
	return s.listFn(ctx)
}
func (s *replyRepoStub) WatchAll(ctx context.Context, onSnapshot func([]models.Reply), onError func(error)) (store.Subscription, error) {
	return s.watchAllFn(ctx, onSnapshot, onError)
}

func noopReplyRepo() *replyRepoStub {
	return &replyRepoStub{
		createFn: func(_ context.Context, _ *models.Reply) error { return nil },
		listFn:   func(_ context.Context) ([]models.Reply, error) { return nil, nil },
		watchAllFn: func(_ context.Context, _ func([]models.Reply), _ func(error)) (store.Subscription, error) {
			return &subStub{}, nil
		},
	}
}

// profileRepoStub is a stub for repository.ProfileRepository.
type profileRepoStub struct {
	getFn  func(context.Context, string) (*models.Profile, error)
	saveFn func(context.Context, *models.Profile) error
}

func (s *profileRepoStub) Get(ctx context.Context, email string) (*models.Profile, error) {
	return s.getFn(ctx, email)
}
func (s *profileRepoStub) Save(ctx context.Context, profile *models.Profile) error {
	return s.saveFn(ctx, profile)
}

func noopProfileRepo() *profileRepoStub {
	return &profileRepoStub{
		getFn:  func(_ context.Context, _ string) (*models.Profile, error) { return nil, store.ErrNotFound },
		saveFn: func(_ context.Context, _ *models.Profile) error { return nil },
	}
}

type subStub struct {
	mu           sync.Mutex
	unsubscribed int
}

func (s *subStub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
}

func (s *subStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type flagStub map[string]bool

func (f flagStub) Enabled(name, _ string) bool { return f[name] }

func assertAppError(t *testing.T, err error, code string) {
	t.Helper()
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code)
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	assertAppError(t, err, models.CodeValidation)
}
