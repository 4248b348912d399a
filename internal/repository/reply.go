package repository

import (
	"context"

	"socialfeed/internal/models"
	"socialfeed/internal/store"
)

// ReplyRepository defines interface for reply operations
type ReplyRepository interface {
	Create(ctx context.Context, reply *models.Reply) error
	List(ctx context.Context) ([]models.Reply, error)
	WatchAll(ctx context.Context, onSnapshot func([]models.Reply), onError func(error)) (store.Subscription, error)
}

type replyRepository struct {
	store store.Store
}

// NewReplyRepository creates a new ReplyRepository
func NewReplyRepository(s store.Store) ReplyRepository {
	return &replyRepository{store: s}
}

func (r *replyRepository) Create(ctx context.Context, reply *models.Reply) error {
	return r.store.Create(ctx, models.CollectionReplies, reply)
}

// List returns every reply in store order; callers group and sort them.
func (r *replyRepository) List(ctx context.Context) ([]models.Reply, error) {
	var replies []models.Reply
	if err := r.store.Query(ctx, store.Query{Collection: models.CollectionReplies}, &replies); err != nil {
		return nil, err
	}
	return replies, nil
}

func (r *replyRepository) WatchAll(
	ctx context.Context,
	onSnapshot func([]models.Reply),
	onError func(error),
) (store.Subscription, error) {
	return store.Watch(ctx, r.store, store.Query{Collection: models.CollectionReplies}, onSnapshot, onError)
}
