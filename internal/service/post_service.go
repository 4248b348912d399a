package service

import (
	"context"
	"log/slog"
	"strings"

	"socialfeed/internal/featureflags"
	"socialfeed/internal/models"
	"socialfeed/internal/repository"
	"socialfeed/internal/validation"
)

// PostService serves the feed over request/response: composing posts, the
// one-shot feed, likes and replies. Live feeds go through OpenFeed.
type PostService struct {
	deps          FeedDeps
	encoder       *ImageEncoder
	imageMaxBytes int64
}

func NewPostService(
	posts repository.PostRepository,
	replies repository.ReplyRepository,
	flags FlagChecker,
	imageMaxBytes int64,
) *PostService {
	return &PostService{
		deps:          FeedDeps{Posts: posts, Replies: replies, Flags: flags},
		encoder:       NewImageEncoder(),
		imageMaxBytes: imageMaxBytes,
	}
}

// CreatePostInput is a complete compose form submitted at once.
type CreatePostInput struct {
	Author   string
	Text     string
	ImageURL string
	File     *ImageFile
}

// NewComposer returns an empty compose form for author.
func (s *PostService) NewComposer(author string) *Composer {
	return NewComposer(s.deps.Posts, s.encoder, s.imageMaxBytes, author)
}

// CreatePost validates and submits in through a fresh composer.
func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	c := s.NewComposer(in.Author)
	c.SetText(in.Text)
	if strings.TrimSpace(in.ImageURL) != "" {
		c.SetImageURL(in.ImageURL)
	}
	if in.File != nil {
		if err := c.attachFile(in.File, false); err != nil {
			return nil, err
		}
	}
	return c.Submit(ctx)
}

// PreviewImage validates file and returns its preview data URI.
func (s *PostService) PreviewImage(author string, file *ImageFile) (string, error) {
	c := s.NewComposer(author)
	if err := c.SelectFile(file); err != nil {
		return "", err
	}
	return c.State().Preview, nil
}

// Feed returns the current feed with reply threads.
func (s *PostService) Feed(ctx context.Context) (FeedSnapshot, error) {
	posts, err := s.deps.Posts.List(ctx)
	if err != nil {
		return FeedSnapshot{}, models.NewInternalError(err)
	}
	replies, err := s.deps.Replies.List(ctx)
	if err != nil {
		return FeedSnapshot{}, models.NewInternalError(err)
	}

	threads := GroupReplies(replies)
	out := FeedSnapshot{Posts: make([]FeedPost, 0, len(posts))}
	for _, p := range posts {
		thread := threads[p.ID]
		if thread == nil {
			thread = []models.Reply{}
		}
		out.Posts = append(out.Posts, FeedPost{Post: p, Replies: thread, ReplyCount: len(thread)})
	}
	return out, nil
}

// Like records a like by identity on postID from the like count it saw.
func (s *PostService) Like(ctx context.Context, identity, postID string, knownLikes int) error {
	return likePost(ctx, s.deps, identity, postID, knownLikes)
}

// Reply creates a reply by identity on postID.
func (s *PostService) Reply(ctx context.Context, identity, postID, text string) (*models.Reply, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, models.NewValidationError("post id is required")
	}
	if err := validation.ValidateReplyText(text); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	return createReply(ctx, s.deps, identity, postID, text)
}

// OpenFeed starts a live feed view for identity.
func (s *PostService) OpenFeed(ctx context.Context, identity string, onChange func(FeedSnapshot)) (*FeedView, error) {
	return OpenFeedView(ctx, s.deps, identity, onChange)
}

func likePost(ctx context.Context, deps FeedDeps, identity, postID string, knownLikes int) error {
	if strings.TrimSpace(postID) == "" {
		return models.NewValidationError("post id is required")
	}
	if knownLikes < 0 {
		return models.NewValidationError("likes cannot be negative")
	}

	var err error
	if deps.Flags != nil && deps.Flags.Enabled(featureflags.AtomicLikes, identity) {
		err = deps.Posts.IncrementLikes(ctx, postID)
	} else {
		err = deps.Posts.SetLikes(ctx, postID, knownLikes+1)
	}
	if err != nil {
		slog.ErrorContext(ctx, "error updating likes",
			slog.String("post_id", postID),
			slog.String("error", err.Error()))
		return models.NewStoreWriteError("Error updating likes", err)
	}
	return nil
}

func createReply(ctx context.Context, deps FeedDeps, identity, postID, text string) (*models.Reply, error) {
	reply := &models.Reply{
		PostID: postID,
		Text:   strings.TrimSpace(text),
		User:   identity,
	}
	if err := deps.Replies.Create(ctx, reply); err != nil {
		slog.ErrorContext(ctx, "error adding reply",
			slog.String("post_id", postID),
			slog.String("error", err.Error()))
		return nil, models.NewStoreWriteError("Error posting reply. Please try again.", err)
	}
	return reply, nil
}
