package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"socialfeed/internal/models"
	"socialfeed/internal/repository"
	"socialfeed/internal/store"
	"socialfeed/internal/validation"
)

// ReplyForm is the per-post reply UI state.
type ReplyForm struct {
	Open       bool   `json:"open"`
	Draft      string `json:"draft"`
	Submitting bool   `json:"submitting"`
}

// FeedPost is a post with its reply thread, oldest reply first.
type FeedPost struct {
	models.Post
	Replies    []models.Reply `json:"replies"`
	ReplyCount int            `json:"reply_count"`
	ReplyForm  ReplyForm      `json:"reply_form"`
}

// FeedSnapshot is one full rendering of the feed.
type FeedSnapshot struct {
	Posts []FeedPost `json:"posts"`
	Error string     `json:"error,omitempty"`
}

// FlagChecker reports whether a feature flag is on for an identity.
type FlagChecker interface {
	Enabled(name, identity string) bool
}

// FeedDeps are the collaborators of a feed view.
type FeedDeps struct {
	Posts   repository.PostRepository
	Replies repository.ReplyRepository
	Flags   FlagChecker
}

// FeedView keeps a live copy of every post and every reply thread for one
// viewer and applies the viewer's like and reply actions.
type FeedView struct {
	deps     FeedDeps
	identity string
	onChange func(FeedSnapshot)

	// emitMu keeps renderings in the order their state was produced.
	emitMu sync.Mutex

	mu      sync.Mutex
	posts   []models.Post
	threads map[string][]models.Reply
	forms   map[string]*ReplyForm
	err     error
	closed  bool

	postsSub   store.Subscription
	repliesSub store.Subscription
}

// OpenFeedView subscribes to posts and replies. onChange receives a full
// rendering after every change and must not block.
func OpenFeedView(ctx context.Context, deps FeedDeps, identity string, onChange func(FeedSnapshot)) (*FeedView, error) {
	if onChange == nil {
		onChange = func(FeedSnapshot) {}
	}
	v := &FeedView{
		deps:     deps,
		identity: identity,
		onChange: onChange,
		threads:  make(map[string][]models.Reply),
		forms:    make(map[string]*ReplyForm),
	}

	postsSub, err := deps.Posts.WatchFeed(ctx, v.onPosts, v.onError)
	if err != nil {
		return nil, models.NewSubscriptionError(err)
	}
	repliesSub, err := deps.Replies.WatchAll(ctx, v.onReplies, v.onError)
	if err != nil {
		postsSub.Unsubscribe()
		return nil, models.NewSubscriptionError(err)
	}

	v.mu.Lock()
	v.postsSub = postsSub
	v.repliesSub = repliesSub
	v.mu.Unlock()
	return v, nil
}

func (v *FeedView) onPosts(posts []models.Post) {
	v.update(func() { v.posts = posts })
}

func (v *FeedView) onReplies(replies []models.Reply) {
	threads := GroupReplies(replies)
	v.update(func() { v.threads = threads })
}

func (v *FeedView) onError(err error) {
	slog.Error("feed subscription failed",
		slog.String("user", v.identity),
		slog.String("error", err.Error()))
	v.update(func() { v.err = models.NewSubscriptionError(err) })
}

// update applies change under the state lock and pushes a rendering, unless
// the view is closed.
func (v *FeedView) update(change func()) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	change()
	snap := v.snapshotLocked()
	v.mu.Unlock()

	v.onChange(snap)
}

// Snapshot returns the current rendering.
func (v *FeedView) Snapshot() FeedSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *FeedView) snapshotLocked() FeedSnapshot {
	if v.err != nil {
		return FeedSnapshot{Posts: []FeedPost{}, Error: userMessage(v.err)}
	}
	out := make([]FeedPost, 0, len(v.posts))
	for _, p := range v.posts {
		thread := v.threads[p.ID]
		fp := FeedPost{Post: p, Replies: thread, ReplyCount: len(thread)}
		if fp.Replies == nil {
			fp.Replies = []models.Reply{}
		}
		if form := v.forms[p.ID]; form != nil {
			fp.ReplyForm = *form
		}
		out = append(out, fp)
	}
	return FeedSnapshot{Posts: out}
}

// KnownLikes returns the like count of postID in the current rendering.
func (v *FeedView) KnownLikes(postID string) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.posts {
		if p.ID == postID {
			return p.Likes, true
		}
	}
	return 0, false
}

// Like records one like on postID. By default it writes knownLikes+1, so two
// viewers liking from the same stale count lose one like. With the
// atomic_likes flag the store increments instead.
func (v *FeedView) Like(ctx context.Context, postID string, knownLikes int) error {
	return likePost(ctx, v.deps, v.identity, postID, knownLikes)
}

// ToggleReplyForm opens or closes the reply form; closing drops the draft.
func (v *FeedView) ToggleReplyForm(postID string) {
	v.update(func() {
		form := v.formLocked(postID)
		if form.Open {
			form.Draft = ""
		}
		form.Open = !form.Open
	})
}

func (v *FeedView) SetReplyDraft(postID, text string) {
	v.update(func() { v.formLocked(postID).Draft = text })
}

// SubmitReply posts text as a reply to postID. An empty text submits the
// current draft. While a submission for the post is pending further calls
// are no-ops. A failed write keeps the draft.
func (v *FeedView) SubmitReply(ctx context.Context, postID, text string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	form := v.formLocked(postID)
	if form.Submitting {
		v.mu.Unlock()
		return nil
	}
	if text == "" {
		text = form.Draft
	}
	if err := validation.ValidateReplyText(text); err != nil {
		v.mu.Unlock()
		return models.NewValidationError(err.Error())
	}
	form.Draft = text
	form.Submitting = true
	v.mu.Unlock()
	v.update(func() {})

	_, err := createReply(ctx, v.deps, v.identity, postID, text)

	v.update(func() {
		form.Submitting = false
		if err == nil {
			form.Draft = ""
			form.Open = false
		}
	})
	return err
}

func (v *FeedView) formLocked(postID string) *ReplyForm {
	form, ok := v.forms[postID]
	if !ok {
		form = &ReplyForm{}
		v.forms[postID] = form
	}
	return form
}

// Close releases both subscriptions. No rendering is pushed after it returns.
func (v *FeedView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := []store.Subscription{v.postsSub, v.repliesSub}
	v.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	// wait out a rendering already past the closed check
	v.emitMu.Lock()
	v.emitMu.Unlock() //nolint:staticcheck // barrier
}

// GroupReplies groups replies by post, each thread ordered oldest first.
func GroupReplies(replies []models.Reply) map[string][]models.Reply {
	threads := make(map[string][]models.Reply)
	for _, r := range replies {
		threads[r.PostID] = append(threads[r.PostID], r)
	}
	for _, thread := range threads {
		sort.SliceStable(thread, func(i, j int) bool {
			if thread[i].CreatedAt.Equal(thread[j].CreatedAt) {
				return thread[i].ID < thread[j].ID
			}
			return thread[i].CreatedAt.Before(thread[j].CreatedAt)
		})
	}
	return threads
}
