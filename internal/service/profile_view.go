package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"socialfeed/internal/models"
	"socialfeed/internal/observability"
	"socialfeed/internal/repository"
	"socialfeed/internal/store"
	"socialfeed/internal/validation"
)

// DefaultBackfillCount is how many of the user's latest posts receive the
// new display name and bio on save.
const DefaultBackfillCount = 3

const profileUpdatePrefix = "📝 Profile Updated: "

// ProfileFields are the editable parts of a profile.
type ProfileFields struct {
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
}

// ProfileSnapshot is one full rendering of the profile page.
type ProfileSnapshot struct {
	Email   string              `json:"email"`
	Initial string              `json:"initial"`
	Saved   ProfileFields       `json:"saved"`
	Draft   *ProfileFields      `json:"draft,omitempty"`
	Editing bool                `json:"editing"`
	Saving  bool                `json:"saving"`
	Loaded  bool                `json:"loaded"`
	Posts   []models.Post       `json:"posts"`
	Stats   models.ProfileStats `json:"stats"`
	Notice  string              `json:"notice,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ProfileDeps are the collaborators of a profile view.
type ProfileDeps struct {
	Posts         repository.PostRepository
	Profiles      repository.ProfileRepository
	BackfillCount int
}

// ProfileView keeps one user's posts, stats and profile live and runs the
// edit/save flow.
type ProfileView struct {
	deps     ProfileDeps
	identity string
	onChange func(ProfileSnapshot)

	emitMu sync.Mutex

	mu      sync.Mutex
	saved   ProfileFields
	draft   ProfileFields
	editing bool
	saving  bool
	loaded  bool
	posts   []models.Post
	stats   models.ProfileStats
	notice  string
	err     error
	closed  bool
	sub     store.Subscription
}

// OpenProfileView loads the identity's profile and subscribes to their posts.
func OpenProfileView(ctx context.Context, deps ProfileDeps, identity string, onChange func(ProfileSnapshot)) (*ProfileView, error) {
	if onChange == nil {
		onChange = func(ProfileSnapshot) {}
	}
	if deps.BackfillCount <= 0 {
		deps.BackfillCount = DefaultBackfillCount
	}
	v := &ProfileView{
		deps:     deps,
		identity: identity,
		onChange: onChange,
		posts:    []models.Post{},
	}

	saved := LoadProfile(ctx, deps, identity)
	v.update(func() {
		v.saved = saved
		v.draft = saved
		v.loaded = true
	})

	sub, err := deps.Posts.WatchByUser(ctx, identity, v.onPosts, v.onError)
	if err != nil {
		return nil, models.NewSubscriptionError(err)
	}
	v.mu.Lock()
	v.sub = sub
	v.mu.Unlock()
	return v, nil
}

// LoadProfile reads the profile entity. A profile-update post newer than the
// entity wins and is written back to it. Users without an entity are
// migrated from the newest non-empty bio and display name found on their
// posts. The display name falls back to the email.
func LoadProfile(ctx context.Context, deps ProfileDeps, identity string) ProfileFields {
	fields := ProfileFields{DisplayName: identity}

	profile, err := deps.Profiles.Get(ctx, identity)
	if err == nil {
		fields.Bio = profile.Bio
		if profile.DisplayName != "" {
			fields.DisplayName = profile.DisplayName
		}
		return reconcileProfile(ctx, deps, identity, profile, fields)
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.ErrorContext(ctx, "error loading profile",
			slog.String("user", identity),
			slog.String("error", err.Error()))
		return fields
	}

	recovered, found, err := ScanProfileFields(ctx, deps.Posts, identity)
	if err != nil {
		slog.ErrorContext(ctx, "error loading profile",
			slog.String("user", identity),
			slog.String("error", err.Error()))
		return fields
	}
	if !found {
		return fields
	}

	if recovered.DisplayName != "" {
		fields.DisplayName = recovered.DisplayName
	}
	fields.Bio = recovered.Bio

	migrated := &models.Profile{Email: identity, DisplayName: fields.DisplayName, Bio: fields.Bio}
	if err := deps.Profiles.Save(ctx, migrated); err != nil {
		slog.WarnContext(ctx, "profile migration failed",
			slog.String("user", identity),
			slog.String("error", err.Error()))
	}
	return fields
}

// reconcileProfile prefers the newest profile-update post over an entity
// whose upsert was lost after that post was written.
func reconcileProfile(ctx context.Context, deps ProfileDeps, identity string, profile *models.Profile, fields ProfileFields) ProfileFields {
	latest, err := deps.Posts.LatestProfileUpdate(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return fields
	}
	if err != nil {
		slog.WarnContext(ctx, "profile update lookup failed",
			slog.String("user", identity),
			slog.String("error", err.Error()))
		return fields
	}
	if !latest.CreatedAt.After(profile.UpdatedAt) {
		return fields
	}

	fields = ProfileFields{DisplayName: identity, Bio: latest.UserBio}
	if latest.UserDisplayName != "" {
		fields.DisplayName = latest.UserDisplayName
	}
	repaired := &models.Profile{Email: identity, DisplayName: fields.DisplayName, Bio: fields.Bio}
	if err := deps.Profiles.Save(ctx, repaired); err != nil {
		slog.WarnContext(ctx, "profile repair failed",
			slog.String("user", identity),
			slog.String("error", err.Error()))
	}
	return fields
}

// ScanProfileFields walks the user's posts newest first and takes the first
// non-empty bio and display name independently.
func ScanProfileFields(ctx context.Context, posts repository.PostRepository, email string) (ProfileFields, bool, error) {
	list, err := posts.ListByUser(ctx, email, 0)
	if err != nil {
		return ProfileFields{}, false, err
	}
	var out ProfileFields
	for _, p := range list {
		if out.Bio == "" && p.UserBio != "" {
			out.Bio = p.UserBio
		}
		if out.DisplayName == "" && p.UserDisplayName != "" {
			out.DisplayName = p.UserDisplayName
		}
	}
	return out, out.Bio != "" || out.DisplayName != "", nil
}

func (v *ProfileView) onPosts(posts []models.Post) {
	stats := models.ComputeProfileStats(posts)
	v.update(func() {
		v.posts = posts
		v.stats = stats
	})
}

func (v *ProfileView) onError(err error) {
	slog.Error("profile subscription failed",
		slog.String("user", v.identity),
		slog.String("error", err.Error()))
	v.update(func() { v.err = models.NewSubscriptionError(err) })
}

func (v *ProfileView) update(change func()) {
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

func (v *ProfileView) Snapshot() ProfileSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *ProfileView) snapshotLocked() ProfileSnapshot {
	snap := ProfileSnapshot{
		Email:   v.identity,
		Initial: models.Initial(v.saved.DisplayName),
		Saved:   v.saved,
		Editing: v.editing,
		Saving:  v.saving,
		Loaded:  v.loaded,
		Posts:   v.posts,
		Stats:   v.stats,
		Notice:  v.notice,
	}
	if snap.Initial == "?" {
		snap.Initial = models.Initial(v.identity)
	}
	if v.editing {
		draft := v.draft
		snap.Draft = &draft
	}
	if v.err != nil {
		snap.Posts = []models.Post{}
		snap.Error = userMessage(v.err)
	}
	return snap
}

// BeginEdit opens the form with the saved values.
func (v *ProfileView) BeginEdit() {
	v.update(func() {
		if !v.editing {
			v.draft = v.saved
		}
		v.editing = true
		v.notice = ""
	})
}

func (v *ProfileView) SetDisplayName(name string) {
	v.update(func() { v.draft.DisplayName = name })
}

func (v *ProfileView) SetBio(bio string) {
	v.update(func() { v.draft.Bio = bio })
}

// Cancel closes the form and restores the saved values. Nothing is written.
func (v *ProfileView) Cancel() {
	v.update(func() {
		v.editing = false
		v.draft = v.saved
	})
}

// Save writes the edited profile. The profile-update post is the only write
// that can fail the save. The profile entity and the back-fill of the latest
// posts are best-effort.
func (v *ProfileView) Save(ctx context.Context) error {
	v.mu.Lock()
	if v.closed || v.saving {
		v.mu.Unlock()
		return nil
	}
	draft := v.draft
	if err := validation.ValidateProfile(draft.DisplayName, draft.Bio); err != nil {
		v.mu.Unlock()
		return models.NewValidationError(err.Error())
	}
	recent := append([]models.Post(nil), v.posts[:min(len(v.posts), v.deps.BackfillCount)]...)
	v.saving = true
	v.notice = ""
	v.mu.Unlock()
	v.update(func() {})

	saved, err := SaveProfile(ctx, v.deps, v.identity, draft, recent)
	if err != nil {
		v.update(func() { v.saving = false })
		return err
	}

	v.update(func() {
		v.saved = saved
		v.draft = saved
		v.editing = false
		v.saving = false
		v.notice = "Profile updated successfully!"
	})
	return nil
}

// SaveProfile creates the profile-update post for identity, then upserts the
// profile entity and back-fills recent. Only the post can fail the save.
func SaveProfile(ctx context.Context, deps ProfileDeps, identity string, draft ProfileFields, recent []models.Post) (ProfileFields, error) {
	if err := validation.ValidateProfile(draft.DisplayName, draft.Bio); err != nil {
		return ProfileFields{}, models.NewValidationError(err.Error())
	}
	bio := strings.TrimSpace(draft.Bio)
	name := strings.TrimSpace(draft.DisplayName)
	if name == "" {
		name = identity
	}

	summary := bio
	if summary == "" {
		summary = "Bio updated"
	}
	post := &models.Post{
		Text:            profileUpdatePrefix + summary,
		User:            identity,
		Likes:           0,
		IsProfileUpdate: true,
		UserBio:         bio,
		UserDisplayName: name,
	}
	if err := deps.Posts.Create(ctx, post); err != nil {
		slog.ErrorContext(ctx, "error saving profile",
			slog.String("user", identity),
			slog.String("error", err.Error()))
		return ProfileFields{}, models.NewStoreWriteError(
			fmt.Sprintf("Error saving profile: %s. Your changes were not saved, please try again.", err.Error()), err)
	}

	if err := deps.Profiles.Save(ctx, &models.Profile{Email: identity, DisplayName: name, Bio: bio}); err != nil {
		slog.WarnContext(ctx, "profile entity save failed",
			slog.String("user", identity),
			slog.String("error", err.Error()))
	}

	BackfillProfile(ctx, deps.Posts, recent, name, bio)
	return ProfileFields{DisplayName: name, Bio: bio}, nil
}

// BackfillProfile copies name and bio onto posts concurrently. Failures are
// logged per post and never returned.
func BackfillProfile(ctx context.Context, posts repository.PostRepository, targets []models.Post, name, bio string) {
	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := posts.SetProfileFields(ctx, id, bio, name); err != nil {
				observability.BackfillFailures.Inc()
				slog.WarnContext(ctx, "could not update post",
					slog.String("post_id", id),
					slog.String("error", err.Error()))
			}
		}(p.ID)
	}
	wg.Wait()
}

// Close releases the posts subscription.
func (v *ProfileView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	v.emitMu.Lock()
	v.emitMu.Unlock() //nolint:staticcheck // barrier
}
