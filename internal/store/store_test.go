package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"socialfeed/internal/cache"
	"socialfeed/internal/changefeed"
	"socialfeed/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSQLite(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(migrate) == 0 {
		migrate = []any{&models.Post{}, &models.Reply{}, &models.Profile{}}
	}
	require.NoError(t, db.AutoMigrate(migrate...))
	return db
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return gormDB, mock
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func postsQuery() Query {
	return Query{Collection: models.CollectionPosts}.Order("created_at", Desc)
}

func TestCreate_AssignsIDAndIncreasingTimestamps(t *testing.T) {
	s := New(setupSQLite(t), WithClock(fixedClock()))
	ctx := context.Background()

	first := &models.Post{Text: "one", User: "a@example.com"}
	second := &models.Post{Text: "two", User: "a@example.com"}
	require.NoError(t, s.Create(ctx, models.CollectionPosts, first))
	require.NoError(t, s.Create(ctx, models.CollectionPosts, second))

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.Equal(t, time.UTC, first.CreatedAt.Location())
	assert.Equal(t, 0, first.Likes)
}

func TestCreate_UnknownCollection(t *testing.T) {
	s := New(setupSQLite(t))
	err := s.Create(context.Background(), "comments", &models.Post{})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestQuery_FilterAndOrder(t *testing.T) {
	s := New(setupSQLite(t))
	ctx := context.Background()

	for _, p := range []*models.Post{
		{Text: "a1", User: "a@example.com"},
		{Text: "b1", User: "b@example.com"},
		{Text: "a2", User: "a@example.com"},
	} {
		require.NoError(t, s.Create(ctx, models.CollectionPosts, p))
	}

	var posts []models.Post
	require.NoError(t, s.Query(ctx, postsQuery().Where("user", "a@example.com"), &posts))
	require.Len(t, posts, 2)
	assert.Equal(t, "a2", posts[0].Text)
	assert.Equal(t, "a1", posts[1].Text)

	var limited []models.Post
	require.NoError(t, s.Query(ctx, postsQuery().Take(1), &limited))
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].Text)
}

func TestQuery_RejectsUnknownFields(t *testing.T) {
	s := New(setupSQLite(t))
	var posts []models.Post

	err := s.Query(context.Background(), postsQuery().Where("password", "x"), &posts)
	assert.ErrorIs(t, err, ErrUnknownField)

	err = s.Query(context.Background(), Query{Collection: models.CollectionPosts}.Order("likes; DROP TABLE posts", Asc), &posts)
	assert.ErrorIs(t, err, ErrUnknownField)

	err = s.Query(context.Background(), Query{Collection: models.CollectionPosts, OrderBy: "likes", Direction: "sideways"}, &posts)
	assert.Error(t, err)
}

func TestUpdateFields(t *testing.T) {
	s := New(setupSQLite(t))
	ctx := context.Background()

	post := &models.Post{Text: "hi", User: "a@example.com", Likes: 3}
	require.NoError(t, s.Create(ctx, models.CollectionPosts, post))

	require.NoError(t, s.UpdateFields(ctx, models.CollectionPosts, post.ID, map[string]any{
		"likes":             4,
		"user_display_name": "Ann",
	}))

	var posts []models.Post
	require.NoError(t, s.Query(ctx, postsQuery(), &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, 4, posts[0].Likes)
	assert.Equal(t, "Ann", posts[0].UserDisplayName)

	err := s.UpdateFields(ctx, models.CollectionPosts, "missing", map[string]any{"likes": 1})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateFields(ctx, models.CollectionPosts, post.ID, map[string]any{"id": "other"})
	assert.ErrorIs(t, err, ErrUnknownField)

	err = s.UpdateFields(ctx, models.CollectionPosts, post.ID, nil)
	assert.ErrorIs(t, err, ErrNoFields)
}

func TestIncrement(t *testing.T) {
	s := New(setupSQLite(t))
	ctx := context.Background()

	post := &models.Post{Text: "hi", User: "a@example.com", Likes: 3}
	require.NoError(t, s.Create(ctx, models.CollectionPosts, post))

	require.NoError(t, s.Increment(ctx, models.CollectionPosts, post.ID, "likes", 1))
	require.NoError(t, s.Increment(ctx, models.CollectionPosts, post.ID, "likes", 1))

	var posts []models.Post
	require.NoError(t, s.Query(ctx, postsQuery(), &posts))
	assert.Equal(t, 5, posts[0].Likes)

	assert.ErrorIs(t, s.Increment(ctx, models.CollectionPosts, post.ID, "text", 1), ErrNotNumeric)
	assert.ErrorIs(t, s.Increment(ctx, models.CollectionPosts, "missing", "likes", 1), ErrNotFound)
}

func TestUpsert_ReplacesByKey(t *testing.T) {
	s := New(setupSQLite(t))
	ctx := context.Background()
	q := Query{Collection: models.CollectionProfiles}.Where("email", "a@example.com")

	require.NoError(t, s.Upsert(ctx, models.CollectionProfiles, &models.Profile{Email: "a@example.com", DisplayName: "Ann"}))
	require.NoError(t, s.Upsert(ctx, models.CollectionProfiles, &models.Profile{Email: "a@example.com", DisplayName: "Annie", Bio: "hello"}))

	var profiles []models.Profile
	require.NoError(t, s.Query(ctx, q, &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, "Annie", profiles[0].DisplayName)
	assert.Equal(t, "hello", profiles[0].Bio)
}

func TestUpdateFields_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "posts" SET "likes"=$1 WHERE "id" = $2`)).
		WithArgs(4, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateFields(context.Background(), models.CollectionPosts, "p1", map[string]any{"likes": 4})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrement_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "posts" SET "likes"="likes" + $1 WHERE "id" = $2`)).
		WithArgs(1, "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Increment(context.Background(), models.CollectionPosts, "p1", "likes", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	s := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "posts" WHERE "user_email" = $1 ORDER BY "created_at" DESC`)).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "text", "user_email", "likes"}).
			AddRow("p2", "second", "a@example.com", 5).
			AddRow("p1", "first", "a@example.com", 2))

	var posts []models.Post
	err := s.Query(context.Background(), postsQuery().Where("user", "a@example.com"), &posts)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "p2", posts[0].ID)
	assert.Equal(t, "a@example.com", posts[0].User)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_SnapshotCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	s := New(setupSQLite(t), WithSnapshotCache(cache.NewSnapshotCache(rdb, time.Minute)))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, models.CollectionPosts, &models.Post{Text: "one", User: "a@example.com"}))

	var first []models.Post
	require.NoError(t, s.Query(ctx, postsQuery(), &first))
	require.Len(t, first, 1)
	assert.NotEmpty(t, mr.Keys())

	require.NoError(t, s.Create(ctx, models.CollectionPosts, &models.Post{Text: "two", User: "a@example.com"}))

	var second []models.Post
	require.NoError(t, s.Query(ctx, postsQuery(), &second))
	require.Len(t, second, 2)
	assert.Equal(t, "two", second[0].Text)
}

type fakeBus struct {
	mu        sync.Mutex
	handler   changefeed.Handler
	published []changefeed.Event
	failWith  error
}

func (b *fakeBus) Name() string { return "fake" }

func (b *fakeBus) Publish(_ context.Context, ev changefeed.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return b.failWith
}

func (b *fakeBus) Listen(_ context.Context, h changefeed.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) emit(ev changefeed.Event) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(ev)
}

func TestWritesPublishChangeEvents(t *testing.T) {
	bus := &fakeBus{failWith: errors.New("bus down")}
	s := New(setupSQLite(t), WithBus(bus))
	ctx := context.Background()

	post := &models.Post{Text: "hi", User: "a@example.com"}
	require.NoError(t, s.Create(ctx, models.CollectionPosts, post), "publish failures must not fail the write")
	require.NoError(t, s.UpdateFields(ctx, models.CollectionPosts, post.ID, map[string]any{"likes": 1}))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 2)
	assert.Equal(t, changefeed.OpCreate, bus.published[0].Op)
	assert.Equal(t, post.ID, bus.published[0].DocID)
	assert.Equal(t, s.Origin(), bus.published[0].Origin)
	assert.Equal(t, changefeed.OpUpdate, bus.published[1].Op)
}
