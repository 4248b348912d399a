// Package bootstrap assembles the store, repositories and services from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"socialfeed/internal/cache"
	"socialfeed/internal/changefeed"
	"socialfeed/internal/config"
	"socialfeed/internal/database"
	"socialfeed/internal/featureflags"
	"socialfeed/internal/repository"
	"socialfeed/internal/seed"
	"socialfeed/internal/service"
	"socialfeed/internal/session"
	"socialfeed/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SeedFixtures loads the bundled demo fixtures when the feed is empty.
	SeedFixtures bool
}

// Runtime holds everything the server and the commands need.
type Runtime struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Bus    changefeed.Bus
	Store  *store.GormStore
	Flags  *featureflags.Manager

	Posts    repository.PostRepository
	Replies  repository.ReplyRepository
	Profiles repository.ProfileRepository

	PostService    *service.PostService
	ProfileService *service.ProfileService
	Sessions       *session.JWTProvider

	cancel context.CancelFunc
}

// InitRuntime connects to the database, Redis and the change bus, and starts
// listening for remote changes.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	// nil when unreachable; the store and sessions degrade without it.
	rdb := cache.InitRedis(cfg.RedisURL)

	bus, err := NewBus(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}

	st := store.New(db,
		store.WithBus(bus),
		store.WithSnapshotCache(cache.NewSnapshotCache(rdb, cfg.SnapshotCacheTTL())),
	)

	listenCtx, cancel := context.WithCancel(context.Background())
	if err := st.Start(listenCtx); err != nil {
		cancel()
		_ = bus.Close()
		return nil, fmt.Errorf("start change listener: %w", err)
	}

	rt := NewRuntime(cfg, db, rdb, bus, st)
	rt.cancel = cancel

	if opts.SeedFixtures {
		if err := rt.seedIfEmpty(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}

	slog.Info("runtime ready",
		slog.String("changefeed", bus.Name()),
		slog.Bool("redis", rdb != nil),
		slog.String("origin", st.Origin()))
	return rt, nil
}

// NewRuntime wires repositories, services and sessions over an open store.
func NewRuntime(cfg *config.Config, db *gorm.DB, rdb *redis.Client, bus changefeed.Bus, st *store.GormStore) *Runtime {
	if bus == nil {
		bus = changefeed.NewLocal()
	}
	flags := featureflags.NewManager(cfg.FeatureFlags)
	posts := repository.NewPostRepository(st)
	replies := repository.NewReplyRepository(st)
	profiles := repository.NewProfileRepository(st)

	return &Runtime{
		Config:         cfg,
		DB:             db,
		Redis:          rdb,
		Bus:            bus,
		Store:          st,
		Flags:          flags,
		Posts:          posts,
		Replies:        replies,
		Profiles:       profiles,
		PostService:    service.NewPostService(posts, replies, flags, cfg.ImageMaxBytes),
		ProfileService: service.NewProfileService(posts, profiles, cfg.ProfileBackfillCount),
		Sessions: session.NewJWTProvider(session.Config{
			Secret:   cfg.SessionSecret,
			Issuer:   cfg.SessionIssuer,
			Audience: cfg.SessionAudience,
			TTL:      cfg.SessionTTL(),
		}, rdb),
	}
}

// NewBus returns the change bus named by CHANGEFEED_DRIVER.
func NewBus(ctx context.Context, cfg *config.Config, rdb *redis.Client) (changefeed.Bus, error) {
	switch cfg.ChangefeedDriver {
	case "", config.ChangefeedLocal:
		return changefeed.NewLocal(), nil
	case config.ChangefeedRedis:
		if rdb == nil {
			slog.Warn("redis unavailable, change events stay in this process")
			return changefeed.NewLocal(), nil
		}
		return changefeed.NewRedisBus(rdb), nil
	case config.ChangefeedNATS:
		return changefeed.ConnectNATS(cfg.NATSURL)
	case config.ChangefeedPostgres:
		if cfg.DBDriver != "postgres" {
			return nil, errors.New("changefeed driver postgres requires DB_DRIVER=postgres")
		}
		return changefeed.ConnectPostgres(ctx, database.PostgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unknown changefeed driver %q", cfg.ChangefeedDriver)
	}
}

func (rt *Runtime) seedIfEmpty(ctx context.Context) error {
	existing, err := rt.Posts.List(ctx)
	if err != nil {
		return fmt.Errorf("check existing posts: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	s := seed.NewSeeder(rt.DB, rt.Posts, rt.Replies, rt.Profiles)
	if err := s.Apply(ctx, seed.DefaultFixtures()); err != nil {
		return fmt.Errorf("seed fixtures: %w", err)
	}
	return nil
}

// Close stops live queries and releases connections.
func (rt *Runtime) Close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Store.Close()
	if err := rt.Bus.Close(); err != nil {
		slog.Warn("change bus close failed", slog.String("error", err.Error()))
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if sqlDB, err := rt.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
