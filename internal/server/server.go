// Package server contains the HTTP and WebSocket handlers for the feed API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "socialfeed/docs" // swagger docs
	"socialfeed/internal/bootstrap"
	"socialfeed/internal/config"
	"socialfeed/internal/featureflags"
	"socialfeed/internal/middleware"
	"socialfeed/internal/models"
	"socialfeed/internal/notifications"
	"socialfeed/internal/service"
	"socialfeed/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// The collector registers on the default registry, so build it once per process.
var httpMetrics = sync.OnceValue(func() *fiberprometheus.FiberPrometheus {
	return middleware.InitMetrics("socialfeed-api")
})

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	runtime        *bootstrap.Runtime
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus

	posts        *service.PostService
	profiles     *service.ProfileService
	sessions     session.Provider
	featureFlags *featureflags.Manager
	limiter      *middleware.RateLimiter

	feedHub    *notifications.Hub
	profileHub *notifications.Hub
}

// NewServer creates a new server instance with all dependencies
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{SeedFixtures: !cfg.IsProduction()})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, rt), nil
}

// NewServerWithDeps creates a Server over an already initialized runtime.
// Shutdown closes the runtime.
func NewServerWithDeps(cfg *config.Config, rt *bootstrap.Runtime) *Server {
	return &Server{
		config:         cfg,
		db:             rt.DB,
		redis:          rt.Redis,
		runtime:        rt,
		promMiddleware: httpMetrics(),
		posts:          rt.PostService,
		profiles:       rt.ProfileService,
		sessions:       rt.Sessions,
		featureFlags:   rt.Flags,
		limiter:        middleware.NewRateLimiter(rt.Redis, rateLimitsEnabled(cfg.Env)),
		feedHub:        notifications.NewHub("feed hub"),
		profileHub:     notifications.NewHub("profile hub"),
	}
}

// Per-caller limits are skipped outside deployed environments.
func rateLimitsEnabled(env string) bool {
	switch env {
	case "", "test", "development", "stress":
		return false
	}
	return true
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected browser requests still get CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "socialfeed metrics",
	}))
	api.Get("/swagger/*", swagger.HandlerDefault)

	protected := api.Group("", s.AuthRequired())

	protected.Get("/session", s.GetSession)
	protected.Post("/session/signout", s.SignOut)
	protected.Post("/ws/ticket", s.IssueWSTicket)

	posts := protected.Group("/posts")
	posts.Get("/", s.GetPosts)
	posts.Post("/", s.limiter.Limit("create_post", 10, time.Minute), s.CreatePost)
	posts.Post("/preview", s.PreviewImage)
	posts.Post("/:id/like", s.limiter.Limit(limitLike.resource, limitLike.max, limitLike.window), s.LikePost)
	posts.Post("/:id/replies", s.limiter.Limit(limitReply.resource, limitReply.max, limitReply.window), s.CreateReply)

	protected.Get("/profile", s.GetProfile)
	protected.Put("/profile", s.limiter.Limit(limitProfile.resource, limitProfile.max, limitProfile.window), s.UpdateProfile)

	protected.Get("/feature-flags", s.GetFeatureFlags)

	ws := protected.Group("/ws")
	ws.Get("/feed", s.FeedSocket())
	ws.Get("/profile", s.ProfileSocket())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports database and Redis health. Redis is optional, so
// only the database decides readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"live_connections": s.feedHub.Count() + s.profileHub.Count(),
		"time":             time.Now(),
	})
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "socialfeed",
		BodyLimit: int(s.config.ImageMaxBytes) + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			slog.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start builds the app and listens until Shutdown.
func (s *Server) Start() error {
	s.app = s.newApp()
	slog.Info("server starting", slog.String("port", s.config.Port))
	if err := s.app.Listen(":" + s.config.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes live connections and releases the runtime.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			slog.Warn("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	for _, h := range []*notifications.Hub{s.feedHub, s.profileHub} {
		if err := h.Shutdown(ctx); err != nil {
			slog.Warn("error shutting down hub", slog.String("hub", h.Name()), slog.String("error", err.Error()))
		}
	}

	if s.runtime != nil {
		s.runtime.Close()
	}

	slog.Info("server shutdown complete")
	return nil
}
