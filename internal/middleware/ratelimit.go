package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"socialfeed/internal/models"
	"socialfeed/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// ErrLimiterUnavailable is returned by Allow when counting needs Redis and
// there is none.
var ErrLimiterUnavailable = errors.New("rate limiter: redis unavailable")

// FailPolicy decides what happens to a request when Redis cannot count it.
type FailPolicy int

const (
	FailOpen FailPolicy = iota
	FailClosed
)

// RateLimiter counts actions per caller in fixed Redis windows. A disabled
// limiter allows everything, which is what development and tests run with.
type RateLimiter struct {
	rdb     *redis.Client
	enabled bool
}

// NewRateLimiter returns a limiter over rdb. rdb may be nil.
func NewRateLimiter(rdb *redis.Client, enabled bool) *RateLimiter {
	return &RateLimiter{rdb: rdb, enabled: enabled}
}

// Decision is the outcome of one counted action.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Allow counts one action by caller against resource.
func (l *RateLimiter) Allow(ctx context.Context, resource, caller string, limit int, window time.Duration) (Decision, error) {
	if l == nil || !l.enabled {
		return Decision{Allowed: true, Remaining: limit}, nil
	}
	if l.rdb == nil {
		return Decision{}, ErrLimiterUnavailable
	}

	key := "rl:" + resource + ":" + caller
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		observability.RedisErrors.WithLabelValues("incr").Inc()
		return Decision{}, err
	}
	// The first hit in a window starts its clock.
	if n == 1 {
		l.rdb.Expire(ctx, key, window)
	}
	reset, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil || reset < 0 {
		reset = window
	}

	count := int(n)
	return Decision{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		ResetIn:   reset,
	}, nil
}

// Limit returns a handler allowing limit requests per window for resource.
// Callers are keyed by signed-in identity, falling back to remote IP.
func (l *RateLimiter) Limit(resource string, limit int, window time.Duration) fiber.Handler {
	return l.LimitWithPolicy(resource, limit, window, FailOpen)
}

// LimitWithPolicy is Limit with an explicit policy for Redis failures.
func (l *RateLimiter) LimitWithPolicy(resource string, limit int, window time.Duration, policy FailPolicy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := "ip:" + c.IP()
		if who, ok := c.Locals("identity").(string); ok && who != "" {
			caller = "user:" + who
		}

		d, err := l.Allow(c.UserContext(), resource, caller, limit, window)
		if err != nil {
			Logger.WarnContext(c.UserContext(), "rate limit check failed",
				slog.String("resource", resource),
				slog.String("error", err.Error()))
			if policy == FailClosed {
				return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
					Error: "Rate limiting is unavailable, please try again shortly.",
					Code:  models.CodeSubscription,
				})
			}
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(d.ResetIn.Round(time.Second)/time.Second)))
			return models.RespondWithError(c, fiber.StatusTooManyRequests, models.NewRateLimitError())
		}
		return c.Next()
	}
}
