// Package cache owns the Redis client and the query snapshot cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"socialfeed/internal/observability"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// errorsHook counts Redis failures by command. redis.Nil is a miss, not a
// failure.
type errorsHook struct{}

func (errorsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (errorsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		countError(cmd.Name(), err)
		return err
	}
}

func (errorsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		countError("pipeline", err)
		return err
	}
}

func countError(name string, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RedisErrors.WithLabelValues(name).Inc()
	}
}

// NewClient builds an instrumented client for addr, either a redis:// URL or
// host:port. It does not dial.
func NewClient(addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}

	c := redis.NewClient(opts)
	c.AddHook(errorsHook{})
	// Spans use the global tracer provider, so tracing must be set up first.
	if err := redisotel.InstrumentTracing(c, redisotel.WithDBStatement(false)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("instrument redis: %w", err)
	}
	return c, nil
}

// InitRedis returns a connected client for addr, or nil when addr is invalid
// or Redis does not answer a ping. Everything built on Redis degrades to
// in-process behaviour without it.
func InitRedis(addr string) *redis.Client {
	c, err := NewClient(addr)
	if err != nil {
		slog.Warn("invalid REDIS_URL, continuing without redis",
			slog.String("addr", addr), slog.String("error", err.Error()))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, continuing without redis",
			slog.String("addr", opts(c)), slog.String("error", err.Error()))
		_ = c.Close()
		return nil
	}

	slog.Info("redis connected", slog.String("addr", opts(c)))
	return c
}

func opts(c *redis.Client) string {
	return c.Options().Addr
}
