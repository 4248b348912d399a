package changefeed

import (
	"context"
	"log/slog"
	"strings"

	"socialfeed/internal/observability"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "store:changes:"

// RedisChannel derives the pub/sub channel for a collection.
func RedisChannel(collection string) string {
	return redisChannelPrefix + collection
}

// RedisBus fans change events out over Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a bus on rdb. A nil client makes every call a no-op.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if b.rdb == nil {
		return nil
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	observability.ChangeEvents.WithLabelValues("redis", "out").Inc()
	return b.rdb.Publish(ctx, RedisChannel(ev.Collection), payload).Err()
}

// Listen subscribes to every collection channel.
func (b *RedisBus) Listen(ctx context.Context, h Handler) error {
	if b.rdb == nil {
		return nil
	}
	sub := b.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					slog.Warn("dropping malformed change event",
						slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				if !strings.HasSuffix(msg.Channel, ev.Collection) {
					continue
				}
				observability.ChangeEvents.WithLabelValues("redis", "in").Inc()
				deliver("redis", h, ev)
			}
		}
	}()

	return nil
}

// Close leaves the shared client open; its owner closes it.
func (b *RedisBus) Close() error { return nil }
