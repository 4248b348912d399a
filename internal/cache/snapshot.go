package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socialfeed/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotVersionKey = "snapshot:%s:version"
	snapshotKey        = "snapshot:%s:v%d:%s"
)

// SnapshotCache caches query results per collection. Every write bumps the
// collection version so older entries stop being addressed and age out.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache returns a cache over rdb. A nil client disables caching.
func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

// Enabled reports whether a Redis client backs the cache.
func (s *SnapshotCache) Enabled() bool {
	return s != nil && s.rdb != nil && s.ttl > 0
}

// VersionKey is the counter bumped on every write to collection.
func VersionKey(collection string) string {
	return fmt.Sprintf(snapshotVersionKey, collection)
}

// Load serves dest from the cache entry for (collection, fingerprint) at the
// current version, or fills it with fetch.
func (s *SnapshotCache) Load(ctx context.Context, collection, fingerprint string, dest any, fetch func() error) error {
	if !s.Enabled() {
		return fetch()
	}

	version, err := s.rdb.Get(ctx, VersionKey(collection)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.SnapshotCache.WithLabelValues(collection, "error").Inc()
		return fetch()
	}

	key := fmt.Sprintf(snapshotKey, collection, version, fingerprint)
	hit, err := Aside(ctx, s.rdb, key, dest, s.ttl, fetch)
	if err != nil {
		return err
	}
	if hit {
		observability.SnapshotCache.WithLabelValues(collection, "hit").Inc()
	} else {
		observability.SnapshotCache.WithLabelValues(collection, "miss").Inc()
	}
	return nil
}

// Invalidate bumps the collection version.
func (s *SnapshotCache) Invalidate(ctx context.Context, collection string) {
	if !s.Enabled() {
		return
	}
	s.rdb.Incr(ctx, VersionKey(collection))
}
