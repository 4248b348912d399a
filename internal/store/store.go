// Package store is the document store behind the feed: posts, replies and
// profiles with create, field update, atomic increment, upsert, one-shot
// queries and live queries that push a full snapshot on every change.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"socialfeed/internal/cache"
	"socialfeed/internal/changefeed"
	"socialfeed/internal/observability"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownField      = errors.New("unknown field")
	ErrNotNumeric        = errors.New("field is not numeric")
	ErrNoFields          = errors.New("no fields to update")
)

// Record is a document the store can stamp with its identity and time.
type Record interface {
	Key() string
	Assign(id string, at time.Time)
}

// Store is the document store contract used by repositories.
type Store interface {
	Create(ctx context.Context, collection string, rec Record) error
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error
	Increment(ctx context.Context, collection, id, field string, delta int) error
	Upsert(ctx context.Context, collection string, rec Record) error
	Query(ctx context.Context, q Query, dest any) error
	Subscribe(ctx context.Context, q Query, newDest func() any, onSnapshot func(any), onError func(error)) (Subscription, error)
}

// Option configures a GormStore.
type Option func(*GormStore)

// WithBus relays writes to other instances and listens for theirs.
func WithBus(bus changefeed.Bus) Option {
	return func(s *GormStore) { s.bus = bus }
}

// WithSnapshotCache serves queries through a Redis snapshot cache.
func WithSnapshotCache(c *cache.SnapshotCache) Option {
	return func(s *GormStore) { s.cache = c }
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) { s.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *GormStore) { s.newID = gen }
}

// GormStore implements Store on a GORM database.
type GormStore struct {
	db     *gorm.DB
	bus    changefeed.Bus
	cache  *cache.SnapshotCache
	origin string
	newID  func() string
	now    func() time.Time

	clockMu sync.Mutex
	last    time.Time

	subsMu sync.RWMutex
	subs   map[*subscription]struct{}
}

// New returns a store over db.
func New(db *gorm.DB, opts ...Option) *GormStore {
	s := &GormStore{
		db:     db,
		bus:    changefeed.NewLocal(),
		origin: uuid.NewString(),
		newID:  uuid.NewString,
		now:    time.Now,
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin identifies this store instance on the change bus.
func (s *GormStore) Origin() string { return s.origin }

// Start listens for changes published by other instances until ctx ends.
func (s *GormStore) Start(ctx context.Context) error {
	return s.bus.Listen(ctx, func(ev changefeed.Event) {
		if ev.Origin == s.origin {
			return
		}
		s.notify(ev.Collection)
	})
}

// timestamp returns a UTC time strictly after every earlier one, at the
// microsecond precision Postgres keeps.
func (s *GormStore) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *GormStore) Create(ctx context.Context, collection string, rec Record) (err error) {
	ctx, op := observability.StartStoreWrite(ctx, "create", collection, "")
	defer func() { op.Finish(err) }()

	if _, err = schemaFor(collection); err != nil {
		return err
	}

	rec.Assign(s.newID(), s.timestamp())
	if err = s.db.WithContext(ctx).Table(collection).Create(rec).Error; err != nil {
		return fmt.Errorf("create %s: %w", collection, err)
	}

	s.changed(ctx, collection, rec.Key(), changefeed.OpCreate)
	return nil
}

func (s *GormStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) (err error) {
	ctx, op := observability.StartStoreWrite(ctx, "update", collection, id)
	defer func() { op.Finish(err) }()

	schema, err := schemaFor(collection)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return ErrNoFields
	}

	updates := make(map[string]any, len(fields))
	for field, value := range fields {
		col, cerr := schema.column(field)
		if cerr != nil {
			return cerr
		}
		if col == schema.key {
			return fmt.Errorf("%w: %q is immutable", ErrUnknownField, field)
		}
		updates[col] = value
	}

	res := s.db.WithContext(ctx).Table(collection).
		Where(clause.Eq{Column: clause.Column{Name: schema.key}, Value: id}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}

	s.changed(ctx, collection, id, changefeed.OpUpdate)
	return nil
}

func (s *GormStore) Increment(ctx context.Context, collection, id, field string, delta int) (err error) {
	ctx, op := observability.StartStoreWrite(ctx, "increment", collection, id)
	defer func() { op.Finish(err) }()

	schema, err := schemaFor(collection)
	if err != nil {
		return err
	}
	col, err := schema.column(field)
	if err != nil {
		return err
	}
	if !schema.numeric[field] {
		return fmt.Errorf("%w: %q", ErrNotNumeric, field)
	}

	res := s.db.WithContext(ctx).Table(collection).
		Where(clause.Eq{Column: clause.Column{Name: schema.key}, Value: id}).
		Update(col, gorm.Expr("? + ?", clause.Column{Name: col}, delta))
	if res.Error != nil {
		return fmt.Errorf("increment %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("increment %s/%s: %w", collection, id, ErrNotFound)
	}

	s.changed(ctx, collection, id, changefeed.OpUpdate)
	return nil
}

// Upsert inserts rec or replaces the stored document with the same key.
// Records without a key get a generated one.
func (s *GormStore) Upsert(ctx context.Context, collection string, rec Record) (err error) {
	ctx, op := observability.StartStoreWrite(ctx, "upsert", collection, rec.Key())
	defer func() { op.Finish(err) }()

	schema, err := schemaFor(collection)
	if err != nil {
		return err
	}

	key := rec.Key()
	if key == "" {
		key = s.newID()
	}
	rec.Assign(key, s.timestamp())

	err = s.db.WithContext(ctx).Table(collection).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: schema.key}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, rec.Key(), err)
	}

	s.changed(ctx, collection, rec.Key(), changefeed.OpUpsert)
	return nil
}

// Query loads the current snapshot for q into dest, a pointer to a slice of
// the collection's model.
func (s *GormStore) Query(ctx context.Context, q Query, dest any) (err error) {
	ctx, op := observability.StartStoreRead(ctx, "query", q.Collection)
	defer func() { op.Finish(err) }()

	tx, err := q.apply(s.db.WithContext(ctx))
	if err != nil {
		return err
	}

	return s.cache.Load(ctx, q.Collection, q.fingerprint(), dest, func() error {
		if err := tx.Find(dest).Error; err != nil {
			return fmt.Errorf("query %s: %w", q.Collection, err)
		}
		return nil
	})
}

// changed runs after a durable write: drop cached snapshots, wake local live
// queries, then tell other instances. Publish failures are logged only.
func (s *GormStore) changed(ctx context.Context, collection, id string, op changefeed.Op) {
	s.cache.Invalidate(ctx, collection)
	s.notify(collection)

	ev := changefeed.Event{
		Collection: collection,
		DocID:      id,
		Op:         op,
		At:         time.Now().UTC(),
		Origin:     s.origin,
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.WarnContext(ctx, "change event publish failed",
			slog.String("bus", s.bus.Name()),
			slog.String("collection", collection),
			slog.String("error", err.Error()))
	}
}

// Close stops every live query still open.
func (s *GormStore) Close() {
	s.subsMu.RLock()
	open := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		open = append(open, sub)
	}
	s.subsMu.RUnlock()

	for _, sub := range open {
		sub.Unsubscribe()
	}
}
