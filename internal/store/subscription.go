package store

import (
	"context"
	"sync"

	"socialfeed/internal/observability"
)

// Subscription is the handle of a live query.
type Subscription interface {
	// Unsubscribe stops the live query and waits for an in-flight delivery to
	// finish; no handler runs after it returns. It must not be called from the
	// subscription's own handlers.
	Unsubscribe()
}

type subscription struct {
	store  *GormStore
	query  Query
	signal chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts a live query. onSnapshot receives the initial result and a
// fresh full result after every change to the collection, in order, on one
// goroutine. A failed query is reported once to onError and ends the
// subscription. Changes arriving while a snapshot is being built coalesce
// into a single follow-up query.
func (s *GormStore) Subscribe(
	ctx context.Context,
	q Query,
	newDest func() any,
	onSnapshot func(any),
	onError func(error),
) (Subscription, error) {
	if _, err := q.apply(s.db); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:  s,
		query:  q,
		signal: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	observability.LiveSubscriptions.WithLabelValues(q.Collection).Inc()

	go sub.run(subCtx, newDest, onSnapshot, onError)
	return sub, nil
}

func (sub *subscription) run(ctx context.Context, newDest func() any, onSnapshot func(any), onError func(error)) {
	defer close(sub.done)
	defer func() {
		sub.store.subsMu.Lock()
		delete(sub.store.subs, sub)
		sub.store.subsMu.Unlock()
		observability.LiveSubscriptions.WithLabelValues(sub.query.Collection).Dec()
	}()

	push := func() bool {
		dest := newDest()
		if err := sub.store.Query(ctx, sub.query, dest); err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		onSnapshot(dest)
		observability.SnapshotsDelivered.WithLabelValues(sub.query.Collection).Inc()
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.signal:
			if !push() {
				return
			}
		}
	}
}

// wake schedules a re-query; a pending signal absorbs this one.
func (sub *subscription) wake() {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

// notify wakes every live query on collection.
func (s *GormStore) notify(collection string) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for sub := range s.subs {
		if sub.query.Collection == collection {
			sub.wake()
		}
	}
}

// Watch is Subscribe for a typed slice of documents.
func Watch[T any](ctx context.Context, s Store, q Query, onSnapshot func([]T), onError func(error)) (Subscription, error) {
	return s.Subscribe(ctx, q,
		func() any { return &[]T{} },
		func(v any) { onSnapshot(*v.(*[]T)) },
		onError,
	)
}
