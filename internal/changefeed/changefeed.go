// Package changefeed carries document change events between server instances
// so live queries on every instance observe writes made on any of them.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Op is the kind of write that produced an event.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpUpsert Op = "upsert"
)

// Event announces that a document in Collection changed. Origin identifies
// the publishing instance so it can skip its own echoes.
type Event struct {
	Collection string    `json:"collection"`
	DocID      string    `json:"doc_id"`
	Op         Op        `json:"op"`
	At         time.Time `json:"at"`
	Origin     string    `json:"origin"`
}

// Handler receives events delivered by a Bus.
type Handler func(Event)

// Bus publishes and receives change events.
type Bus interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	// Listen subscribes and delivers events on a background goroutine until
	// ctx is cancelled. It returns once the subscription is established.
	Listen(ctx context.Context, h Handler) error
	Close() error
}

// Encode serializes an event for the wire.
func Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal change event: %w", err)
	}
	return b, nil
}

// Decode parses a wire event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if ev.Collection == "" {
		return Event{}, fmt.Errorf("change event without collection")
	}
	return ev, nil
}

// deliver runs h and keeps a panicking handler from killing the listener.
func deliver(driver string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in change handler",
				slog.String("driver", driver),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	h(ev)
}

// Local is the bus for single-instance deployments: the store already
// notifies its own live queries, so nothing crosses the process boundary.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (*Local) Name() string { return "local" }

func (*Local) Publish(context.Context, Event) error { return nil }

func (*Local) Listen(context.Context, Handler) error { return nil }

func (*Local) Close() error { return nil }
