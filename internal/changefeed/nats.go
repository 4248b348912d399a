package changefeed

import (
	"context"
	"fmt"
	"log/slog"

	"socialfeed/internal/observability"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const natsSubjectPrefix = "store.changes."

// NATSSubject derives the subject for a collection.
func NATSSubject(collection string) string {
	return natsSubjectPrefix + collection
}

// NATSBus publishes change events as NATS messages carrying the trace context
// in their headers.
type NATSBus struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// ConnectNATS dials url and returns a bus that owns the connection.
func ConnectNATS(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("socialfeed"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Name() string { return "nats" }

// NewNATSMsg builds the outbound message for ev with ctx's trace injected.
func NewNATSMsg(ctx context.Context, ev Event) (*nats.Msg, error) {
	data, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{
		Subject: NATSSubject(ev.Collection),
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	msg, err := NewNATSMsg(ctx, ev)
	if err != nil {
		return err
	}
	observability.ChangeEvents.WithLabelValues("nats", "out").Inc()
	return b.nc.PublishMsg(msg)
}

// Listen subscribes to every collection subject.
func (b *NATSBus) Listen(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(natsSubjectPrefix+"*", func(msg *nats.Msg) {
		handleNATSMsg(msg, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", natsSubjectPrefix, err)
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func handleNATSMsg(msg *nats.Msg, h Handler) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
	_, span := observability.Tracer.Start(ctx, "changefeed.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", msg.Subject)))
	defer span.End()

	ev, err := Decode(msg.Data)
	if err != nil {
		span.RecordError(err)
		slog.Warn("dropping malformed change event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	observability.ChangeEvents.WithLabelValues("nats", "in").Inc()
	deliver("nats", h, ev)
}

// Close drains the subscription and the connection.
func (b *NATSBus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
