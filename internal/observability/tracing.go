package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts every span in the process. InitTracing replaces it.
var Tracer trace.Tracer = otel.Tracer("socialfeed-api")

// TracingConfig selects the exporter and sampling for InitTracing.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
	Exporter       string // stdout | otlp
	OTLPEndpoint   string
	SamplerRatio   float64
}

// InitTracing installs the W3C propagators and, when enabled, a batching
// tracer provider. The returned func flushes and stops it.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		Tracer = otel.Tracer(cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter %q: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplerRatio)),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer(cfg.ServiceName)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "otlp" {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StoreOp times one document store call and carries its span. Finish must
// be called exactly once.
type StoreOp struct {
	span       trace.Span
	op         string
	collection string
	write      bool
	start      time.Time
}

// StartStoreRead begins a traced read of collection.
func StartStoreRead(ctx context.Context, op, collection string) (context.Context, *StoreOp) {
	return startStoreOp(ctx, op, collection, "", false)
}

// StartStoreWrite begins a traced write to collection. docID may be empty
// when the store assigns the key.
func StartStoreWrite(ctx context.Context, op, collection, docID string) (context.Context, *StoreOp) {
	return startStoreOp(ctx, op, collection, docID, true)
}

func startStoreOp(ctx context.Context, op, collection, docID string, write bool) (context.Context, *StoreOp) {
	attrs := []attribute.KeyValue{attribute.String("collection", collection)}
	if docID != "" {
		attrs = append(attrs, attribute.String("doc.id", docID))
	}
	ctx, span := Tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	return ctx, &StoreOp{span: span, op: op, collection: collection, write: write, start: time.Now()}
}

// Finish records latency, counts writes by outcome and ends the span.
func (o *StoreOp) Finish(err error) {
	StoreQueryLatency.WithLabelValues(o.op, o.collection).Observe(time.Since(o.start).Seconds())
	if o.write {
		StoreWrites.WithLabelValues(o.op, o.collection, Outcome(err)).Inc()
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
}
