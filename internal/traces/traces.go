// Package traces wires OpenTelemetry spans around chain lookups, revenue
// distribution, sensor ingest and AI generation.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agenthub/agenthub"

// Options configure the exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	Version     string  // reported as service.version
	SampleRatio float64 // fraction of root spans kept, clamped to [0,1]
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Init installs the global tracer provider. Without an endpoint spans are
// still created but go nowhere.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("agenthub"),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, err
	}

	ratio := opts.SampleRatio
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", ratio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed with err. A nil err is a no-op, so it can sit
// in a deferred closure over a named error result.
func Fail(span trace.Span, err error, desc string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

func AgentID(id string) attribute.KeyValue { return attribute.String("agent.id", id) }

func ServiceID(id string) attribute.KeyValue { return attribute.String("service.id", id) }

func TxHash(hash string) attribute.KeyValue { return attribute.String("tx.hash", hash) }

func Model(name string) attribute.KeyValue { return attribute.String("ai.model", name) }

func Tier(name string) attribute.KeyValue { return attribute.String("payment.tier", name) }

// Amount is a decimal USDC string, kept as text to avoid float rounding.
func Amount(amount string) attribute.KeyValue { return attribute.String("payment.amount", amount) }

func Address(addr string) attribute.KeyValue { return attribute.String("wallet.address", addr) }
