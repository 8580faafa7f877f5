// Package traces wires OpenTelemetry tracing through escrow operations and
// ledger settlements.
package traces

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/escrowd"
	serviceName = "escrowd"
)

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider exporting to otlpEndpoint over
// gRPC. An empty endpoint leaves tracing off and returns a no-op shutdown.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (ShutdownFunc, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return noop, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes. Amounts are strings so uint64 values survive intact.

func TransactionID(id uint64) attribute.KeyValue {
	return attribute.String("escrow.transaction_id", strconv.FormatUint(id, 10))
}

func Caller(addr string) attribute.KeyValue { return attribute.String("escrow.caller", addr) }

func Operation(op string) attribute.KeyValue { return attribute.String("escrow.operation", op) }

func State(state string) attribute.KeyValue { return attribute.String("escrow.state", state) }

func Amount(amount uint64) attribute.KeyValue {
	return attribute.String("escrow.amount", strconv.FormatUint(amount, 10))
}

func Reference(ref string) attribute.KeyValue { return attribute.String("ledger.reference", ref) }

func Legs(n int) attribute.KeyValue { return attribute.Int("ledger.legs", n) }
