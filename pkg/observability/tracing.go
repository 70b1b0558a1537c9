// Package observability wires OpenTelemetry tracing for stage runs.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

const tracerName = "github.com/baanu007/aws-serverless-etl"

// Init installs a global tracer provider writing spans to stdout. The
// returned shutdown function flushes pending spans; call it on exit.
func Init(ctx context.Context, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "create trace exporter")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartStageSpan opens a span covering one stage run attempt.
func StartStageSpan(ctx context.Context, stage, batchID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage.run",
		trace.WithAttributes(
			attribute.String("etl.stage", stage),
			attribute.String("etl.batch_id", batchID),
			attribute.String("etl.run_id", runID),
		))
}
