package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "forgeflow"

// StartRunSpan starts a span covering a whole run.
func StartRunSpan(ctx context.Context, runID, taskID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("task.id", taskID),
			attribute.String("run.strategy", strategy),
		),
	)
}

// StartPhaseSpan starts a span for one pipeline phase within a run.
func StartPhaseSpan(ctx context.Context, phase string, round int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("phase", phase)}
	if round > 0 {
		attrs = append(attrs, attribute.Int("revision.round", round))
	}
	return otel.Tracer(tracerName).Start(ctx, "phase."+phase, trace.WithAttributes(attrs...))
}

// StartProviderSpan starts a span for a single provider attempt.
func StartProviderSpan(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.name", provider),
			attribute.String("provider.model", model),
			attribute.Int("provider.attempt", attempt),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
