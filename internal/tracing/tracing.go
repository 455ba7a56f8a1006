// Package tracing wraps each pipeline's happens-before step sequence
// (spec.md §5) in an otel span, one root span per command invocation
// and one child span per step: drain/deactivate, shrink, prepare
// synthetic device, copy to physical, reactivate. No exporter is wired
// by default, so spans are collected by the otel SDK's no-op tracer
// until a caller configures a real one — this package only needs the
// API surface, not a particular backend.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/superfly/blocks"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartPipeline opens the root span for one cmd/blocks invocation.
func StartPipeline(ctx context.Context, command, devicePath string) (context.Context, trace.Span) {
	return tracer().Start(ctx, command, trace.WithAttributes(
		attribute.String("blocks.command", command),
		attribute.String("blocks.device", devicePath),
	))
}

// Step opens a child span for one happens-before step of the pipeline
// currently in ctx (drain, shrink, prepare-synthetic, copy-to-physical,
// reactivate, ...). Callers defer the returned span's End.
func Step(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer().Start(ctx, name)
}

// End records err (if any) on span and ends it — the single call site
// every pipeline step's deferred cleanup uses, instead of repeating
// span.RecordError/span.End separately at every call site.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
