// Package tracing wraps an OpenTelemetry tracer into the span shape the
// dispatcher needs: one span per Dispatch call, carrying the flow and
// instance identity as attributes and recording an error status when the
// dispatch fails.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer satisfies flow/runtime.DispatchTracer.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps an OpenTelemetry tracer, typically obtained via
// otel.Tracer("flowlite").
func New(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// StartSpan opens a "flow.dispatch" span for one Dispatch call. The
// returned func must be called with the dispatch's final error (nil on
// success) to close the span.
func (t *Tracer) StartSpan(ctx context.Context, flowID string, instanceID uuid.UUID) (context.Context, func(err error)) {
	spanCtx, span := t.tracer.Start(ctx, "flow.dispatch")
	span.SetAttributes(
		attribute.String("flowlite.flow_id", flowID),
		attribute.String("flowlite.instance_id", instanceID.String()),
	)
	return spanCtx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
	}
}

// StartStep opens a child span for one advancement step within the
// execution loop (a single stage transition), named after the stage being
// left.
func (t *Tracer) StartStep(ctx context.Context, fromStage string) (context.Context, func(err error)) {
	spanCtx, span := t.tracer.Start(ctx, "flow.step")
	span.SetAttributes(attribute.String("flowlite.from_stage", fromStage))
	return spanCtx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
	}
}
