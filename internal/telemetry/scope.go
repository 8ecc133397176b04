// Package telemetry opens a trace span around every task execution.
//
// Spans are named by the task's span template, falling back to the task id.
// Templates are opaque; nothing checks that a collector knows them.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tokenflow/internal/ir"
)

const instrumentation = "github.com/roach88/tokenflow/internal/engine"

// Attribute keys.
const (
	AttrInstance = attribute.Key("tokenflow.instance_id")
	AttrTask     = attribute.Key("tokenflow.task_id")
	AttrPattern  = attribute.Key("tokenflow.pattern")
	AttrOutcome  = attribute.Key("tokenflow.outcome")
	AttrCycles   = attribute.Key("tokenflow.cycles")
)

// Tracer opens task scopes.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses tp, or the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(instrumentation)}
}

// Scope is an open task span.
type Scope struct {
	span trace.Span
}

// Start opens the scope of one task execution.
func (t *Tracer) Start(ctx context.Context, instanceID string, task *ir.Task) (context.Context, *Scope) {
	name := task.SpanTemplate
	if name == "" {
		name = task.ID
	}
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrInstance.String(instanceID),
			AttrTask.String(task.ID),
			AttrPattern.String(task.Pattern.Name),
		))
	return ctx, &Scope{span: span}
}

// End closes the scope, recording the outcome, the cycles spent and err.
func (s *Scope) End(outcome string, cycles uint64, err error) {
	s.span.SetAttributes(AttrOutcome.String(outcome), AttrCycles.Int64(int64(cycles)))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
