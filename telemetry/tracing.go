package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName identifies spans created by this module.
const InstrumentationName = "github.com/vinayprograms/taskbroker"

// Span attribute keys.
const (
	AttrTaskID   = attribute.Key("task.id")
	AttrRunID    = attribute.Key("task.run_id")
	AttrSteps    = attribute.Key("task.steps")
	AttrRetries  = attribute.Key("task.retries")
	AttrStatus   = attribute.Key("task.status")
	AttrStale    = attribute.Key("sweep.stale")
	AttrRequeued = attribute.Key("sweep.requeued")
	AttrFailed   = attribute.Key("sweep.failed")
)

// Tracer starts spans for broker operations. The zero value is not usable;
// use NewTracer or Noop.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer drawing from tp.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return NewTracer(noop.NewTracerProvider())
}

// StartDispatch starts the span around persisting a new task.
func (t *Tracer) StartDispatch(ctx context.Context, steps int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "broker.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(AttrSteps.Int(steps)),
	)
}

// StartClaim starts the span covering a Claim call, including its wait.
func (t *Tracer) StartClaim(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "broker.claim", trace.WithSpanKind(trace.SpanKindConsumer))
}

// StartComplete starts the span around writing a run's outcome.
func (t *Tracer) StartComplete(ctx context.Context, taskID, runID, status string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task.complete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTaskID.String(taskID),
			AttrRunID.String(runID),
			AttrStatus.String(status),
		),
	)
}

// StartSweep starts the span around one staleness sweep.
func (t *Tracer) StartSweep(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sweeper.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// End records err, if any, and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
