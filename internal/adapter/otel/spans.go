// Package otel bridges run trace events onto OpenTelemetry spans.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/port/tracesink"
)

const tracerName = "pepperpy"

// StartRunSpan starts a span covering a whole team run. The run ID is
// only assigned once the run completes, so callers attach it afterwards
// with span.SetAttributes.
func StartRunSpan(ctx context.Context, teamName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "team.run",
		trace.WithAttributes(attribute.String("team.name", teamName)),
	)
}

// EndRunSpan finishes a run span, attaching the run ID assigned by the
// orchestrator and the run error, if any.
func EndRunSpan(span trace.Span, res *team.Result, err error) {
	if res != nil {
		if id, ok := res.Metadata["run_id"].(string); ok {
			span.SetAttributes(attribute.String("run.id", id))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanSink emits one span per provider call event.
type SpanSink struct{}

// NewSpanSink returns a sink that records provider calls as spans.
func NewSpanSink() *SpanSink { return &SpanSink{} }

// Emit records the event as a completed span. Since the event arrives
// after the call finished, the span's duration reflects only the sink
// overhead; the call timing lives in the event attributes.
func (s *SpanSink) Emit(ctx context.Context, ev tracesink.Event) {
	_, span := otel.Tracer(tracerName).Start(ctx, "provider.call",
		trace.WithAttributes(
			attribute.String("run.id", ev.RunID),
			attribute.String("team.name", ev.Team),
			attribute.String("agent.name", ev.Agent),
			attribute.Int("call.attempt", ev.Attempt),
			attribute.Bool("call.cache_hit", ev.CacheHit),
			attribute.Int("usage.total_tokens", ev.Usage.TotalTokens),
		),
	)
	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	}
	span.End()
}

var _ tracesink.Sink = (*SpanSink)(nil)
