// Tracing instrumentation for the engine.
package engine

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts a span covering the whole playbook run.
func (e *Engine) startRunSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "playbook.run")
	span.SetAttributes(
		attribute.String("playbook.name", name),
		attribute.String("playbook.mode", e.opts.Script.Settings.Mode.String()),
		attribute.Bool("playbook.resumed", e.startCycle > 1 || e.startUnit > 0),
	)
	return ctx, span
}

// endRunSpan ends the run span with the final state.
func (e *Engine) endRunSpan(span trace.Span, state string, err error) {
	span.SetAttributes(
		attribute.String("playbook.state", state),
		attribute.Int("playbook.compactions", e.compactions),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
