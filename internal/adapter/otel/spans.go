package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "convoke"

// StartDispatchSpan starts a span for a task dispatch attempt.
func StartDispatchSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartTallySpan starts a span for a session tally.
func StartTallySpan(ctx context.Context, sessionID, algorithm string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tally",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.algorithm", algorithm),
		),
	)
}
