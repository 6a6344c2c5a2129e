package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// ForHandoff keeps the trace and run of ctx and switches the active agent
func ForHandoff(ctx context.Context, agent string) context.Context {
	return WithAgent(ctx, agent)
}

// LoggerFromContext adds tracing fields of ctx to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.ConversationID != "" {
		lc = lc.Str("conversation_id", tc.ConversationID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}

// Detach returns a background context carrying the tracing values of ctx,
// for work that must outlive the caller's cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.RunID != "" {
		out = WithRunID(out, tc.RunID)
	}
	if tc.ConversationID != "" {
		out = WithConversationID(out, tc.ConversationID)
	}
	if tc.Agent != "" {
		out = WithAgent(out, tc.Agent)
	}
	if tc.RequestID != "" {
		out = WithRequestID(out, tc.RequestID)
	}
	return out
}
