package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one Submit call
	RunIDKey ContextKey = "run_id"
	// AgentKey is the context key for the active agent name
	AgentKey ContextKey = "agent"
	// ConversationIDKey is the context key for the conversation id
	ConversationIDKey ContextKey = "conversation_id"
	// RequestIDKey is the context key for an inbound gateway request
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	RunID          string
	Agent          string
	ConversationID string
	RequestID      string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey) }

// GetAgent retrieves the agent name from the context
func GetAgent(ctx context.Context) string { return stringValue(ctx, AgentKey) }

// GetConversationID retrieves the conversation id from the context
func GetConversationID(ctx context.Context) string { return stringValue(ctx, ConversationIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		RunID:          GetRunID(ctx),
		Agent:          GetAgent(ctx),
		ConversationID: GetConversationID(ctx),
		RequestID:      GetRequestID(ctx),
	}
}

// NewRunContext starts a run for one user turn in a conversation.
// An existing trace ID is kept so gateway requests and turns share a trace.
func NewRunContext(ctx context.Context, conversationID, agent string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithConversationID(ctx, conversationID)
	return WithAgent(ctx, agent)
}
