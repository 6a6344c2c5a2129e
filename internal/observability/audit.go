package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is a structured record of a control decision in a conversation
type AuditEvent struct {
	Type           string                 `json:"event_type"` // guardrail, handoff, termination, lifecycle
	Timestamp      time.Time              `json:"timestamp"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Agent          string                 `json:"agent,omitempty"`
	Action         string                 `json:"action"`
	Status         string                 `json:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
}

// Auditor writes audit events as JSON lines and mirrors them as span events
type Auditor struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditor writes audit events to w
func NewAuditor(w io.Writer) *Auditor {
	return &Auditor{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// OpenAuditor appends audit events to the file at path
func OpenAuditor(path string) (*Auditor, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a := NewAuditor(file)
	a.file = file
	return a, nil
}

// Record emits an event. A nil Auditor drops it.
func (a *Auditor) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.agent", event.Agent),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("conversation_id", event.ConversationID).
		Str("agent", event.Agent).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if any
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// GuardrailBlocked records an input rejected by a guardrail
func (a *Auditor) GuardrailBlocked(ctx context.Context, conversationID, agent, rule, reason string) {
	a.Record(ctx, AuditEvent{
		Type:           "guardrail",
		ConversationID: conversationID,
		Agent:          agent,
		Action:         "input_blocked",
		Status:         "rejected",
		Metadata:       map[string]interface{}{"rule": rule, "reason": reason},
	})
}

// Handoff records a transfer of control
func (a *Auditor) Handoff(ctx context.Context, conversationID, from, to string) {
	a.Record(ctx, AuditEvent{
		Type:           "handoff",
		ConversationID: conversationID,
		Agent:          from,
		Action:         "transfer",
		Status:         "success",
		Metadata:       map[string]interface{}{"to": to},
	})
}

// Terminated records a forced termination
func (a *Auditor) Terminated(ctx context.Context, conversationID, agent, reason string) {
	a.Record(ctx, AuditEvent{
		Type:           "termination",
		ConversationID: conversationID,
		Agent:          agent,
		Action:         "terminate",
		Status:         "degraded",
		Metadata:       map[string]interface{}{"reason": reason},
	})
}

// Lifecycle records conversation start, end and archival
func (a *Auditor) Lifecycle(ctx context.Context, conversationID, agent, action string) {
	a.Record(ctx, AuditEvent{
		Type:           "lifecycle",
		ConversationID: conversationID,
		Agent:          agent,
		Action:         action,
		Status:         "success",
	})
}
