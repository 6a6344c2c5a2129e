// Package message defines the records that make up a conversation history.
//
// Messages are append-only: once a message is part of a committed history it
// is never modified. Clone returns deep copies for callers that need to work
// on a private view.
package message

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ToolCall is a single tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one entry of a conversation history
type Message struct {
	ID         string                 `json:"id"`
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Agent      string                 `json:"agent,omitempty"`
	Synthetic  bool                   `json:"synthetic,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewID returns a fresh message identifier
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id
}

func newMessage(role Role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// User creates a user message
func User(content string) Message {
	return newMessage(RoleUser, content)
}

// Assistant creates a plain text reply produced by agent
func Assistant(agent, content string) Message {
	m := newMessage(RoleAssistant, content)
	m.Agent = agent
	return m
}

// AssistantToolCalls creates the assistant message carrying tool call requests
func AssistantToolCalls(agent, content string, calls []ToolCall) Message {
	m := Assistant(agent, content)
	m.ToolCalls = CloneToolCalls(calls)
	return m
}

// Tool creates a tool result correlated to the request with callID
func Tool(callID, content string) Message {
	m := newMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

// System creates a system message
func System(content string) Message {
	return newMessage(RoleSystem, content)
}

// Rejection creates the synthetic message recorded when a guardrail blocks
// user input. Synthetic messages are kept in history for callers but are
// never sent to the model.
func Rejection(agent, content, rule string) Message {
	m := newMessage(RoleSystem, content)
	m.Agent = agent
	m.Synthetic = true
	m.Metadata = map[string]interface{}{"guardrail": rule}
	return m
}

// Clone returns a deep copy of m
func (m Message) Clone() Message {
	out := m
	out.ToolCalls = CloneToolCalls(m.ToolCalls)
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneAll deep-copies a history
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// CloneToolCalls deep-copies tool calls including their argument maps
func CloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{ID: c.ID, Name: c.Name, Arguments: cloneArgs(c.Arguments)}
	}
	return out
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// ModelVisible filters out synthetic messages
func ModelVisible(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Synthetic {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ValidateToolCorrelation checks that every tool message answers a tool call
// requested earlier in the same history. It returns the id of the first
// orphaned tool message, or "" when the history is consistent.
func ValidateToolCorrelation(msgs []Message) string {
	requested := make(map[string]bool)
	for _, m := range msgs {
		for _, c := range m.ToolCalls {
			requested[c.ID] = true
		}
		if m.Role == RoleTool && !requested[m.ToolCallID] {
			return m.ID
		}
	}
	return ""
}
