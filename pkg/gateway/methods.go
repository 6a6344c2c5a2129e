package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/runner"
)

// Conversations is the caller API the gateway exposes
type Conversations interface {
	Start(ctx context.Context, agentName string) (string, error)
	Submit(ctx context.Context, id, text string) (runner.Reply, error)
	Stream(ctx context.Context, id, text string) <-chan runner.Event
	History(ctx context.Context, id string) ([]message.Message, error)
	Agent(ctx context.Context, id string) (string, error)
	End(ctx context.Context, id string) error
	Catalog() *agent.Catalog
}

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("agents.list", s.handleAgentsList)
	_ = s.RegisterMethod("conversation.start", s.handleConversationStart)
	_ = s.RegisterMethod("conversation.send", s.handleConversationSend)
	_ = s.RegisterMethod("conversation.history", s.handleConversationHistory)
	_ = s.RegisterMethod("conversation.agent", s.handleConversationAgent)
	_ = s.RegisterMethod("conversation.end", s.handleConversationEnd)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

func (s *Server) handleAgentsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	catalog := s.conversations.Catalog()

	agents := make([]map[string]interface{}, 0, catalog.Len())
	for _, a := range catalog.Agents() {
		handoffs := make([]string, 0, len(a.Handoffs()))
		for _, route := range a.Handoffs() {
			handoffs = append(handoffs, route.Target)
		}
		agents = append(agents, map[string]interface{}{
			"name":        a.Name(),
			"description": a.Description(),
			"tools":       a.Tools().Names(),
			"handoffs":    handoffs,
		})
	}

	return map[string]interface{}{
		"entry":  catalog.Entry().Name(),
		"agents": agents,
	}, nil
}

func (s *Server) handleConversationStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentName, err := optionalString(params, "agent")
	if err != nil {
		return nil, err
	}

	id, err := s.conversations.Start(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if clientID := clientIDFromContext(ctx); clientID != "" {
		s.clients.Follow(clientID, id)
	}
	active, err := s.conversations.Agent(ctx, id)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"conversation_id": id,
		"agent":           active,
	}, nil
}

// handleConversationSend runs one turn. With stream=true, progress events
// are published to the conversation's followers before the response.
func (s *Server) handleConversationSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "conversation_id")
	if err != nil {
		return nil, err
	}
	text, err := requiredString(params, "text")
	if err != nil {
		return nil, err
	}

	stream, _ := params["stream"].(bool)
	clientID := clientIDFromContext(ctx)
	if clientID != "" {
		if _, err := s.conversations.Agent(ctx, id); err != nil {
			return nil, err
		}
		s.clients.Follow(clientID, id)
	}
	if !stream || clientID == "" {
		return s.conversations.Submit(ctx, id, text)
	}

	var (
		reply   runner.Reply
		turnErr error
	)
	for ev := range s.conversations.Stream(ctx, id, text) {
		switch ev.Type {
		case runner.EventDone:
			reply = *ev.Reply
		case runner.EventError:
			turnErr = ev.Err
		}
		s.broadcaster.Publish(id, streamEvent(ctx, ev))
	}
	if turnErr != nil {
		return nil, turnErr
	}
	return reply, nil
}

func (s *Server) handleConversationHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "conversation_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.conversations.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"conversation_id": id,
		"messages":        msgs,
	}, nil
}

func (s *Server) handleConversationAgent(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "conversation_id")
	if err != nil {
		return nil, err
	}
	active, err := s.conversations.Agent(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation_id": id, "agent": active}, nil
}

func (s *Server) handleConversationEnd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.conversations.End(ctx, id); err != nil {
		return nil, err
	}

	s.broadcaster.Publish(id, EventMessage{
		Event:  "conversation.ended",
		Stream: StreamTypeLifecycle,
		Phase:  "end",
		Data:   map[string]interface{}{"conversation_id": id},
	})
	s.clients.Forget(id)
	return map[string]interface{}{"conversation_id": id, "ended": true}, nil
}

func (s *Server) handleGatewayClients(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.Info()}, nil
}

func streamEvent(ctx context.Context, ev runner.Event) EventMessage {
	msg := EventMessage{
		Event:     "conversation." + string(ev.Type),
		Agent:     ev.Agent,
		TraceID:   tracing.GetTraceID(ctx),
		RequestID: tracing.GetRequestID(ctx),
	}

	switch ev.Type {
	case runner.EventFragment:
		msg.Stream, msg.Phase = StreamTypeAssistant, "delta"
		msg.Data = map[string]interface{}{"text": ev.Text}
	case runner.EventToolCall:
		msg.Stream, msg.Phase = StreamTypeTool, "start"
		msg.Data = ev.Call
	case runner.EventToolResult:
		msg.Stream, msg.Phase = StreamTypeTool, "end"
		msg.Data = ev.Tool
	case runner.EventHandoff:
		msg.Stream, msg.Phase = StreamTypeHandoff, "switch"
		msg.Data = ev.Handoff
	case runner.EventDone:
		msg.Stream, msg.Phase = StreamTypeLifecycle, "complete"
		msg.Data = ev.Reply
	case runner.EventError:
		msg.Stream, msg.Phase = StreamTypeLifecycle, "error"
		msg.Data = map[string]interface{}{"error": ev.Text}
	}
	return msg
}

// codeFor maps caller API errors to RPC error codes
func codeFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrNotFound):
		return NotFound
	case errors.Is(err, runner.ErrConversationTerminated):
		return ConversationClosed
	case errors.Is(err, runner.ErrUnknownAgent):
		return InvalidParams
	default:
		return InternalError
	}
}

func requiredString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", key),
		}
	}
	return v, nil
}

func optionalString(params map[string]interface{}, key string) (string, error) {
	raw, exists := params[key]
	if !exists || raw == nil {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter must be a string", key)}
	}
	return strings.TrimSpace(v), nil
}

type ctxKey string

const clientIDKey ctxKey = "clientID"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}
