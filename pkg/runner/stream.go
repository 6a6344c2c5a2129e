package runner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harun/switchboard/pkg/message"
)

// EventType names a streamed turn event
type EventType string

const (
	EventFragment   EventType = "fragment"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventHandoff    EventType = "handoff"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one step of a streamed turn. Fragments are raw model text and
// have not passed output guardrails; the done event carries the final
// guarded reply.
type Event struct {
	Type    EventType         `json:"type"`
	Agent   string            `json:"agent,omitempty"`
	Text    string            `json:"text,omitempty"`
	Call    *message.ToolCall `json:"call,omitempty"`
	Tool    *ToolOutcome      `json:"tool,omitempty"`
	Handoff *Handoff          `json:"handoff,omitempty"`
	Reply   *Reply            `json:"reply,omitempty"`
	Err     error             `json:"-"`
}

const streamBuffer = 64

// Stream runs one user turn like Submit and reports its progress on the
// returned channel. The channel is closed after a done or error event, or
// when ctx ends. A reader that stops receiving for longer than the stall
// timeout fails the turn with ErrStreamStalled and nothing is committed.
func (r *Runner) Stream(ctx context.Context, id, text string) <-chan Event {
	if ctx == nil {
		ctx = context.Background()
	}
	events := make(chan Event, streamBuffer)
	sink := &eventSink{ctx: ctx, events: events, stall: r.settings.StreamStallTimeout()}

	go func() {
		defer close(events)

		reply, err := r.submit(ctx, id, text, sink)
		if err != nil {
			sink.deliver(Event{Type: EventError, Text: err.Error(), Err: err}, nil)
			return
		}
		sink.deliver(Event{Type: EventDone, Agent: reply.Agent, Text: reply.Text, Reply: &reply}, nil)
	}()

	return events
}

// eventSink forwards turn progress to a Stream caller. A nil sink drops
// everything. Once an event is dropped every later one is too.
type eventSink struct {
	ctx    context.Context
	events chan<- Event
	stall  time.Duration

	// turn and abort are set by attach before the turn emits anything
	turn    context.Context
	abort   context.CancelCauseFunc
	dropped atomic.Bool
}

// attach ties the sink to the running turn. Sends give up when the turn is
// cancelled, and a stalled reader cancels the turn.
func (s *eventSink) attach(ctx context.Context) (context.Context, func()) {
	turnCtx, cancel := context.WithCancelCause(ctx)
	s.turn = turnCtx
	s.abort = cancel
	return turnCtx, func() { cancel(nil) }
}

func (s *eventSink) send(ev Event) {
	if s == nil {
		return
	}
	var turnDone <-chan struct{}
	if s.turn != nil {
		turnDone = s.turn.Done()
	}
	s.deliver(ev, turnDone)
}

func (s *eventSink) deliver(ev Event, turnDone <-chan struct{}) {
	if s.dropped.Load() {
		return
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	var stalled <-chan time.Time
	if s.stall > 0 {
		timer := time.NewTimer(s.stall)
		defer timer.Stop()
		stalled = timer.C
	}

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		s.dropped.Store(true)
	case <-turnDone:
		s.dropped.Store(true)
	case <-stalled:
		s.dropped.Store(true)
		if s.abort != nil {
			s.abort(ErrStreamStalled)
		}
	}
}

func (s *eventSink) fragment(agent, text string) {
	if text == "" {
		return
	}
	s.send(Event{Type: EventFragment, Agent: agent, Text: text})
}

func (s *eventSink) toolCall(agent string, call message.ToolCall) {
	if s == nil {
		return
	}
	c := call
	s.send(Event{Type: EventToolCall, Agent: agent, Text: call.Name, Call: &c})
}

func (s *eventSink) toolResult(agent string, outcome ToolOutcome) {
	if s == nil {
		return
	}
	s.send(Event{Type: EventToolResult, Agent: agent, Text: outcome.Tool, Tool: &outcome})
}

func (s *eventSink) handoff(h Handoff) {
	if s == nil {
		return
	}
	s.send(Event{Type: EventHandoff, Agent: h.To, Text: h.To, Handoff: &h})
}
