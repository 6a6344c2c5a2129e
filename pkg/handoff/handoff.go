// Package handoff validates transfers of control between agents.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/message"
)

// ErrUnknownTarget is returned when a handoff names an agent outside the catalog
var ErrUnknownTarget = errors.New("unknown handoff target")

// Request is a transfer of control asked for by the model
type Request struct {
	Target  string
	Context string
	CallID  string
	// Tool is the transfer tool the model called
	Tool string
}

// FromCall builds a request when call is one of current's handoff routes
func FromCall(current *agent.Agent, call message.ToolCall) (Request, bool) {
	route, ok := current.Route(call.Name)
	if !ok {
		return Request{}, false
	}
	req := Request{Target: route.Target, CallID: call.ID, Tool: call.Name}
	if v, ok := call.Arguments[agent.HandoffContextArg].(string); ok {
		req.Context = strings.TrimSpace(v)
	}
	return req, true
}

// Outcome is a resolved handoff
type Outcome struct {
	From *agent.Agent
	To   *agent.Agent
	// Self is set when the target is the current agent; nothing changes
	Self bool
}

// Resolver checks handoff targets against a catalog
type Resolver struct{}

// Resolve returns the agent that takes over
func (Resolver) Resolve(req Request, catalog *agent.Catalog, current *agent.Agent) (Outcome, error) {
	target, ok := catalog.Get(req.Target)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTarget, req.Target)
	}
	return Outcome{From: current, To: target, Self: current != nil && target.Name() == current.Name()}, nil
}

// Acknowledgement is the tool message content confirming a transfer
func Acknowledgement(req Request, outcome Outcome) string {
	if outcome.Self {
		return fmt.Sprintf("Already talking to %s.", outcome.To.Name())
	}
	msg := fmt.Sprintf("Transferred to %s.", outcome.To.Name())
	if req.Context != "" {
		msg += " Context: " + req.Context
	}
	return msg
}

// Ignored is the tool message content for a handoff beyond the first in a turn
func Ignored(req Request, applied string) string {
	return fmt.Sprintf("Handoff to %s ignored: control was already transferred to %s this turn.", req.Target, applied)
}

// Failure is the tool message content for a handoff that could not be resolved
func Failure(req Request, err error) string {
	b, _ := json.Marshal(map[string]string{
		"error":   "unknown_handoff_target",
		"tool":    req.Tool,
		"message": err.Error(),
	})
	return string(b)
}
