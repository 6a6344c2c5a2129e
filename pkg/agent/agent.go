package agent

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/harun/switchboard/pkg/guardrail"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/tools"
)

// HandoffContextArg is the optional argument of a transfer tool carrying
// context for the receiving agent
const HandoffContextArg = "context"

// Route declares a handoff: a call to Tool transfers control to Target
type Route struct {
	Tool        string `json:"tool,omitempty" yaml:"tool,omitempty"`
	Target      string `json:"target" yaml:"target"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Config describes an agent to build
type Config struct {
	Name         string
	Description  string
	Instructions string
	Tools        *tools.Registry
	Input        []guardrail.InputRule
	Output       []guardrail.OutputRule
	Params       llm.Params
	Handoffs     []Route
}

// Agent is an immutable agent descriptor
type Agent struct {
	name         string
	description  string
	instructions string
	tools        *tools.Registry
	guardrails   *guardrail.Pipeline
	params       llm.Params
	routes       []Route
	byTool       map[string]Route
	schemas      []tools.Schema
}

// New validates cfg and builds an Agent
func New(cfg Config) (*Agent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	registry := cfg.Tools
	if registry == nil {
		registry, _ = tools.NewRegistry()
	}

	a := &Agent{
		name:         name,
		description:  cfg.Description,
		instructions: cfg.Instructions,
		tools:        registry,
		guardrails:   guardrail.NewPipeline(cfg.Input, cfg.Output),
		params:       cfg.Params,
		byTool:       make(map[string]Route, len(cfg.Handoffs)),
	}

	for _, route := range cfg.Handoffs {
		route.Target = strings.TrimSpace(route.Target)
		if route.Target == "" {
			return nil, fmt.Errorf("agent %s: handoff target is required", name)
		}
		if route.Tool == "" {
			route.Tool = TransferToolName(route.Target)
		}
		if route.Description == "" {
			route.Description = fmt.Sprintf("Transfer the conversation to %s.", route.Target)
		}
		if _, exists := a.byTool[route.Tool]; exists {
			return nil, fmt.Errorf("agent %s: duplicate handoff tool %s", name, route.Tool)
		}
		if _, err := registry.Resolve(route.Tool); err == nil {
			return nil, fmt.Errorf("agent %s: handoff tool %s collides with a registered tool", name, route.Tool)
		}

		a.routes = append(a.routes, route)
		a.byTool[route.Tool] = route
	}

	a.schemas = append(registry.Describe(), a.HandoffSchemas()...)
	return a, nil
}

// TransferToolName derives the default handoff tool name for target,
// e.g. "Flight Booker" becomes "transfer_to_flight_booker"
func TransferToolName(target string) string {
	var b strings.Builder
	b.WriteString("transfer_to_")
	underscore := false
	for _, r := range strings.ToLower(target) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Name returns the agent's unique name
func (a *Agent) Name() string { return a.name }

// Description returns the agent's description
func (a *Agent) Description() string { return a.description }

// Instructions returns the system instructions sent with every request
func (a *Agent) Instructions() string { return a.instructions }

// Tools returns the agent's tool registry
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Guardrails returns the agent's guardrail pipeline
func (a *Agent) Guardrails() *guardrail.Pipeline { return a.guardrails }

// Params returns the agent's model parameters
func (a *Agent) Params() llm.Params { return a.params }

// Handoffs returns the declared handoff routes in order
func (a *Agent) Handoffs() []Route {
	out := make([]Route, len(a.routes))
	copy(out, a.routes)
	return out
}

// Route returns the handoff route bound to a tool name
func (a *Agent) Route(toolName string) (Route, bool) {
	route, ok := a.byTool[toolName]
	return route, ok
}

// HandoffSchemas returns one transfer tool schema per route
func (a *Agent) HandoffSchemas() []tools.Schema {
	schemas := make([]tools.Schema, 0, len(a.routes))
	for _, route := range a.routes {
		schemas = append(schemas, tools.Schema{
			Name:        route.Tool,
			Description: route.Description,
			Parameters: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]interface{}{
					HandoffContextArg: map[string]interface{}{
						"type":        "string",
						"description": "Optional summary for the receiving agent",
					},
				},
			},
		})
	}
	return schemas
}

// Schemas returns tool schemas followed by handoff schemas
func (a *Agent) Schemas() []tools.Schema {
	out := make([]tools.Schema, len(a.schemas))
	copy(out, a.schemas)
	return out
}

func (a *Agent) String() string {
	return a.name
}
