package llm

import (
	"context"

	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/tools"
)

// Params are per-agent model settings
type Params struct {
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Merge fills zero fields of p from defaults
func (p Params) Merge(defaults Params) Params {
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.Temperature == 0 {
		p.Temperature = defaults.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = defaults.MaxTokens
	}
	return p
}

// Request is one model invocation
type Request struct {
	Instructions string
	Messages     []message.Message
	Tools        []tools.Schema
	Params       Params
}

// Usage counts tokens consumed by a call
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Add accumulates other into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is the model's answer: text, tool calls, or both
type Response struct {
	Text      string
	ToolCalls []message.ToolCall
	Usage     Usage
	Model     string
}

// HasToolCalls reports whether the model asked for tool execution
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// FragmentHandler receives text deltas while a response streams
type FragmentHandler func(fragment string)

// Client is a model provider
type Client interface {
	// Complete makes one blocking call
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream makes one call, passing text deltas to onFragment as they
	// arrive, and returns the assembled response
	Stream(ctx context.Context, req Request, onFragment FragmentHandler) (*Response, error)

	// Provider returns the provider name
	Provider() string

	Close() error
}
