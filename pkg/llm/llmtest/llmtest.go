// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/tools"
)

// ErrScriptExhausted is returned once every step has been consumed
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted boundary reply
type Step struct {
	Response  *llm.Response
	Err       error
	Fragments []string
	// Block waits for the request context to end, after any fragments, and
	// returns its error
	Block bool
	// Func computes the reply from the request when set
	Func func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Text replies with plain text
func Text(text string) Step {
	return Step{Response: &llm.Response{Text: text, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

// Streamed replies with text delivered as fragments
func Streamed(fragments ...string) Step {
	text := ""
	for _, f := range fragments {
		text += f
	}
	step := Text(text)
	step.Fragments = fragments
	return step
}

// ToolCalls replies with tool call requests
func ToolCalls(calls ...message.ToolCall) Step {
	return Step{Response: &llm.Response{ToolCalls: calls, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

// Fail replies with err
func Fail(err error) Step {
	return Step{Err: err}
}

// Block waits for cancellation
func Block() Step {
	return Step{Block: true}
}

// Call builds a tool call
func Call(id, name string, args map[string]interface{}) message.ToolCall {
	if args == nil {
		args = map[string]interface{}{}
	}
	return message.ToolCall{ID: id, Name: name, Arguments: args}
}

// Client replays steps in order
type Client struct {
	mu       sync.Mutex
	steps    []Step
	repeat   *Step
	requests []llm.Request
	closed   bool
	provider string
}

// New creates a client that replays steps
func New(steps ...Step) *Client {
	return &Client{steps: steps, provider: "llmtest"}
}

// Repeat makes the client answer with step once the script runs out
func (c *Client) Repeat(step Step) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repeat = &step
	return c
}

// Push appends steps to the script
func (c *Client) Push(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

func (c *Client) next(req llm.Request) (Step, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recorded := req
	recorded.Messages = message.CloneAll(req.Messages)
	recorded.Tools = append([]tools.Schema(nil), req.Tools...)
	c.requests = append(c.requests, recorded)

	if len(c.steps) > 0 {
		step := c.steps[0]
		c.steps = c.steps[1:]
		return step, true
	}
	if c.repeat != nil {
		return *c.repeat, true
	}
	return Step{}, false
}

// Complete returns the next scripted reply
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return c.Stream(ctx, req, nil)
}

// Stream returns the next scripted reply, emitting its fragments first
func (c *Client) Stream(ctx context.Context, req llm.Request, onFragment llm.FragmentHandler) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step, ok := c.next(req)
	if !ok {
		return nil, llm.Fatal(c.provider, 0, ErrScriptExhausted)
	}

	if step.Func != nil {
		return step.Func(ctx, req)
	}

	if onFragment != nil {
		for _, f := range step.Fragments {
			onFragment(f)
		}
	}
	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}

	resp := *step.Response
	resp.ToolCalls = message.CloneToolCalls(step.Response.ToolCalls)
	return &resp, nil
}

// Provider returns "llmtest"
func (c *Client) Provider() string {
	return c.provider
}

// Close marks the client closed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Calls returns the number of boundary calls made
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns every request received, in order
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// LastRequest returns the most recent request
func (c *Client) LastRequest() (llm.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return llm.Request{}, false
	}
	return c.requests[len(c.requests)-1], true
}
