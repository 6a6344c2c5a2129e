// Package anthropic adapts the Anthropic messages API to llm.Client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
)

const (
	providerName = "anthropic"

	// DefaultMaxTokens is sent when neither request nor config sets a limit;
	// the API requires one
	DefaultMaxTokens = 1024
)

// Config configures the client
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Options   []option.RequestOption
}

// Client implements llm.Client for Anthropic
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// New creates an Anthropic client with SDK-level retries disabled
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return providerName
}

// Close is a no-op
func (c *Client) Close() error {
	return nil
}

// Complete makes an API call to Anthropic
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, llm.Fatal(providerName, 0, err)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	return toResponse(msg)
}

// Stream makes a streaming API call, relaying text deltas
func (c *Client) Stream(ctx context.Context, req llm.Request, onFragment llm.FragmentHandler) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, llm.Fatal(providerName, 0, err)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, llm.Fatal(providerName, 0, fmt.Errorf("failed to accumulate stream: %w", err))
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && onFragment != nil {
				onFragment(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	return toResponse(&msg)
}

func (c *Client) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	messages, system, err := toMessages(req)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Params.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, schema := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        schema.Name,
				Description: anthropic.String(schema.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties(),
					Required:   schema.Required(),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

// toMessages converts history. Consecutive tool results are grouped into
// one user turn as the API requires.
func toMessages(req llm.Request) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var system []anthropic.TextBlockParam
	if req.Instructions != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.Instructions})
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range req.Messages {
		if msg.Role == message.RoleTool {
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}
		flush()

		switch msg.Role {
		case message.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case message.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case message.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()

	return messages, system, nil
}

func toResponse(msg *anthropic.Message) (*llm.Response, error) {
	resp := &llm.Response{
		Model: string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, llm.Fatal(providerName, 0, fmt.Errorf("failed to parse tool input for %s: %w", b.Name, err))
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, message.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	return resp, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.Classify(providerName, apiErr.StatusCode, err)
	}
	return llm.Classify(providerName, 0, err)
}
