// Package openai adapts the OpenAI chat completions API to llm.Client.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const providerName = "openai"

// Config configures the client
type Config struct {
	APIKey  string
	BaseURL string
	// Model is used when a request does not name one
	Model   string
	Options []option.RequestOption
}

// Client implements llm.Client for OpenAI
type Client struct {
	client openai.Client
	model  string
}

// New creates an OpenAI client. SDK-level retries are disabled; wrap the
// client with llm.WithRetry instead.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	return &Client{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return providerName
}

// Close is a no-op; the SDK holds no resources
func (c *Client) Close() error {
	return nil
}

// Complete makes an API call to OpenAI
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, llm.Fatal(providerName, 0, err)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, llm.Fatal(providerName, 0, fmt.Errorf("no response choices returned"))
	}

	return toResponse(completion.Choices[0].Message, completion.Usage, completion.Model)
}

// Stream makes a streaming API call, relaying content deltas
func (c *Client) Stream(ctx context.Context, req llm.Request, onFragment llm.FragmentHandler) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, llm.Fatal(providerName, 0, err)
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" && onFragment != nil {
				onFragment(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	if len(acc.Choices) == 0 {
		return nil, llm.Retryable(providerName, 0, fmt.Errorf("stream ended without choices"))
	}

	return toResponse(acc.Choices[0].Message, acc.Usage, acc.Model)
}

func (c *Client) buildParams(req llm.Request) (openai.ChatCompletionNewParams, error) {
	messages, err := toMessages(req)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	model := req.Params.Model
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Params.MaxTokens))
	}
	if req.Params.Temperature > 0 {
		params.Temperature = openai.Float(req.Params.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, schema := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  openai.FunctionParameters(schema.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func toMessages(req llm.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case message.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case message.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		case message.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	return messages, nil
}

func toResponse(msg openai.ChatCompletionMessage, usage openai.CompletionUsage, model string) (*llm.Response, error) {
	resp := &llm.Response{
		Text:  msg.Content,
		Model: model,
		Usage: llm.Usage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}

	for _, tc := range msg.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, llm.Fatal(providerName, 0, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err))
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, message.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return resp, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.Classify(providerName, apiErr.StatusCode, err)
	}
	return llm.Classify(providerName, 0, err)
}
