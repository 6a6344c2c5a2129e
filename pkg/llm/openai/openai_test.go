package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o-mini"})
}

func TestClient_Complete(t *testing.T) {
	t.Run("should send history and parse tool calls", func(t *testing.T) {
		var body map[string]interface{}
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{
				"id": "chatcmpl-1",
				"object": "chat.completion",
				"created": 1,
				"model": "gpt-4o-mini",
				"choices": [{
					"index": 0,
					"finish_reason": "tool_calls",
					"message": {
						"role": "assistant",
						"content": "",
						"tool_calls": [{
							"id": "call_1",
							"type": "function",
							"function": {"name": "calculator", "arguments": "{\"expression\":\"2+2\"}"}
						}]
					}
				}],
				"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
			}`)
		})

		resp, err := client.Complete(context.Background(), llm.Request{
			Instructions: "You are helpful.",
			Messages: []message.Message{
				message.User("what is 2+2?"),
			},
			Tools: []tools.Schema{{
				Name:        "calculator",
				Description: "Evaluate arithmetic",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"expression": map[string]interface{}{"type": "string"}},
				},
			}},
		})
		require.NoError(t, err)

		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
		assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
		assert.Equal(t, "2+2", resp.ToolCalls[0].Arguments["expression"])
		assert.Equal(t, 12, resp.Usage.InputTokens)
		assert.Equal(t, 5, resp.Usage.OutputTokens)

		assert.Equal(t, "gpt-4o-mini", body["model"])
		msgs := body["messages"].([]interface{})
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
		assert.Len(t, body["tools"], 1)
	})

	t.Run("should classify rate limits as retryable", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"message": "slow down", "type": "rate_limit"}}`)
		})

		_, err := client.Complete(context.Background(), llm.Request{Messages: []message.Message{message.User("hi")}})
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrRetryable)
	})

	t.Run("should classify bad requests as fatal", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": {"message": "bad", "type": "invalid_request_error"}}`)
		})

		_, err := client.Complete(context.Background(), llm.Request{Messages: []message.Message{message.User("hi")}})
		require.Error(t, err)
		assert.ErrorIs(t, err, llm.ErrFatal)
	})
}

func TestToMessages(t *testing.T) {
	t.Run("should keep tool calls and results correlated", func(t *testing.T) {
		req := llm.Request{Messages: []message.Message{
			message.User("weather?"),
			message.AssistantToolCalls("Triage", "", []message.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"city": "Oslo"}}}),
			message.Tool("c1", "sunny"),
		}}

		msgs, err := toMessages(req)
		require.NoError(t, err)
		require.Len(t, msgs, 3)

		raw, err := json.Marshal(msgs[2])
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"tool_call_id":"c1"`)
		assert.Contains(t, string(raw), "sunny")
	})
}
