package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/conversation"
	"github.com/harun/switchboard/pkg/guardrail"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/llm/llmtest"
	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/harun/switchboard/pkg/tools/demo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	triageInstructions = "You are the main receptionist. Direct users to the right department."
	flightInstructions = "You help users book flights. Ask for destination and dates."
)

func init() {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

func lookupSpec() tools.Spec {
	return tools.Spec{
		Name:        "lookup",
		Description: "Look up a key",
		Parameters: []tools.Parameter{
			{Name: "key", Type: "string", Required: true},
			{Name: "delay_ms", Type: "integer"},
		},
		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
			if d, ok := args["delay_ms"].(float64); ok {
				select {
				case <-time.After(time.Duration(d) * time.Millisecond):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return "value:" + args["key"].(string), nil
		}),
	}
}

func brokenSpec() tools.Spec {
	return tools.Spec{
		Name:        "broken",
		Description: "Always fails",
		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("backend unavailable")
		}),
	}
}

func travelCatalog(t *testing.T) *agent.Catalog {
	t.Helper()

	triageTools, err := tools.NewRegistry(lookupSpec(), brokenSpec())
	require.NoError(t, err)
	triage, err := agent.New(agent.Config{
		Name:         "Triage",
		Instructions: triageInstructions,
		Tools:        triageTools,
		Input:        []guardrail.InputRule{guardrail.Forbid(guardrail.DefaultForbiddenTopics...)},
		Output:       []guardrail.OutputRule{guardrail.Replace("internal_error", "I encountered a problem. Please try again.")},
		Handoffs: []agent.Route{
			{Tool: "transfer_to_flights", Target: "Flight Booker"},
			{Tool: "transfer_to_hotels", Target: "Hotel Booker"},
			{Tool: "stay_with_triage", Target: "Triage"},
		},
	})
	require.NoError(t, err)

	flightTools, err := tools.NewRegistry(demo.SearchFlights())
	require.NoError(t, err)
	flights, err := agent.New(agent.Config{
		Name:         "Flight Booker",
		Instructions: flightInstructions,
		Tools:        flightTools,
	})
	require.NoError(t, err)

	hotelTools, err := tools.NewRegistry(demo.SearchHotels())
	require.NoError(t, err)
	hotels, err := agent.New(agent.Config{
		Name:         "Hotel Booker",
		Instructions: "You help users book hotels. Ask for city and preferences.",
		Tools:        hotelTools,
	})
	require.NoError(t, err)

	catalog, err := agent.NewCatalog("Triage", triage, flights, hotels)
	require.NoError(t, err)
	return catalog
}

func newRunner(t *testing.T, client llm.Client, mutate ...func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Client:   client,
		Catalog:  travelCatalog(t),
		Settings: config.RunnerConfig{MaxTurns: 3, ToolTimeoutMs: 2000, BoundaryTimeoutMs: 2000},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func start(t *testing.T, r *Runner) string {
	t.Helper()
	id, err := r.Start(context.Background(), "")
	require.NoError(t, err)
	return id
}

func history(t *testing.T, r *Runner, id string) []message.Message {
	t.Helper()
	msgs, err := r.History(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func chatter(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = "word "
	}
	return words
}

func TestNew(t *testing.T) {
	t.Run("should require a client", func(t *testing.T) {
		_, err := New(Config{Catalog: travelCatalog(t)})
		assert.ErrorContains(t, err, "boundary client is required")
	})

	t.Run("should require a catalog", func(t *testing.T) {
		_, err := New(Config{Client: llmtest.New()})
		assert.ErrorContains(t, err, "agent catalog is required")
	})

	t.Run("should fill unset limits from defaults", func(t *testing.T) {
		r, err := New(Config{Client: llmtest.New(), Catalog: travelCatalog(t)})
		require.NoError(t, err)
		defer r.Close()

		assert.Equal(t, 10, r.settings.MaxTurns)
		assert.Equal(t, "I cannot discuss that topic.", r.settings.RejectionMessage)
	})
}

func TestStart(t *testing.T) {
	r := newRunner(t, llmtest.New())
	ctx := context.Background()

	t.Run("should start with the entry agent", func(t *testing.T) {
		id, err := r.Start(ctx, "")
		require.NoError(t, err)

		name, err := r.Agent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Triage", name)
		assert.Empty(t, history(t, r, id))
	})

	t.Run("should start with a named agent", func(t *testing.T) {
		id, err := r.Start(ctx, "Hotel Booker")
		require.NoError(t, err)

		name, err := r.Agent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Hotel Booker", name)
	})

	t.Run("should reject unknown agents", func(t *testing.T) {
		_, err := r.Start(ctx, "Concierge")
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("should report unknown conversations", func(t *testing.T) {
		_, err := r.Submit(ctx, "missing", "hello")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("should reply with text and record history", func(t *testing.T) {
		client := llmtest.New(llmtest.Text("Hello! Where would you like to go?"))
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Hi")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, reply.Status)
		assert.Equal(t, "Hello! Where would you like to go?", reply.Text)
		assert.Equal(t, "Triage", reply.Agent)
		assert.Equal(t, 0, reply.Cycles)
		assert.Equal(t, 10, reply.Usage.InputTokens)

		msgs := history(t, r, id)
		require.Len(t, msgs, 2)
		assert.Equal(t, message.RoleUser, msgs[0].Role)
		assert.Equal(t, message.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "Triage", msgs[1].Agent)

		req, ok := client.LastRequest()
		require.True(t, ok)
		assert.Equal(t, triageInstructions, req.Instructions)
		assert.Len(t, req.Messages, 1)
	})

	t.Run("should rewrite output with guardrails", func(t *testing.T) {
		r := newRunner(t, llmtest.New(llmtest.Text("Sorry, internal_error while booking")))
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Book something")
		require.NoError(t, err)
		assert.Equal(t, "I encountered a problem. Please try again.", reply.Text)

		msgs := history(t, r, id)
		assert.Equal(t, reply.Text, msgs[len(msgs)-1].Content)
	})

	t.Run("should return tool results in request order", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(
				llmtest.Call("call_a", "lookup", map[string]interface{}{"key": "a", "delay_ms": 50.0}),
				llmtest.Call("call_b", "lookup", map[string]interface{}{"key": "b"}),
			),
			llmtest.Text("a and b found"),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Look up a and b")
		require.NoError(t, err)
		assert.Equal(t, "a and b found", reply.Text)
		assert.Equal(t, 1, reply.Cycles)
		require.Len(t, reply.ToolCalls, 2)
		assert.Equal(t, "call_a", reply.ToolCalls[0].CallID)
		assert.True(t, reply.ToolCalls[1].Success)

		msgs := history(t, r, id)
		require.Len(t, msgs, 5)
		assert.Len(t, msgs[1].ToolCalls, 2)
		assert.Equal(t, "call_a", msgs[2].ToolCallID)
		assert.Equal(t, "value:a", msgs[2].Content)
		assert.Equal(t, "call_b", msgs[3].ToolCallID)
		assert.Equal(t, "value:b", msgs[3].Content)
		assert.Empty(t, message.ValidateToolCorrelation(msgs))

		second := client.Requests()[1]
		assert.Len(t, second.Messages, 4)
	})

	t.Run("should report a failing tool without dropping its siblings", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(
				llmtest.Call("call_1", "broken", nil),
				llmtest.Call("call_2", "lookup", map[string]interface{}{"key": "x"}),
			),
			llmtest.Text("partial answer"),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Try both")
		require.NoError(t, err)
		require.Len(t, reply.ToolCalls, 2)
		assert.False(t, reply.ToolCalls[0].Success)
		assert.Contains(t, reply.ToolCalls[0].Error, "backend unavailable")
		assert.True(t, reply.ToolCalls[1].Success)

		msgs := history(t, r, id)
		assert.Contains(t, msgs[2].Content, "tool_execution_error")
		assert.Equal(t, "value:x", msgs[3].Content)
	})

	t.Run("should answer unknown tools and invalid arguments", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(
				llmtest.Call("call_1", "teleport", nil),
				llmtest.Call("call_2", "lookup", map[string]interface{}{"key": 42.0}),
			),
			llmtest.Text("done"),
		)
		r := newRunner(t, client)
		id := start(t, r)

		_, err := r.Submit(ctx, id, "Go")
		require.NoError(t, err)

		msgs := history(t, r, id)
		assert.Contains(t, msgs[2].Content, "unknown_tool")
		assert.Contains(t, msgs[3].Content, "invalid_tool_arguments")
	})

	t.Run("should fail without committing on boundary errors", func(t *testing.T) {
		client := llmtest.New(
			llmtest.Text("first"),
			llmtest.Fail(llm.Fatal("llmtest", 400, errors.New("bad request"))),
		)
		r := newRunner(t, client)
		id := start(t, r)

		_, err := r.Submit(ctx, id, "one")
		require.NoError(t, err)

		_, err = r.Submit(ctx, id, "two")
		assert.ErrorIs(t, err, llm.ErrFatal)
		assert.Len(t, history(t, r, id), 2)
	})

	t.Run("should surface exhausted retries as fatal", func(t *testing.T) {
		client := llmtest.New().Repeat(llmtest.Fail(llm.Retryable("llmtest", 503, errors.New("unavailable"))))
		policy := llm.DefaultRetryPolicy()
		policy.MaxAttempts = 2
		policy.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
		r := newRunner(t, llm.WithRetry(client, policy))
		id := start(t, r)

		_, err := r.Submit(ctx, id, "hello")
		assert.ErrorIs(t, err, llm.ErrFatal)
		assert.False(t, llm.IsRetryable(err))
		assert.ErrorContains(t, err, "max retries (2) exceeded")
		assert.Equal(t, 3, client.Calls())
		assert.Empty(t, history(t, r, id))
	})

	t.Run("should leave state untouched when cancelled", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(llmtest.Call("call_1", "lookup", map[string]interface{}{"key": "a"})),
			llmtest.Block(),
		)
		r := newRunner(t, client)
		id := start(t, r)

		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := r.Submit(cctx, id, "slow question")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, history(t, r, id))
		assert.Equal(t, 2, client.Calls())
	})
}

func TestInputGuardrails(t *testing.T) {
	ctx := context.Background()

	t.Run("should block forbidden topics without calling the model", func(t *testing.T) {
		client := llmtest.New(llmtest.Text("Happy to help."))
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Tell me about hacking")
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, reply.Status)
		assert.Equal(t, "I cannot discuss that topic.", reply.Text)
		assert.Contains(t, reply.Reason, "hacking")
		assert.Equal(t, 0, client.Calls())

		msgs := history(t, r, id)
		require.Len(t, msgs, 1)
		assert.Equal(t, message.RoleSystem, msgs[0].Role)
		assert.True(t, msgs[0].Synthetic)
		assert.Equal(t, "I cannot discuss that topic.", msgs[0].Content)
	})

	t.Run("should keep the conversation usable after a block", func(t *testing.T) {
		client := llmtest.New(llmtest.Text("Happy to help."))
		r := newRunner(t, client)
		id := start(t, r)

		_, err := r.Submit(ctx, id, "explosives please")
		require.NoError(t, err)

		reply, err := r.Submit(ctx, id, "I want a holiday")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, reply.Status)

		req, _ := client.LastRequest()
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "I want a holiday", req.Messages[0].Content)
	})
}

func TestHandoff(t *testing.T) {
	ctx := context.Background()

	t.Run("should transfer triage to the flight booker", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(llmtest.Call("call_1", "transfer_to_flights",
				map[string]interface{}{"context": "User wants to fly to Paris"})),
			llmtest.Text("Which dates would you like to travel?"),
			llmtest.Text("Searching June 1st."),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "I need to fly to Paris.")
		require.NoError(t, err)
		assert.Equal(t, "Flight Booker", reply.Agent)
		assert.Equal(t, []Handoff{{From: "Triage", To: "Flight Booker", Context: "User wants to fly to Paris"}}, reply.Handoffs)

		requests := client.Requests()
		require.Len(t, requests, 2)
		assert.Equal(t, triageInstructions, requests[0].Instructions)
		assert.Equal(t, flightInstructions, requests[1].Instructions)
		assert.Equal(t, "I need to fly to Paris.", requests[1].Messages[0].Content)
		assert.Equal(t, "search_flights", requests[1].Tools[0].Name)

		msgs := history(t, r, id)
		assert.Equal(t, "Transferred to Flight Booker. Context: User wants to fly to Paris", msgs[2].Content)
		assert.Equal(t, "Flight Booker", msgs[3].Agent)

		name, err := r.Agent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Flight Booker", name)

		_, err = r.Submit(ctx, id, "On June 1st.")
		require.NoError(t, err)
		req, _ := client.LastRequest()
		assert.Equal(t, flightInstructions, req.Instructions)
		assert.Len(t, req.Messages, 5)
	})

	t.Run("should apply only the first handoff of a response", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(
				llmtest.Call("call_1", "transfer_to_flights", nil),
				llmtest.Call("call_2", "transfer_to_hotels", nil),
			),
			llmtest.Text("Flights it is."),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Flights and hotels")
		require.NoError(t, err)
		assert.Equal(t, "Flight Booker", reply.Agent)
		assert.Len(t, reply.Handoffs, 1)

		msgs := history(t, r, id)
		assert.Equal(t, "call_2", msgs[3].ToolCallID)
		assert.Contains(t, msgs[3].Content, "ignored")
	})

	t.Run("should run sibling tools before handing off", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(
				llmtest.Call("call_1", "transfer_to_flights", nil),
				llmtest.Call("call_2", "lookup", map[string]interface{}{"key": "profile"}),
			),
			llmtest.Text("Ready."),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Book a flight")
		require.NoError(t, err)
		assert.Equal(t, "Flight Booker", reply.Agent)
		require.Len(t, reply.ToolCalls, 1)
		assert.True(t, reply.ToolCalls[0].Success)

		msgs := history(t, r, id)
		assert.Equal(t, "call_1", msgs[2].ToolCallID)
		assert.Equal(t, "value:profile", msgs[3].Content)
	})

	t.Run("should keep the agent on a self handoff", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(llmtest.Call("call_1", "stay_with_triage", nil)),
			llmtest.Text("Still here."),
		)
		r := newRunner(t, client)
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "Stay")
		require.NoError(t, err)
		assert.Equal(t, "Triage", reply.Agent)
		assert.Empty(t, reply.Handoffs)
		assert.Equal(t, "Already talking to Triage.", history(t, r, id)[2].Content)
	})
}

func TestTurnLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("should terminate after max turns of tool calls", func(t *testing.T) {
		client := llmtest.New().Repeat(
			llmtest.ToolCalls(llmtest.Call("call_loop", "lookup", map[string]interface{}{"key": "again"})),
		)
		r := newRunner(t, client, func(cfg *Config) { cfg.Settings.MaxTurns = 2 })
		id := start(t, r)

		reply, err := r.Submit(ctx, id, "loop forever")
		require.NoError(t, err)
		assert.Equal(t, StatusTerminated, reply.Status)
		assert.ErrorIs(t, reply.Err, ErrTurnLimitExceeded)
		assert.Equal(t, config.DefaultConfig().Runner.DegradedMessage, reply.Text)
		assert.Equal(t, 2, reply.Cycles)
		assert.Equal(t, 3, client.Calls())

		msgs := history(t, r, id)
		assert.Len(t, msgs, 5)
		assert.Empty(t, message.ValidateToolCorrelation(msgs))

		_, err = r.Submit(ctx, id, "hello?")
		assert.ErrorIs(t, err, ErrConversationTerminated)
		assert.Equal(t, 3, client.Calls())
	})

	t.Run("should terminate after the conversation turn limit", func(t *testing.T) {
		client := llmtest.New(llmtest.Text("one"), llmtest.Text("two"))
		r := newRunner(t, client, func(cfg *Config) { cfg.Settings.MaxConversationTurns = 1 })
		id := start(t, r)

		_, err := r.Submit(ctx, id, "first")
		require.NoError(t, err)

		reply, err := r.Submit(ctx, id, "second")
		require.NoError(t, err)
		assert.Equal(t, StatusTerminated, reply.Status)
		assert.Equal(t, 1, client.Calls())
	})
}

func TestStream(t *testing.T) {
	ctx := context.Background()

	t.Run("should emit fragments then the guarded reply", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(llmtest.Call("call_1", "lookup", map[string]interface{}{"key": "a"})),
			llmtest.Streamed("Found it, ", "internal_error aside"),
		)
		r := newRunner(t, client)
		id := start(t, r)

		var events []Event
		for ev := range r.Stream(ctx, id, "find a") {
			events = append(events, ev)
		}

		var types []EventType
		for _, ev := range events {
			types = append(types, ev.Type)
		}
		assert.Equal(t, []EventType{EventToolCall, EventToolResult, EventFragment, EventFragment, EventDone}, types)

		done := events[len(events)-1]
		require.NotNil(t, done.Reply)
		assert.Equal(t, "I encountered a problem. Please try again.", done.Text)
		assert.Equal(t, "internal_error aside", events[3].Text)
	})

	t.Run("should emit handoff events", func(t *testing.T) {
		client := llmtest.New(
			llmtest.ToolCalls(llmtest.Call("call_1", "transfer_to_hotels", nil)),
			llmtest.Streamed("Which city?"),
		)
		r := newRunner(t, client)
		id := start(t, r)

		var handoffs []Handoff
		for ev := range r.Stream(ctx, id, "I need a hotel") {
			if ev.Type == EventHandoff {
				handoffs = append(handoffs, *ev.Handoff)
			}
		}
		assert.Equal(t, []Handoff{{From: "Triage", To: "Hotel Booker"}}, handoffs)
	})

	t.Run("should commit nothing when cancelled mid-stream", func(t *testing.T) {
		client := llmtest.New(llmtest.Step{Fragments: []string{"Once upon "}, Block: true})
		r := newRunner(t, client)
		id := start(t, r)

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		events := r.Stream(cctx, id, "Tell me a story")
		first := <-events
		require.Equal(t, EventFragment, first.Type)
		assert.Equal(t, "Once upon ", first.Text)

		cancel()
		for range events {
		}

		assert.Empty(t, history(t, r, id))
		name, err := r.Agent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Triage", name)
	})

	t.Run("should fail a turn whose reader stopped receiving", func(t *testing.T) {
		client := llmtest.New(llmtest.Streamed(chatter(100)...), llmtest.Text("Still here."))
		r := newRunner(t, client, func(cfg *Config) { cfg.Settings.StreamStallTimeoutMs = 50 })
		id := start(t, r)

		abandoned := r.Stream(ctx, id, "Talk a lot")
		require.Equal(t, EventFragment, (<-abandoned).Type)

		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		reply, err := r.Submit(sctx, id, "Are you there?")
		require.NoError(t, err)
		assert.Equal(t, "Still here.", reply.Text)

		msgs := history(t, r, id)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Are you there?", msgs[0].Content)

		for range abandoned {
		}
	})

	t.Run("should close while a stream is unread", func(t *testing.T) {
		client := llmtest.New(llmtest.Streamed(chatter(100)...))
		r, err := New(Config{Client: client, Catalog: travelCatalog(t)})
		require.NoError(t, err)
		id := start(t, r)

		events := r.Stream(ctx, id, "Talk a lot")
		require.Equal(t, EventFragment, (<-events).Type)

		closed := make(chan error, 1)
		go func() { closed <- r.Close() }()

		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close blocked on an unread stream")
		}
		assert.Empty(t, history(t, r, id))
	})

	t.Run("should end with an error event", func(t *testing.T) {
		r := newRunner(t, llmtest.New())

		var last Event
		for ev := range r.Stream(ctx, "missing", "hi") {
			last = ev
		}
		assert.Equal(t, EventError, last.Type)
		assert.ErrorIs(t, last.Err, ErrNotFound)
	})
}

func TestConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("should serialize turns of one conversation", func(t *testing.T) {
		var running, peak int32
		client := llmtest.New().Repeat(llmtest.Step{
			Func: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				n := atomic.AddInt32(&running, 1)
				defer atomic.AddInt32(&running, -1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return &llm.Response{Text: "ok"}, nil
			},
		})
		r := newRunner(t, client)
		id := start(t, r)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := r.Submit(ctx, id, fmt.Sprintf("message %d", i))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
		assert.Len(t, history(t, r, id), 8)
	})

	t.Run("should run separate conversations in parallel", func(t *testing.T) {
		var arrived sync.WaitGroup
		arrived.Add(2)
		client := llmtest.New().Repeat(llmtest.Step{
			Func: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				arrived.Done()
				waited := make(chan struct{})
				go func() {
					arrived.Wait()
					close(waited)
				}()
				select {
				case <-waited:
					return &llm.Response{Text: "together"}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		})
		r := newRunner(t, client)
		first, second := start(t, r), start(t, r)

		var wg sync.WaitGroup
		for _, id := range []string{first, second} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				reply, err := r.Submit(ctx, id, "hi")
				assert.NoError(t, err)
				assert.Equal(t, "together", reply.Text)
			}(id)
		}
		wg.Wait()
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should archive ended conversations", func(t *testing.T) {
		archive, err := conversation.OpenSQLiteArchive(filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop())
		require.NoError(t, err)
		defer archive.Close()

		r := newRunner(t, llmtest.New(llmtest.Text("Bye!")), func(cfg *Config) { cfg.Archive = archive })
		id := start(t, r)

		_, err = r.Submit(ctx, id, "Goodbye")
		require.NoError(t, err)
		require.NoError(t, r.End(ctx, id))

		_, err = r.Agent(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		msgs := history(t, r, id)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Bye!", msgs[1].Content)
	})

	t.Run("should pin the catalog per conversation", func(t *testing.T) {
		r := newRunner(t, llmtest.New())
		before := start(t, r)

		solo, err := agent.New(agent.Config{Name: "Solo"})
		require.NoError(t, err)
		catalog, err := agent.NewCatalog("", solo)
		require.NoError(t, err)
		r.SetCatalog(catalog)

		after := start(t, r)

		name, _ := r.Agent(ctx, before)
		assert.Equal(t, "Triage", name)
		name, _ = r.Agent(ctx, after)
		assert.Equal(t, "Solo", name)
	})

	t.Run("should close the client", func(t *testing.T) {
		client := llmtest.New()
		r, err := New(Config{Client: client, Catalog: travelCatalog(t)})
		require.NoError(t, err)

		require.NoError(t, r.Close())
		assert.True(t, client.Closed())

		_, err = r.Start(ctx, "")
		assert.ErrorIs(t, err, ErrClosed)
	})
}
