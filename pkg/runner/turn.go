package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/conversation"
	"github.com/harun/switchboard/pkg/handoff"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
	"github.com/harun/switchboard/pkg/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// turn is the working state of one Submit
type turn struct {
	state  *conversation.State
	reply  Reply
	cycles int
	sink   *eventSink
}

func (r *Runner) runTurn(ctx context.Context, id, text string, sink *eventSink) (Reply, error) {
	startTime := time.Now()

	if sink != nil {
		var detach func()
		ctx, detach = sink.attach(ctx)
		defer detach()
	}

	state, err := r.store.Load(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if state.Terminal {
		return Reply{}, fmt.Errorf("%w: %s", ErrConversationTerminated, state.TerminalReason)
	}

	ctx = tracing.NewRunContext(ctx, id, state.AgentName())
	logger := tracing.LoggerFromContext(ctx, r.logger)

	t := &turn{
		state: state,
		sink:  sink,
		reply: Reply{ConversationID: id},
	}

	reply, err := r.execute(ctx, t, text)
	duration := time.Since(startTime)

	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrStreamStalled) {
			err = fmt.Errorf("%w: %v", ErrStreamStalled, err)
		}
		status := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
		observability.RecordTurn(state.AgentName(), status, duration)
		logger.Warn().Err(err).Dur("duration", duration).Msg("Turn failed, nothing committed")
		return Reply{}, err
	}

	observability.RecordTurn(reply.Agent, string(reply.Status), duration)
	logger.Info().
		Str("status", string(reply.Status)).
		Str("agent", reply.Agent).
		Int("cycles", reply.Cycles).
		Int("tool_calls", len(reply.ToolCalls)).
		Int("handoffs", len(reply.Handoffs)).
		Dur("duration", duration).
		Msg("Turn completed")

	return reply, nil
}

func (r *Runner) execute(ctx context.Context, t *turn, text string) (Reply, error) {
	state := t.state

	if limit := r.settings.MaxConversationTurns; limit > 0 && state.TurnCount >= limit {
		return r.terminate(ctx, t, fmt.Sprintf("conversation reached %d turns", limit))
	}

	verdict := state.Active.Guardrails().CheckInput(ctx, text)
	if !verdict.Allowed {
		return r.reject(ctx, t, verdict.Rule, verdict.Reason)
	}

	state.Append(message.User(text))

	for {
		active := state.Active

		resp, err := r.callBoundary(ctx, t, active)
		if err != nil {
			return Reply{}, err
		}

		if !resp.HasToolCalls() {
			final := active.Guardrails().CheckOutput(ctx, resp.Text)
			state.Append(message.Assistant(active.Name(), final))
			state.TurnCount++

			if err := r.commit(ctx, state); err != nil {
				return Reply{}, err
			}

			t.reply.Text = final
			t.reply.Agent = active.Name()
			t.reply.Status = StatusCompleted
			t.reply.Cycles = t.cycles
			return t.reply, nil
		}

		if t.cycles >= r.settings.MaxTurns {
			return r.terminate(ctx, t, fmt.Sprintf("exceeded %d tool cycles in one turn", r.settings.MaxTurns))
		}

		state.Append(message.AssistantToolCalls(active.Name(), resp.Text, resp.ToolCalls))

		next, err := r.runCycle(ctx, t, active, resp.ToolCalls)
		if err != nil {
			return Reply{}, err
		}
		if next != active {
			state.Active = next
			ctx = tracing.ForHandoff(ctx, next.Name())
		}
		t.cycles++
	}
}

// reject records blocked input as a synthetic message. The user text is not
// stored and the turn does not count.
func (r *Runner) reject(ctx context.Context, t *turn, rule, reason string) (Reply, error) {
	state := t.state
	agentName := state.AgentName()

	state.Append(message.Rejection(agentName, r.settings.RejectionMessage, rule))
	if err := r.commit(ctx, state); err != nil {
		return Reply{}, err
	}

	observability.RecordGuardrailViolation(agentName, rule)
	r.auditor.GuardrailBlocked(ctx, state.ID, agentName, rule, reason)
	ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
	ctxLogger.Info().
		Str("rule", rule).
		Str("reason", reason).
		Msg("Input blocked by guardrail")

	t.reply.Text = r.settings.RejectionMessage
	t.reply.Agent = agentName
	t.reply.Status = StatusBlocked
	t.reply.Reason = reason
	return t.reply, nil
}

// terminate ends the conversation. The pending tool calls are dropped, so
// the history keeps every tool call answered.
func (r *Runner) terminate(ctx context.Context, t *turn, reason string) (Reply, error) {
	state := t.state
	agentName := state.AgentName()

	state.TurnCount++
	state.Terminate(reason)
	if err := r.commit(ctx, state); err != nil {
		return Reply{}, err
	}

	r.auditor.Terminated(ctx, state.ID, agentName, reason)
	ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
	ctxLogger.Warn().
		Str("reason", reason).
		Int("cycles", t.cycles).
		Msg("Conversation terminated")

	t.reply.Text = r.settings.DegradedMessage
	t.reply.Agent = agentName
	t.reply.Status = StatusTerminated
	t.reply.Reason = reason
	t.reply.Err = ErrTurnLimitExceeded
	t.reply.Cycles = t.cycles
	return t.reply, nil
}

func (r *Runner) commit(ctx context.Context, state *conversation.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (r *Runner) callBoundary(ctx context.Context, t *turn, active *agent.Agent) (*llm.Response, error) {
	params := active.Params().Merge(r.defaults)
	req := llm.Request{
		Instructions: active.Instructions(),
		Messages:     message.ModelVisible(t.state.Messages),
		Tools:        active.Schemas(),
		Params:       params,
	}

	provider := r.client.Provider()
	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.runner",
		"runner.boundary_call",
		attribute.String("agent", active.Name()),
		attribute.String("provider", provider),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, r.settings.BoundaryTimeout())
	defer cancel()

	startTime := time.Now()
	var (
		resp *llm.Response
		err  error
	)
	if t.sink != nil {
		resp, err = r.client.Stream(callCtx, req, func(fragment string) {
			t.sink.fragment(active.Name(), fragment)
		})
	} else {
		resp, err = r.client.Complete(callCtx, req)
	}
	duration := time.Since(startTime)

	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
			err = ctx.Err()
		} else if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		observability.RecordBoundaryCall(provider, outcome, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("boundary call failed for agent %s: %w", active.Name(), err)
	}
	if resp == nil {
		resp = &llm.Response{}
	}

	model := resp.Model
	if model == "" {
		model = params.Model
	}
	resp.Usage.CostUSD = r.pricing.Cost(model, resp.Usage)

	observability.RecordBoundaryCall(provider, "success", duration)
	observability.RecordTokenUsage(provider, model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	observability.RecordCost(model, resp.Usage.CostUSD)

	t.reply.Usage.Add(resp.Usage)
	t.state.Usage.Add(resp.Usage)

	span.SetAttributes(
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// runCycle executes one batch of tool calls and returns the agent active
// afterwards. Tool messages are appended in request order.
func (r *Runner) runCycle(ctx context.Context, t *turn, active *agent.Agent, calls []message.ToolCall) (*agent.Agent, error) {
	requests := make(map[int]handoff.Request)
	var regular []int
	for i, call := range calls {
		if req, ok := handoff.FromCall(active, call); ok {
			requests[i] = req
			continue
		}
		regular = append(regular, i)
	}

	for _, i := range regular {
		t.sink.toolCall(active.Name(), calls[i])
	}

	results, err := r.dispatch(ctx, active, calls, regular)
	if err != nil {
		return nil, err
	}

	contents := make([]string, len(calls))
	for i, res := range results {
		contents[i] = res.Content()
	}

	next := active
	applied := ""
	for i := range calls {
		req, ok := requests[i]
		if !ok {
			continue
		}
		switch {
		case applied != "":
			contents[i] = handoff.Ignored(req, applied)
		default:
			outcome, err := r.resolver.Resolve(req, t.state.Catalog, active)
			if err != nil {
				ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
				ctxLogger.Warn().
					Str("target", req.Target).
					Err(err).
					Msg("Handoff target could not be resolved")
				contents[i] = handoff.Failure(req, err)
				continue
			}
			contents[i] = handoff.Acknowledgement(req, outcome)
			if outcome.Self {
				ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
				ctxLogger.Warn().
					Str("target", req.Target).
					Msg("Agent handed off to itself")
				continue
			}
			next = outcome.To
			applied = outcome.To.Name()

			h := Handoff{From: active.Name(), To: outcome.To.Name(), Context: req.Context}
			t.reply.Handoffs = append(t.reply.Handoffs, h)
			observability.RecordHandoff(h.From, h.To)
			r.auditor.Handoff(ctx, t.state.ID, h.From, h.To)
			ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
			ctxLogger.Info().
				Str("from", h.From).
				Str("to", h.To).
				Msg("Control handed off")
			t.sink.handoff(h)
		}
	}

	for i, call := range calls {
		t.state.Append(message.Tool(call.ID, contents[i]))
	}

	for _, i := range regular {
		res := results[i]
		outcome := ToolOutcome{
			CallID:    res.CallID,
			Tool:      res.Tool,
			Success:   res.Success(),
			Truncated: res.Truncated,
			Duration:  res.Duration,
		}
		if res.Err != nil {
			outcome.Error = res.Err.Error()
		}
		t.reply.ToolCalls = append(t.reply.ToolCalls, outcome)
		t.sink.toolResult(active.Name(), outcome)
	}

	return next, nil
}

// dispatch runs the calls at indexes on a per-run lane bounded by
// MaxParallelTools. The returned slice is indexed like calls.
func (r *Runner) dispatch(ctx context.Context, active *agent.Agent, calls []message.ToolCall, indexes []int) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	if len(indexes) == 0 {
		return results, nil
	}

	lane := "tools:" + tracing.GetRunID(ctx)
	r.queue.SetConcurrency(lane, r.settings.MaxParallelTools)
	defer r.queue.RemoveLane(lane)

	opts := tools.Options{
		Timeout:        r.settings.ToolTimeout(),
		MaxOutputBytes: r.settings.MaxToolOutputBytes,
	}
	registry := active.Tools()

	type pending struct {
		index int
		done  chan struct{}
	}
	waits := make([]pending, 0, len(indexes))

	for _, i := range indexes {
		call := calls[i]
		done := make(chan struct{})
		waits = append(waits, pending{index: i, done: done})

		idx := i
		go func() {
			defer close(done)
			res, err := r.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
				return registry.Execute(taskCtx, call, opts), nil
			}, nil)
			if err != nil {
				results[idx] = tools.Result{
					CallID: call.ID,
					Tool:   call.Name,
					Err:    tools.ExecutionError(call.Name, err),
				}
				return
			}
			results[idx] = res.(tools.Result)
		}()
	}

	for _, w := range waits {
		<-w.done
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
