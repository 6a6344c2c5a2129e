package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/conversation"
	"github.com/harun/switchboard/pkg/handoff"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrTurnLimitExceeded terminates a conversation that went past its cycle
	// or turn bound
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrConversationTerminated is returned for input to a terminated conversation
	ErrConversationTerminated = errors.New("conversation terminated")
	// ErrUnknownAgent is returned by Start for names outside the catalog
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("runner closed")
	// ErrStreamStalled fails a streamed turn whose reader stopped receiving
	ErrStreamStalled = errors.New("stream reader stalled")
	// ErrNotFound is returned for unknown conversations
	ErrNotFound = conversation.ErrNotFound
)

// Status is how a turn ended
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusTerminated Status = "terminated"
)

// ToolOutcome summarizes one executed tool call
type ToolOutcome struct {
	CallID    string        `json:"call_id"`
	Tool      string        `json:"tool"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Handoff records a transfer of control during a turn
type Handoff struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Context string `json:"context,omitempty"`
}

// Reply is the result of one user turn
type Reply struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	// Agent is the agent active when the turn ended
	Agent  string `json:"agent"`
	Status Status `json:"status"`
	// Reason explains a blocked or terminated turn
	Reason string `json:"reason,omitempty"`
	// Err is ErrTurnLimitExceeded for terminated turns
	Err       error         `json:"-"`
	ToolCalls []ToolOutcome `json:"tool_calls,omitempty"`
	Handoffs  []Handoff     `json:"handoffs,omitempty"`
	// Cycles counts tool or handoff rounds executed in the turn
	Cycles int       `json:"cycles"`
	Usage  llm.Usage `json:"usage"`
}

// Config holds runner dependencies and limits
type Config struct {
	Client  llm.Client
	Catalog *agent.Catalog
	// Store defaults to an in-memory store
	Store conversation.Store
	// Archive receives ended conversations when set
	Archive conversation.Archive
	// Queue defaults to a private queue closed by Close
	Queue    *commandqueue.CommandQueue
	Auditor  *observability.Auditor
	Logger   zerolog.Logger
	Settings config.RunnerConfig
	// Defaults fill model parameters agents leave unset
	Defaults llm.Params
	Pricing  llm.Pricing
}

// Runner runs conversations
type Runner struct {
	client    llm.Client
	store     conversation.Store
	archive   conversation.Archive
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	auditor   *observability.Auditor
	logger    zerolog.Logger
	settings  config.RunnerConfig
	defaults  llm.Params
	pricing   llm.Pricing
	resolver  handoff.Resolver
	catalog   atomic.Pointer[agent.Catalog]
	closed    atomic.Bool
}

// New creates a runner
func New(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, fmt.Errorf("boundary client is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("agent catalog is required")
	}

	settings := withDefaults(cfg.Settings)

	store := cfg.Store
	if store == nil {
		store = conversation.NewMemoryStore()
	}

	queue := cfg.Queue
	ownsQueue := false
	if queue == nil {
		queue = commandqueue.New()
		ownsQueue = true
	}

	r := &Runner{
		client:    cfg.Client,
		store:     store,
		archive:   cfg.Archive,
		queue:     queue,
		ownsQueue: ownsQueue,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger.With().Str("component", "runner").Logger(),
		settings:  settings,
		defaults:  cfg.Defaults,
		pricing:   cfg.Pricing,
	}
	r.catalog.Store(cfg.Catalog)
	return r, nil
}

func withDefaults(s config.RunnerConfig) config.RunnerConfig {
	d := config.DefaultConfig().Runner
	if s.MaxTurns <= 0 {
		s.MaxTurns = d.MaxTurns
	}
	if s.BoundaryTimeoutMs <= 0 {
		s.BoundaryTimeoutMs = d.BoundaryTimeoutMs
	}
	if s.ToolTimeoutMs <= 0 {
		s.ToolTimeoutMs = d.ToolTimeoutMs
	}
	if s.MaxParallelTools <= 0 {
		s.MaxParallelTools = d.MaxParallelTools
	}
	if s.MaxToolOutputBytes <= 0 {
		s.MaxToolOutputBytes = d.MaxToolOutputBytes
	}
	if s.StreamStallTimeoutMs <= 0 {
		s.StreamStallTimeoutMs = d.StreamStallTimeoutMs
	}
	if s.RejectionMessage == "" {
		s.RejectionMessage = d.RejectionMessage
	}
	if s.DegradedMessage == "" {
		s.DegradedMessage = d.DegradedMessage
	}
	return s
}

// SetCatalog replaces the catalog used by conversations started from now on.
// Running conversations keep the catalog they were started with.
func (r *Runner) SetCatalog(c *agent.Catalog) {
	if c == nil {
		return
	}
	r.catalog.Store(c)
	r.logger.Info().Strs("agents", c.Names()).Msg("Agent catalog replaced")
}

// Catalog returns the catalog new conversations start with
func (r *Runner) Catalog() *agent.Catalog {
	return r.catalog.Load()
}

// Start creates a conversation with agentName, or the catalog's entry agent
// when agentName is empty
func (r *Runner) Start(ctx context.Context, agentName string) (string, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}

	catalog := r.catalog.Load()
	active := catalog.Entry()
	if agentName != "" {
		a, ok := catalog.Get(agentName)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
		}
		active = a
	}

	state := conversation.New(conversation.NewID(), catalog, active)
	if err := r.store.Create(ctx, state); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	ctx = tracing.WithConversationID(ctx, state.ID)
	r.auditor.Lifecycle(ctx, state.ID, active.Name(), "started")
	ctxLogger := tracing.LoggerFromContext(ctx, r.logger)
	ctxLogger.Info().
		Str("agent", active.Name()).
		Msg("Conversation started")

	return state.ID, nil
}

// Submit runs one user turn and waits for the reply. Blocked input and
// forced termination are replies, not errors; errors mean nothing was
// committed.
func (r *Runner) Submit(ctx context.Context, id, text string) (Reply, error) {
	return r.submit(ctx, id, text, nil)
}

func (r *Runner) submit(ctx context.Context, id, text string, sink *eventSink) (Reply, error) {
	if r.closed.Load() {
		return Reply{}, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = tracing.WithConversationID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"switchboard.runner",
		"runner.submit",
		attribute.String("conversation_id", id),
	)
	defer span.End()

	result, err := r.queue.EnqueueWithContext(ctx, laneFor(id), func(taskCtx context.Context) (interface{}, error) {
		return r.runTurn(taskCtx, id, text, sink)
	}, &commandqueue.TaskOptions{
		WarnAfter: time.Duration(r.settings.QueueWarnAfterMs) * time.Millisecond,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, err
	}

	reply := result.(Reply)
	span.SetAttributes(
		attribute.String("status", string(reply.Status)),
		attribute.String("agent", reply.Agent),
	)
	return reply, nil
}

// History returns the conversation's messages, including synthetic ones.
// Ended conversations are read from the archive.
func (r *Runner) History(ctx context.Context, id string) ([]message.Message, error) {
	state, err := r.store.Load(ctx, id)
	if err == nil {
		return state.Messages, nil
	}
	if errors.Is(err, conversation.ErrNotFound) && r.archive != nil {
		return r.archive.History(ctx, id)
	}
	return nil, err
}

// Agent returns the name of the conversation's active agent
func (r *Runner) Agent(ctx context.Context, id string) (string, error) {
	state, err := r.store.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return state.AgentName(), nil
}

// End archives and removes a conversation. It waits for a running turn.
func (r *Runner) End(ctx context.Context, id string) error {
	lane := laneFor(id)
	_, err := r.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		state, err := r.store.Load(taskCtx, id)
		if err != nil {
			return nil, err
		}
		if r.archive != nil {
			if err := r.archive.Archive(taskCtx, state); err != nil {
				return nil, fmt.Errorf("failed to archive conversation: %w", err)
			}
		}
		if err := r.store.Delete(taskCtx, id); err != nil {
			return nil, err
		}

		r.auditor.Lifecycle(taskCtx, id, state.AgentName(), "ended")
		ctxLogger := tracing.LoggerFromContext(taskCtx, r.logger)
		ctxLogger.Info().
			Str("conversation_id", id).
			Int("messages", len(state.Messages)).
			Int("turns", state.TurnCount).
			Msg("Conversation ended")
		return nil, nil
	}, nil)
	r.queue.RemoveLane(lane)
	return err
}

// Close stops accepting work, waits for running turns and closes the client
func (r *Runner) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if r.ownsQueue {
		errs = append(errs, r.queue.Close())
	}
	errs = append(errs, r.client.Close())
	return errors.Join(errs...)
}

func laneFor(id string) string {
	return "conversation:" + id
}
