package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/message"
)

// State is one conversation
type State struct {
	ID       string
	Messages []message.Message
	// Active is the agent answering the next turn
	Active *agent.Agent
	// Catalog is the agent set pinned when the conversation started
	Catalog *agent.Catalog
	// TurnCount counts completed user turns
	TurnCount int
	Terminal  bool
	// TerminalReason explains why the conversation ended
	TerminalReason string
	Usage          llm.Usage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewID returns a fresh conversation id
func NewID() string {
	return uuid.NewString()
}

// New creates a conversation pinned to catalog, starting with active
func New(id string, catalog *agent.Catalog, active *agent.Agent) *State {
	now := time.Now().UTC()
	return &State{
		ID:        id,
		Active:    active,
		Catalog:   catalog,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. Agents and catalogs are immutable and shared.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = message.CloneAll(s.Messages)
	return &out
}

// Append adds messages to the history
func (s *State) Append(msgs ...message.Message) {
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now().UTC()
}

// Terminate marks the conversation as ended
func (s *State) Terminate(reason string) {
	s.Terminal = true
	s.TerminalReason = reason
	s.UpdatedAt = time.Now().UTC()
}

// AgentName returns the active agent's name, or "" when unset
func (s *State) AgentName() string {
	if s == nil || s.Active == nil {
		return ""
	}
	return s.Active.Name()
}
