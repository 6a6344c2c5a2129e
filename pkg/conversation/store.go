package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/message"
)

var (
	// ErrNotFound is returned for unknown conversation ids
	ErrNotFound = errors.New("conversation not found")
	// ErrExists is returned when creating a conversation whose id is taken
	ErrExists = errors.New("conversation already exists")
)

// Store holds live conversations. Implementations copy states on the way
// in and out.
type Store interface {
	Create(ctx context.Context, state *State) error
	Load(ctx context.Context, id string) (*State, error)
	// Save replaces a stored state in one step
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
	// Idle returns ids of conversations not updated since cutoff
	Idle(ctx context.Context, cutoff time.Time) ([]string, error)
	Len() int
}

// Archive keeps ended conversations readable
type Archive interface {
	Archive(ctx context.Context, state *State) error
	History(ctx context.Context, id string) ([]message.Message, error)
	Close() error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	observability.EnsureRegistered()
	return &MemoryStore{states: make(map[string]*State)}
}

// Create stores a new conversation
func (m *MemoryStore) Create(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[state.ID]; exists {
		return ErrExists
	}
	m.states[state.ID] = state.Clone()
	observability.SetActiveConversations(len(m.states))
	return nil
}

// Load returns a copy of a stored conversation
func (m *MemoryStore) Load(ctx context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// Save replaces a stored conversation
func (m *MemoryStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[state.ID]; !ok {
		return ErrNotFound
	}
	m.states[state.ID] = state.Clone()
	return nil
}

// Delete removes a conversation
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[id]; !ok {
		return ErrNotFound
	}
	delete(m.states, id)
	observability.SetActiveConversations(len(m.states))
	return nil
}

// Idle returns ids not updated since cutoff, oldest first
func (m *MemoryStore) Idle(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type idle struct {
		id      string
		updated time.Time
	}
	var found []idle
	for id, state := range m.states {
		if state.UpdatedAt.Before(cutoff) {
			found = append(found, idle{id, state.UpdatedAt})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].updated.Before(found[j].updated) })

	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

// Len returns the number of live conversations
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
