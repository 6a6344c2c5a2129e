package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected clients and the conversations each one
// follows. A client follows every conversation it started or sent to.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// conversation id -> client ids
	followers map[string]map[string]struct{}
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:   make(map[string]*Client),
		followers: make(map[string]map[string]struct{}),
	}
}

// Add adds a client
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove removes a client and stops it following conversations
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
	for id, set := range r.followers {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.followers, id)
		}
	}
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

// All returns every client
func (r *ClientRegistry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Authenticated returns clients that passed the challenge
func (r *ClientRegistry) Authenticated() []*Client {
	return r.filter(func(c *Client) bool { return c.Authenticated })
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if keep(client) {
			out = append(out, client)
		}
	}
	return out
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Follow subscribes a connected client to a conversation's events
func (r *ClientRegistry) Follow(clientID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return
	}
	set, ok := r.followers[conversationID]
	if !ok {
		set = make(map[string]struct{})
		r.followers[conversationID] = set
	}
	set[clientID] = struct{}{}
}

// Followers returns the authenticated clients following a conversation
func (r *ClientRegistry) Followers(conversationID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.followers[conversationID]
	out := make([]*Client, 0, len(set))
	for clientID := range set {
		if client, ok := r.clients[clientID]; ok && client.Authenticated {
			out = append(out, client)
		}
	}
	return out
}

// Forget drops every follower of a conversation
func (r *ClientRegistry) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.followers, conversationID)
}

// Info describes every connected client, oldest connection first
func (r *ClientRegistry) Info() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	following := make(map[string][]string, len(r.clients))
	for id, set := range r.followers {
		for clientID := range set {
			following[clientID] = append(following[clientID], id)
		}
	}

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		conversations := following[client.ID]
		sort.Strings(conversations)
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > idleAfter,
			Conversations: conversations,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// Touch records activity for a client
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
