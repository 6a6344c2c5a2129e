package gateway

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers events to authenticated clients. Every event
// gets a sequence number that increases across all clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends an untyped event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg to all authenticated clients
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	payload, ok := b.encode(&msg)
	if !ok {
		return
	}

	clients := b.clients.Authenticated()
	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendToClient delivers msg to one authenticated client
func (b *EventBroadcaster) SendToClient(clientID string, msg EventMessage) error {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.Authenticated {
		return fmt.Errorf("client %s is not connected", clientID)
	}

	payload, ok := b.encode(&msg)
	if !ok {
		return fmt.Errorf("failed to encode event %s", msg.Event)
	}
	return client.WriteMessage(websocket.TextMessage, payload)
}

// Publish delivers msg to the followers of a conversation and returns how
// many clients received it
func (b *EventBroadcaster) Publish(conversationID string, msg EventMessage) int {
	msg.Conversation = conversationID
	payload, ok := b.encode(&msg)
	if !ok {
		return 0
	}

	delivered := 0
	for _, client := range b.clients.Followers(conversationID) {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("conversationId", conversationID).
				Str("event", msg.Event).
				Msg("Failed to publish to follower")
			continue
		}
		delivered++
	}
	return delivered
}

func (b *EventBroadcaster) encode(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return nil, false
	}
	return payload, true
}
