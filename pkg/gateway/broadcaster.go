package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/agentrun/pkg/protocol"
)

// EventBroadcaster delivers run events to the clients following a run and
// server events to every authenticated client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
		now:     time.Now,
	}
}

// Broadcast sends a server event to all authenticated clients
func (b *EventBroadcaster) Broadcast(name string, data interface{}) {
	b.send(b.clients.GetAuthenticatedClients(), EventMessage{
		Type:      "event",
		Name:      name,
		Data:      data,
		Timestamp: b.now().UnixMilli(),
	})
}

// PublishRun forwards one protocol event to the subscribers of runID.
func (b *EventBroadcaster) PublishRun(runID string, e protocol.Event) {
	subscribers := b.clients.Subscribers(runID)
	if len(subscribers) == 0 {
		return
	}
	b.send(subscribers, EventMessage{
		Type:      "event",
		RunID:     runID,
		Event:     &e,
		Timestamp: b.now().UnixMilli(),
	})
}

// RunSink returns a sink publishing to the subscribers of runID.
func (b *EventBroadcaster) RunSink(runID string) protocol.Sink {
	return protocol.SinkFunc(func(e protocol.Event) {
		b.PublishRun(runID, e)
	})
}

func (b *EventBroadcaster) send(clients []*Client, msg EventMessage) {
	if len(clients) == 0 {
		b.logger.Debug().Str("event", msg.Name).Msg("No clients to send event to")
		return
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Name).
			Str("run_id", msg.RunID).
			Msg("Failed to marshal event")
		return
	}

	failures := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			failures++
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("run_id", msg.RunID).
				Msg("Failed to send event to client")
		}
	}

	if failures > 0 {
		b.logger.Debug().
			Str("event", msg.Name).
			Str("run_id", msg.RunID).
			Int("clients", len(clients)).
			Int("failed", failures).
			Msg("Event delivery incomplete")
	}
}
