package realtime

import (
	"context"

	"go.uber.org/zap"

	"convograph/backend/internal/pipeline"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/store"
	"convograph/backend/pkg/logger"
)

// Bus carries events between service instances
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// StartForwarder delivers every event on the bus, including this instance's own, to onEvent
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

// ConversationEvent is the payload of conversation:new
type ConversationEvent struct {
	SessionID string     `json:"session_id"`
	Source    string     `json:"source"`
	Turn      store.Turn `json:"turn"`
}

// Broadcaster turns pipeline output into events. Without a bus events go straight to the
// local hub; with one they go through the bus so every instance sees one global order.
type Broadcaster struct {
	hub    *Hub
	bus    Bus
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster; bus may be nil
func NewBroadcaster(hub *Hub, bus Bus) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		bus:    bus,
		logger: logger.Named("broadcaster"),
	}
}

// Start wires the bus forwarder to the local hub
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}
	return b.bus.StartForwarder(ctx, b.hub.Publish)
}

// Hub returns the local subscriber hub
func (b *Broadcaster) Hub() *Hub {
	return b.hub
}

// BroadcastGraphDelta emits node events before link events so endpoints always exist on the
// receiving side, each group in delta order, followed by topic:new for created topics.
// Deltas from concurrent batches interleave; sizes and weights never shrink between resets,
// so receivers keep the larger of two updates for the same id.
func (b *Broadcaster) BroadcastGraphDelta(ctx context.Context, delta pipeline.Delta, newTopics []store.Topic) {
	for _, n := range delta.NewNodes {
		b.publish(ctx, EventNodeAdded, n)
	}
	for _, n := range delta.UpdatedNodes {
		b.publish(ctx, EventNodeUpdated, n)
	}
	for _, l := range delta.NewLinks {
		b.publish(ctx, EventLinkAdded, l)
	}
	for _, l := range delta.UpdatedLinks {
		b.publish(ctx, EventLinkUpdated, l)
	}
	for _, t := range newTopics {
		b.publish(ctx, EventTopicNew, t)
	}
}

// BroadcastConversation emits one conversation:new event
func (b *Broadcaster) BroadcastConversation(ctx context.Context, ev ConversationEvent) {
	b.publish(ctx, EventConversationNew, ev)
}

// BroadcastFullGraph re-initializes every subscriber, used after a reset
func (b *Broadcaster) BroadcastFullGraph(ctx context.Context, graph *projection.GraphData) {
	b.publish(ctx, EventGraphInit, graph)
}

func (b *Broadcaster) publish(ctx context.Context, eventType string, data interface{}) {
	ev, err := NewEvent(eventType, data)
	if err != nil {
		b.logger.Error("Failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if b.bus == nil {
		b.hub.Publish(ev)
		return
	}
	if err := b.bus.Publish(ctx, ev); err != nil {
		// local subscribers still get the event
		b.logger.Warn("Bus publish failed, delivering locally", zap.String("type", eventType), zap.Error(err))
		b.hub.Publish(ev)
	}
}

// Close stops the bus and disconnects local subscribers
func (b *Broadcaster) Close() {
	if b.bus != nil {
		if err := b.bus.Close(); err != nil {
			b.logger.Warn("Failed to close bus", zap.Error(err))
		}
	}
	b.hub.Close()
}
