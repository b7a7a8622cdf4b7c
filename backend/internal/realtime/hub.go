// Package realtime fans graph changes and conversation events out to connected observers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"convograph/backend/internal/metrics"
	"convograph/backend/internal/projection"
	"convograph/backend/pkg/logger"
)

// ErrHubClosed is returned when subscribing to a hub that has shut down
var ErrHubClosed = errors.New("hub closed")

// Subscriber receives events. Send must not block; it reports false when the
// subscriber cannot take the event.
type Subscriber interface {
	ID() string
	Send(ev Event) bool
	Close()
}

// SnapshotFunc produces the full graph for a newly connected subscriber
type SnapshotFunc func(ctx context.Context) (*projection.GraphData, error)

type subscription struct {
	sub     Subscriber
	ready   bool
	pending []Event
}

// Hub owns the subscriber registry. It is created at process start and cleared by Close.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscription
	closed      bool

	snapshot   SnapshotFunc
	maxPending int
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewHub creates a hub. maxPending bounds the events queued for a subscriber while its
// snapshot is being built; m may be nil.
func NewHub(snapshot SnapshotFunc, maxPending int, m *metrics.Collector) *Hub {
	if maxPending <= 0 {
		maxPending = 256
	}
	return &Hub{
		subscribers: make(map[string]*subscription),
		snapshot:    snapshot,
		maxPending:  maxPending,
		metrics:     m,
		logger:      logger.Named("realtime"),
	}
}

// Subscribe registers sub and delivers a graph:init snapshot before any live event.
// Events published while the snapshot is built are queued and flushed right after it;
// some of them may already be reflected in the snapshot, and applying them again is
// harmless because every event carries the full entity.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	s := &subscription{sub: sub}
	h.subscribers[sub.ID()] = s
	h.reportCount()
	h.mu.Unlock()

	graph, err := h.snapshot(ctx)
	if err != nil {
		h.Unsubscribe(sub.ID())
		return fmt.Errorf("build snapshot: %w", err)
	}
	initEvent, err := NewEvent(EventGraphInit, graph)
	if err != nil {
		h.Unsubscribe(sub.ID())
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub.ID()] != s {
		// dropped or closed while the snapshot was being built
		return nil
	}
	if !sub.Send(initEvent) {
		h.drop(s)
		return nil
	}
	for _, ev := range s.pending {
		if !sub.Send(ev) {
			h.drop(s)
			return nil
		}
	}
	s.pending = nil
	s.ready = true
	h.metrics.RecordEvent(EventGraphInit)

	h.logger.Info("Subscriber connected",
		zap.String("subscriber_id", sub.ID()),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("links", len(graph.Links)),
	)
	return nil
}

// Unsubscribe removes and closes the subscriber; unknown ids are ignored
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	s.sub.Close()
	h.reportCount()
	h.logger.Debug("Subscriber removed", zap.String("subscriber_id", id))
}

// Publish delivers ev to every subscriber without blocking. A subscriber that cannot keep
// up is disconnected; it reconnects and converges through a fresh snapshot.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, s := range h.subscribers {
		if !s.ready {
			if len(s.pending) >= h.maxPending {
				h.drop(s)
				continue
			}
			s.pending = append(s.pending, ev)
			continue
		}
		if !s.sub.Send(ev) {
			h.drop(s)
		}
	}
	h.metrics.RecordEvent(ev.Type)
}

// Count returns the number of registered subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subscribers {
		s.sub.Close()
		delete(h.subscribers, id)
	}
	h.reportCount()
	h.logger.Info("Hub closed")
}

// drop must be called with mu held
func (h *Hub) drop(s *subscription) {
	id := s.sub.ID()
	delete(h.subscribers, id)
	s.sub.Close()
	h.metrics.RecordDrop()
	h.reportCount()
	h.logger.Warn("Dropping slow subscriber", zap.String("subscriber_id", id))
}

func (h *Hub) reportCount() {
	h.metrics.SetSubscribers(len(h.subscribers))
}
