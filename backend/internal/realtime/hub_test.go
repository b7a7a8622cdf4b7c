package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convograph/backend/internal/metrics"
	"convograph/backend/internal/pipeline"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/store"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	id     string
	limit  int
	events []Event
	closed bool
}

func newFakeSubscriber(id string, limit int) *fakeSubscriber {
	return &fakeSubscriber{id: id, limit: limit}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.events) >= f.limit {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func emptySnapshot(ctx context.Context) (*projection.GraphData, error) {
	return &projection.GraphData{Nodes: []projection.Node{}, Links: []projection.Link{}}, nil
}

func mustEvent(t *testing.T, eventType string, data interface{}) Event {
	t.Helper()
	ev, err := NewEvent(eventType, data)
	require.NoError(t, err)
	return ev
}

func TestHub_SnapshotBeforeLiveEvents(t *testing.T) {
	var hub *Hub
	snapshot := func(ctx context.Context) (*projection.GraphData, error) {
		// an ingest finishing while the snapshot is built
		hub.Publish(mustEvent(t, EventNodeAdded, projection.Node{ID: "person-1"}))
		return emptySnapshot(ctx)
	}
	hub = NewHub(snapshot, 8, nil)

	sub := newFakeSubscriber("a", 10)
	require.NoError(t, hub.Subscribe(context.Background(), sub))
	hub.Publish(mustEvent(t, EventNodeUpdated, projection.Node{ID: "person-1"}))

	assert.Equal(t, []string{EventGraphInit, EventNodeAdded, EventNodeUpdated}, sub.types())
	assert.Equal(t, 1, hub.Count())
}

func TestHub_InitCarriesGraph(t *testing.T) {
	graph := &projection.GraphData{
		Nodes: []projection.Node{{ID: "person-1", Name: "Me", Type: "person"}},
		Links: []projection.Link{},
	}
	hub := NewHub(func(ctx context.Context) (*projection.GraphData, error) { return graph, nil }, 8, nil)

	sub := newFakeSubscriber("a", 10)
	require.NoError(t, hub.Subscribe(context.Background(), sub))
	require.Len(t, sub.events, 1)

	var got projection.GraphData
	require.NoError(t, sub.events[0].Decode(&got))
	assert.Equal(t, *graph, got)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	m := metrics.NewCollector("test")
	hub := NewHub(emptySnapshot, 8, m)

	slow := newFakeSubscriber("slow", 1)
	fast := newFakeSubscriber("fast", 10)
	require.NoError(t, hub.Subscribe(context.Background(), slow))
	require.NoError(t, hub.Subscribe(context.Background(), fast))

	hub.Publish(mustEvent(t, EventTopicNew, store.Topic{ID: 1, Name: "sailing"}))

	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Equal(t, []string{EventGraphInit, EventTopicNew}, fast.types())
	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscribersDropped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSubscribers))
}

func TestHub_PendingOverflowDrops(t *testing.T) {
	var hub *Hub
	snapshot := func(ctx context.Context) (*projection.GraphData, error) {
		for i := 0; i < 3; i++ {
			hub.Publish(mustEvent(t, EventNodeAdded, projection.Node{}))
		}
		return emptySnapshot(ctx)
	}
	hub = NewHub(snapshot, 2, nil)

	sub := newFakeSubscriber("a", 10)
	require.NoError(t, hub.Subscribe(context.Background(), sub))
	assert.True(t, sub.isClosed())
	assert.Empty(t, sub.types())
	assert.Equal(t, 0, hub.Count())
}

func TestHub_SnapshotError(t *testing.T) {
	hub := NewHub(func(ctx context.Context) (*projection.GraphData, error) {
		return nil, errors.New("store down")
	}, 8, nil)

	sub := newFakeSubscriber("a", 10)
	err := hub.Subscribe(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, sub.isClosed())
	assert.Equal(t, 0, hub.Count())
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub(emptySnapshot, 8, nil)
	a := newFakeSubscriber("a", 10)
	b := newFakeSubscriber("b", 10)
	require.NoError(t, hub.Subscribe(context.Background(), a))
	require.NoError(t, hub.Subscribe(context.Background(), b))

	hub.Unsubscribe("a")
	hub.Unsubscribe("unknown")
	assert.True(t, a.isClosed())
	assert.Equal(t, 1, hub.Count())

	hub.Close()
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, hub.Count())

	err := hub.Subscribe(context.Background(), newFakeSubscriber("c", 10))
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestBroadcaster_DeltaOrder(t *testing.T) {
	hub := NewHub(emptySnapshot, 8, nil)
	sub := newFakeSubscriber("a", 100)
	require.NoError(t, hub.Subscribe(context.Background(), sub))

	b := NewBroadcaster(hub, nil)
	delta := pipeline.Delta{
		NewNodes:     []projection.Node{{ID: "person-1"}, {ID: "topic-2"}},
		UpdatedNodes: []projection.Node{{ID: "person-3"}},
		NewLinks:     []projection.Link{{ID: "pt-1-2"}},
		UpdatedLinks: []projection.Link{{ID: "rel-4"}},
	}
	b.BroadcastGraphDelta(context.Background(), delta, []store.Topic{{ID: 2, Name: "sailing"}})
	b.BroadcastConversation(context.Background(), ConversationEvent{SessionID: "s1", Turn: store.Turn{Content: "hi"}})

	assert.Equal(t, []string{
		EventGraphInit,
		EventNodeAdded, EventNodeAdded,
		EventNodeUpdated,
		EventLinkAdded,
		EventLinkUpdated,
		EventTopicNew,
		EventConversationNew,
	}, sub.types())

	var node projection.Node
	require.NoError(t, sub.events[2].Decode(&node))
	assert.Equal(t, "topic-2", node.ID)
}

// loopbackBus delivers published events to the forwarder synchronously
type loopbackBus struct {
	onEvent   func(Event)
	published int
	fail      bool
	closed    bool
}

func (l *loopbackBus) Publish(ctx context.Context, ev Event) error {
	if l.fail {
		return errors.New("bus unavailable")
	}
	l.published++
	l.onEvent(ev)
	return nil
}

func (l *loopbackBus) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	l.onEvent = onEvent
	return nil
}

func (l *loopbackBus) Close() error {
	l.closed = true
	return nil
}

func TestBroadcaster_ThroughBus(t *testing.T) {
	hub := NewHub(emptySnapshot, 8, nil)
	sub := newFakeSubscriber("a", 100)
	require.NoError(t, hub.Subscribe(context.Background(), sub))

	bus := &loopbackBus{}
	b := NewBroadcaster(hub, bus)
	require.NoError(t, b.Start(context.Background()))

	b.BroadcastFullGraph(context.Background(), &projection.GraphData{})
	assert.Equal(t, 1, bus.published)
	assert.Equal(t, []string{EventGraphInit, EventGraphInit}, sub.types())

	bus.fail = true
	b.BroadcastConversation(context.Background(), ConversationEvent{SessionID: "s1"})
	assert.Equal(t, []string{EventGraphInit, EventGraphInit, EventConversationNew}, sub.types())

	b.Close()
	assert.True(t, bus.closed)
	assert.True(t, sub.isClosed())
}
