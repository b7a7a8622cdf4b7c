package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"convograph/backend/internal/classifier"
	"convograph/backend/internal/metrics"
	"convograph/backend/internal/pipeline"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/realtime"
	"convograph/backend/internal/store"
	"convograph/backend/internal/store/memstore"
	apperrors "convograph/backend/pkg/errors"
)

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) ID() string { return "recorder" }

func (r *recorder) Send(ev realtime.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) Close() {}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) all() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	events  *recorder
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memstore.New()
	return newFixtureOn(t, mem, mem)
}

// newFixtureOn runs the service against s, which wraps mem
func newFixtureOn(t *testing.T, s store.Store, mem *memstore.Store) *fixture {
	t.Helper()
	proj := projection.New(s)
	m := metrics.NewCollector("test")

	hub := realtime.NewHub(proj.BuildFullGraph, 64, m)
	b := realtime.NewBroadcaster(hub, nil)
	rec := &recorder{}
	require.NoError(t, hub.Subscribe(context.Background(), rec))
	rec.reset()

	svc := NewService(s, pipeline.New(s, classifier.NewHeuristic(s, 10)), proj, b, Options{
		AllowedSources: []string{"glasses", "phone"},
		SeedPersonName: "Me",
		HistoryLimit:   10,
		Metrics:        m,
	})
	return &fixture{svc: svc, store: mem, events: rec, metrics: m}
}

func mariaRequest(session string) *Request {
	return &Request{
		SessionID: session,
		Source:    "glasses",
		Speaker:   "Maria",
		Turns: []TurnRequest{
			{Role: "user", Content: "Maria and I discussed the lakehouse listing"},
		},
	}
}

func TestIngest_FirstMention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.NoError(t, err)

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 1, resp.Processed)
	assert.GreaterOrEqual(t, resp.NewNodes, 2)
	assert.Equal(t, 1, resp.NewLinks)

	persons, _ := f.store.ListPersons(ctx)
	require.Len(t, persons, 1)
	assert.Equal(t, "Maria", persons[0].Name)

	topics, _ := f.store.ListTopics(ctx)
	require.Len(t, topics, 1)
	assert.Equal(t, "lakehouse listing", topics[0].Name)

	pts, _ := f.store.ListPersonTopics(ctx)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(1), pts[0].MentionCount)

	assert.Equal(t, []string{
		realtime.EventNodeAdded,
		realtime.EventNodeAdded,
		realtime.EventLinkAdded,
		realtime.EventTopicNew,
		realtime.EventConversationNew,
	}, f.events.types())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsProcessed))
}

func TestIngest_TwoCallsCountTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.NoError(t, err)
	resp, err := f.svc.Ingest(ctx, mariaRequest("s2"))
	require.NoError(t, err)

	assert.Equal(t, 0, resp.NewNodes)
	assert.Equal(t, 2, resp.UpdatedNodes)
	assert.Equal(t, 1, resp.UpdatedLinks)

	pts, _ := f.store.ListPersonTopics(ctx)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(2), pts[0].MentionCount)
}

func TestIngest_ReplayedSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.NoError(t, err)

	req := mariaRequest("s1")
	req.Turns = append(req.Turns, TurnRequest{Role: "assistant", Content: "Want me to save the listing?"})
	resp, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 1, resp.Skipped)
	assert.Equal(t, 0, resp.NewNodes)
	assert.Equal(t, 0, resp.UpdatedNodes)

	pts, _ := f.store.ListPersonTopics(ctx)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(1), pts[0].MentionCount)

	sess, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.LastProcessedLine)
}

func TestIngest_GeneratesSessionKey(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Ingest(context.Background(), mariaRequest(""))
	require.NoError(t, err)
	assert.Len(t, resp.SessionID, 36)
}

func TestIngest_TurnTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req := mariaRequest("s1")
	req.Turns[0].Timestamp = &at
	_, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)

	persons, _ := f.store.ListPersons(ctx)
	require.Len(t, persons, 1)
	assert.True(t, persons[0].LastSeen.Equal(at))
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		req   *Request
		field string
	}{
		{
			name:  "nil request",
			req:   nil,
			field: "request",
		},
		{
			name: "source not allowed",
			req: &Request{Source: "telegram", Speaker: "Maria", Turns: []TurnRequest{
				{Role: "user", Content: "Maria and I discussed the lakehouse listing"},
			}},
			field: "source",
		},
		{
			name:  "missing source",
			req:   &Request{Speaker: "Maria", Turns: []TurnRequest{{Role: "user", Content: "hi"}}},
			field: "source",
		},
		{
			name:  "empty turns",
			req:   &Request{Source: "glasses", Speaker: "Maria", Turns: []TurnRequest{}},
			field: "turns",
		},
		{
			name:  "missing turns",
			req:   &Request{Source: "glasses", Speaker: "Maria"},
			field: "turns",
		},
		{
			name:  "bad role",
			req:   &Request{Source: "glasses", Speaker: "Maria", Turns: []TurnRequest{{Role: "system", Content: "hi"}}},
			field: "turns[0].role",
		},
		{
			name:  "user turn without speaker",
			req:   &Request{Source: "glasses", Turns: []TurnRequest{{Role: "user", Content: "hi"}}},
			field: "turns[0].speaker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			resp, err := f.svc.Ingest(ctx, tt.req)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeInvalidInput))

			var invalid *apperrors.ErrInvalidInput
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)

			stats, _ := f.store.Stats(ctx)
			assert.Equal(t, store.Stats{}, stats)
			assert.Empty(t, f.events.types())
		})
	}
}

func TestIngest_AssistantOnlyNeedsNoSpeaker(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Ingest(context.Background(), &Request{
		Source: "phone",
		Turns:  []TurnRequest{{Role: "assistant", Content: "Good morning"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.NewNodes)
}

func TestIngest_TurnSpeakerOverridesRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, &Request{
		SessionID: "s1",
		Source:    "glasses",
		Speaker:   "Maria",
		Turns:     []TurnRequest{{Role: "user", Content: "Bob went hiking", Speaker: "Bob"}},
	})
	require.NoError(t, err)

	persons, _ := f.store.ListPersons(ctx)
	require.Len(t, persons, 2)
	rels, _ := f.store.ListRelationships(ctx)
	require.Len(t, rels, 1)
}

func TestPersonDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.NoError(t, err)
	persons, _ := f.store.ListPersons(ctx)
	require.Len(t, persons, 1)
	id := persons[0].ID

	_, err = f.svc.AddMedia(ctx, id, &MediaRequest{Kind: "Image", URL: "https://example.com/maria.png"})
	require.NoError(t, err)

	detail, err := f.svc.PersonDetail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Maria", detail.Person.Name)
	require.Len(t, detail.History, 1)
	assert.Equal(t, "Maria and I discussed the lakehouse listing", detail.History[0].Content)
	require.Len(t, detail.Topics, 1)
	assert.Equal(t, "lakehouse listing", detail.Topics[0].Name)
	assert.Empty(t, detail.Relationships)
	assert.NotNil(t, detail.Relationships)
	require.Len(t, detail.Media, 1)
	assert.Equal(t, "image", detail.Media[0].Kind)
}

func TestPersonDetail_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PersonDetail(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}

func TestAddMedia_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddMedia(ctx, 404, &MediaRequest{Kind: "image", URL: "https://example.com/a.png"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	_, err = f.svc.AddMedia(ctx, 1, &MediaRequest{Kind: "image", URL: "not a url"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeInvalidInput))

	_, err = f.svc.AddMedia(ctx, 1, &MediaRequest{URL: "https://example.com/a.png"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeInvalidInput))
}

func TestReset_LeavesOnlySeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.NoError(t, err)
	f.events.reset()

	graph, err := f.svc.Reset(ctx)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, "Me", graph.Nodes[0].Name)
	assert.Empty(t, graph.Links)
	assert.Equal(t, []string{realtime.EventGraphInit}, f.events.types())

	view, err := f.svc.Graph(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, "Me", view.Nodes[0].Name)
	assert.Empty(t, view.Links)
	assert.Equal(t, int64(1), view.Stats.Persons)
	assert.Equal(t, int64(0), view.Stats.Topics)
	assert.Equal(t, int64(0), view.Stats.Relationships)
}

type brokenTurnStore struct {
	*memstore.Store
	failAfter int
	appended  int
}

func (b *brokenTurnStore) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	if b.appended >= b.failAfter {
		return nil, errors.New("connection lost")
	}
	b.appended++
	return b.Store.AppendTurn(ctx, t)
}

// ctxStore refuses writes on a done context, the way a database driver does
type ctxStore struct {
	*memstore.Store
}

func (c *ctxStore) GetOrCreateSession(ctx context.Context, key, source string) (*store.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return c.Store.GetOrCreateSession(ctx, key, source)
}

func (c *ctxStore) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Store.AppendTurn(ctx, t)
}

func (c *ctxStore) AdvanceSession(ctx context.Context, key string, line int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.AdvanceSession(ctx, key, line)
}

func (c *ctxStore) Reset(ctx context.Context, seedName string) (*store.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Store.Reset(ctx, seedName)
}

// assertGraphAnnounced checks that every node and link in the stored graph reached
// subscribers through an added or updated event
func assertGraphAnnounced(t *testing.T, f *fixture) {
	t.Helper()
	nodes := map[string]bool{}
	links := map[string]bool{}
	for _, ev := range f.events.all() {
		switch ev.Type {
		case realtime.EventNodeAdded, realtime.EventNodeUpdated:
			var n projection.Node
			require.NoError(t, json.Unmarshal(ev.Data, &n))
			nodes[n.ID] = true
		case realtime.EventLinkAdded, realtime.EventLinkUpdated:
			var l projection.Link
			require.NoError(t, json.Unmarshal(ev.Data, &l))
			links[l.ID] = true
		}
	}

	view, err := f.svc.Graph(context.Background())
	require.NoError(t, err)
	for _, n := range view.Nodes {
		assert.True(t, nodes[n.ID], "node %s (%s) was never announced", n.ID, n.Name)
	}
	for _, l := range view.Links {
		assert.True(t, links[l.ID], "link %s was never announced", l.ID)
	}
}

func mixedRequest(session string) *Request {
	return &Request{
		SessionID: session,
		Source:    "glasses",
		Speaker:   "Maria",
		Turns: []TurnRequest{
			{Role: "user", Content: "Maria and I discussed the lakehouse listing"},
			{Role: "assistant", Content: "Want me to save the listing?"},
			{Role: "user", Content: "Bob went hiking last weekend", Speaker: "Bob"},
			{Role: "user", Content: "We went sailing"},
		},
	}
}

func TestIngest_EveryChangeIsAnnounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, mixedRequest("s1"))
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, mixedRequest("s2"))
	require.NoError(t, err)

	rels, _ := f.store.ListRelationships(ctx)
	require.Len(t, rels, 1)
	assertGraphAnnounced(t, f)
}

func TestIngest_TurnWriteFailureStillAnnouncesPerson(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	f := newFixtureOn(t, &brokenTurnStore{Store: mem}, mem)

	_, err := f.svc.Ingest(ctx, mariaRequest("s1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeStore))

	persons, _ := mem.ListPersons(ctx)
	require.Len(t, persons, 1)
	assert.Equal(t, []string{realtime.EventNodeAdded}, f.events.types())
	assertGraphAnnounced(t, f)
}

func TestIngest_MidBatchFailureAnnouncesCommittedWork(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	f := newFixtureOn(t, &brokenTurnStore{Store: mem, failAfter: 2}, mem)

	_, err := f.svc.Ingest(ctx, mixedRequest("s1"))
	require.Error(t, err)

	persons, _ := mem.ListPersons(ctx)
	require.Len(t, persons, 2)
	sess, err := mem.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.LastProcessedLine)
	assertGraphAnnounced(t, f)
}

func TestIngest_CallerCancellationDoesNotInterruptBatch(t *testing.T) {
	mem := memstore.New()
	f := newFixtureOn(t, &ctxStore{Store: mem}, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := mixedRequest("s1")
	resp, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, len(req.Turns), resp.Processed)

	sess, err := mem.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, len(req.Turns), sess.LastProcessedLine)
	assertGraphAnnounced(t, f)
}

func TestReset_CallerCancellationStillReinitializes(t *testing.T) {
	mem := memstore.New()
	f := newFixtureOn(t, &ctxStore{Store: mem}, mem)
	_, err := f.svc.Ingest(context.Background(), mariaRequest("s1"))
	require.NoError(t, err)
	f.events.reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	graph, err := f.svc.Reset(ctx)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, []string{realtime.EventGraphInit}, f.events.types())
}

func TestIngest_ConcurrentUpdatesConvergeOnLargest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Ingest(ctx, mixedRequest("warmup"))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("s%d", i)
		g.Go(func() error {
			_, err := f.svc.Ingest(ctx, mixedRequest(session))
			return err
		})
	}
	require.NoError(t, g.Wait())

	// a subscriber keeping the largest size and weight seen per id ends up with the stored graph
	sizes := map[string]float64{}
	weights := map[string]int64{}
	for _, ev := range f.events.all() {
		switch ev.Type {
		case realtime.EventNodeAdded, realtime.EventNodeUpdated:
			var n projection.Node
			require.NoError(t, json.Unmarshal(ev.Data, &n))
			if n.Size > sizes[n.ID] {
				sizes[n.ID] = n.Size
			}
		case realtime.EventLinkAdded, realtime.EventLinkUpdated:
			var l projection.Link
			require.NoError(t, json.Unmarshal(ev.Data, &l))
			if l.Weight > weights[l.ID] {
				weights[l.ID] = l.Weight
			}
		}
	}

	view, err := f.svc.Graph(ctx)
	require.NoError(t, err)
	for _, n := range view.Nodes {
		assert.InDelta(t, n.Size, sizes[n.ID], 1e-9, "node %s", n.ID)
	}
	for _, l := range view.Links {
		assert.Equal(t, l.Weight, weights[l.ID], "link %s", l.ID)
	}
}
