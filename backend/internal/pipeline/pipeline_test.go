package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convograph/backend/internal/classifier"
	"convograph/backend/internal/constants"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/store"
	"convograph/backend/internal/store/memstore"
	apperrors "convograph/backend/pkg/errors"
)

func newTestPipeline(t *testing.T) (*Pipeline, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	return New(s, classifier.NewHeuristic(s, 10)), s
}

func openSession(t *testing.T, s store.ConversationStore, key string, other *Party) Session {
	t.Helper()
	sess, _, err := s.GetOrCreateSession(context.Background(), key, "glasses")
	require.NoError(t, err)
	return Session{ID: sess.ID, Key: sess.Key, OtherParty: other}
}

func nodeIDs(nodes []projection.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func linkIDs(links []projection.Link) []string {
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ID)
	}
	return ids
}

func mariaMessage() []Message {
	return []Message{{
		Line:    0,
		Role:    constants.RoleUser,
		Content: "Maria and I discussed the lakehouse listing",
		Speaker: "Maria",
	}}
}

func TestProcessMessages_FirstMention(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", &Party{Name: "Maria"})

	res, err := p.ProcessMessages(ctx, mariaMessage(), sess)
	require.NoError(t, err)

	persons, _ := s.ListPersons(ctx)
	require.Len(t, persons, 1)
	maria := persons[0]
	assert.Equal(t, "Maria", maria.Name)
	assert.Equal(t, int64(1), maria.ConversationCount)

	topics, _ := s.ListTopics(ctx)
	require.Len(t, topics, 1)
	topic := topics[0]
	assert.Equal(t, "lakehouse listing", topic.Name)

	assert.Equal(t, []string{projection.PersonNodeID(maria.ID), projection.TopicNodeID(topic.ID)}, nodeIDs(res.Delta.NewNodes))
	assert.Empty(t, res.Delta.UpdatedNodes)
	require.Len(t, res.Delta.NewLinks, 1)
	assert.Equal(t, projection.PersonTopicLinkID(maria.ID, topic.ID), res.Delta.NewLinks[0].ID)
	assert.Equal(t, int64(1), res.Delta.NewLinks[0].Weight)
	assert.Empty(t, res.Delta.UpdatedLinks)

	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Turns, 1)
	require.NotNil(t, res.Turns[0].PersonID)
	assert.Equal(t, maria.ID, *res.Turns[0].PersonID)
	require.Len(t, res.NewTopics, 1)

	stored, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LastProcessedLine)
}

func TestProcessMessages_RepeatUpdatesOnly(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)

	_, err := p.ProcessMessages(ctx, mariaMessage(), openSession(t, s, "s1", &Party{Name: "Maria"}))
	require.NoError(t, err)
	res, err := p.ProcessMessages(ctx, mariaMessage(), openSession(t, s, "s2", &Party{Name: "Maria"}))
	require.NoError(t, err)

	assert.Empty(t, res.Delta.NewNodes)
	assert.Empty(t, res.Delta.NewLinks)
	assert.Len(t, res.Delta.UpdatedNodes, 2)
	require.Len(t, res.Delta.UpdatedLinks, 1)
	assert.Equal(t, int64(2), res.Delta.UpdatedLinks[0].Weight)

	pts, _ := s.ListPersonTopics(ctx)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(2), pts[0].MentionCount)
	persons, _ := s.ListPersons(ctx)
	assert.Len(t, persons, 1)
}

func TestProcessMessages_SameBatchStaysNew(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", nil)

	msgs := []Message{
		{Line: 0, Role: constants.RoleUser, Content: "We went sailing", Speaker: "Maria"},
		{Line: 1, Role: constants.RoleUser, Content: "We went sailing", Speaker: "maria"},
	}
	res, err := p.ProcessMessages(ctx, msgs, sess)
	require.NoError(t, err)

	require.Len(t, res.Delta.NewNodes, 2)
	assert.Empty(t, res.Delta.UpdatedNodes)
	require.Len(t, res.Delta.NewLinks, 1)
	assert.Empty(t, res.Delta.UpdatedLinks)

	// payloads reflect the latest state
	assert.Equal(t, int64(2), res.Delta.NewNodes[0].Person.ConversationCount)
	assert.Equal(t, int64(2), res.Delta.NewNodes[1].Topic.MentionCount)
	assert.Equal(t, int64(2), res.Delta.NewLinks[0].Weight)
}

func TestProcessMessages_AssistantTurn(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", nil)

	msgs := []Message{
		{Line: 0, Role: constants.RoleAssistant, Content: "Sounds like a nice lakehouse listing"},
	}
	res, err := p.ProcessMessages(ctx, msgs, sess)
	require.NoError(t, err)

	require.Len(t, res.Turns, 1)
	assert.Nil(t, res.Turns[0].PersonID)
	assert.True(t, res.Delta.Empty())

	stats, _ := s.Stats(ctx)
	assert.Equal(t, int64(0), stats.Persons)
	assert.Equal(t, int64(0), stats.Topics)
	assert.Equal(t, int64(1), stats.Turns)
}

func TestProcessMessages_SkipsEmptyContent(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", nil)

	msgs := []Message{
		{Line: 0, Role: constants.RoleUser, Content: "   ", Speaker: "Maria"},
		{Line: 1, Role: constants.RoleUser, Content: "", Speaker: "Maria"},
	}
	res, err := p.ProcessMessages(ctx, msgs, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Processed)
	assert.True(t, res.Delta.Empty())

	stored, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, 2, stored.LastProcessedLine)
}

func TestProcessMessages_TalkedTo(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)

	res, err := p.ProcessMessages(ctx, []Message{
		{Line: 0, Role: constants.RoleUser, Content: "Bob went hiking", Speaker: "Bob"},
	}, openSession(t, s, "s1", &Party{Name: "Maria"}))
	require.NoError(t, err)

	persons, _ := s.ListPersons(ctx)
	require.Len(t, persons, 2)
	bob, maria := persons[0], persons[1]
	assert.Equal(t, "Bob", bob.Name)
	assert.Equal(t, "Maria", maria.Name)
	assert.Equal(t, int64(0), maria.ConversationCount)

	rels, _ := s.ListRelationships(ctx)
	require.Len(t, rels, 1)
	assert.Equal(t, constants.RelationshipTalkedTo, rels[0].Type)
	assert.Contains(t, nodeIDs(res.Delta.NewNodes), projection.PersonNodeID(maria.ID))
	assert.Contains(t, linkIDs(res.Delta.NewLinks), projection.RelationshipLinkID(rels[0].ID))

	// reversed roles reuse the same edge
	res, err = p.ProcessMessages(ctx, []Message{
		{Line: 0, Role: constants.RoleUser, Content: "Maria went hiking", Speaker: "Maria"},
	}, openSession(t, s, "s2", &Party{Name: "Bob"}))
	require.NoError(t, err)

	rels, _ = s.ListRelationships(ctx)
	require.Len(t, rels, 1)
	assert.Equal(t, int64(2), rels[0].Weight)
	assert.Contains(t, linkIDs(res.Delta.UpdatedLinks), projection.RelationshipLinkID(rels[0].ID))
}

func TestProcessMessages_NoEdgeToSelf(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)

	_, err := p.ProcessMessages(ctx, mariaMessage(), openSession(t, s, "s1", &Party{Name: "Maria"}))
	require.NoError(t, err)

	rels, _ := s.ListRelationships(ctx)
	assert.Empty(t, rels)
}

func TestProcessMessages_UserTurnWithoutSpeaker(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", nil)

	t.Run("partial failure is not surfaced", func(t *testing.T) {
		res, err := p.ProcessMessages(ctx, []Message{
			{Line: 0, Role: constants.RoleUser, Content: "hello there"},
			{Line: 1, Role: constants.RoleUser, Content: "We went sailing", Speaker: "Maria"},
		}, sess)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 2, res.Processed)
		assert.Len(t, res.Turns, 2)
	})

	t.Run("every message failing is surfaced", func(t *testing.T) {
		res, err := p.ProcessMessages(ctx, []Message{
			{Line: 2, Role: constants.RoleUser, Content: "hello again"},
		}, sess)
		require.Error(t, err)
		assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExtraction))
		assert.Equal(t, 1, res.Failed)
	})
}

type failingClassifier struct{}

func (failingClassifier) ExtractTopics(ctx context.Context, text string, hints classifier.Hints) ([]classifier.Topic, error) {
	return nil, errors.New("classifier offline")
}

func TestProcessMessages_ClassifierFailureKeepsTurn(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	p := New(s, failingClassifier{})
	sess := openSession(t, s, "s1", nil)

	res, err := p.ProcessMessages(ctx, mariaMessage(), sess)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExtraction))

	require.Len(t, res.Turns, 1)
	require.Len(t, res.Delta.NewNodes, 1)
	assert.Equal(t, constants.NodeTypePerson, res.Delta.NewNodes[0].Type)
}

type failingTurnStore struct {
	*memstore.Store
	failAfter int
	appended  int
}

func (f *failingTurnStore) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	if f.appended >= f.failAfter {
		return nil, errors.New("connection reset")
	}
	f.appended++
	return f.Store.AppendTurn(ctx, t)
}

func TestProcessMessages_StoreFailureAborts(t *testing.T) {
	ctx := context.Background()
	fs := &failingTurnStore{Store: memstore.New(), failAfter: 1}
	p := New(fs, classifier.NewHeuristic(fs, 10))
	sess := openSession(t, fs, "s1", nil)

	msgs := []Message{
		{Line: 0, Role: constants.RoleUser, Content: "We went sailing", Speaker: "Maria"},
		{Line: 1, Role: constants.RoleUser, Content: "We went hiking", Speaker: "Maria"},
		{Line: 2, Role: constants.RoleUser, Content: "We went fishing", Speaker: "Maria"},
	}
	res, err := p.ProcessMessages(ctx, msgs, sess)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeStore))

	assert.Len(t, res.Turns, 1)
	assert.Equal(t, []string{"sailing"}, topicNames(res.Delta.NewNodes))

	stored, _ := fs.GetSession(ctx, "s1")
	assert.Equal(t, 1, stored.LastProcessedLine)
}

func TestProcessMessages_PersonAnnouncedWhenTurnFails(t *testing.T) {
	ctx := context.Background()
	fs := &failingTurnStore{Store: memstore.New(), failAfter: 0}
	p := New(fs, classifier.NewHeuristic(fs, 10))
	sess := openSession(t, fs, "s1", nil)

	res, err := p.ProcessMessages(ctx, []Message{
		{Line: 0, Role: constants.RoleUser, Content: "We went sailing", Speaker: "Maria"},
	}, sess)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeStore))

	persons, _ := fs.ListPersons(ctx)
	require.Len(t, persons, 1)
	require.Len(t, res.Delta.NewNodes, 1)
	assert.Equal(t, projection.PersonNodeID(persons[0].ID), res.Delta.NewNodes[0].ID)
}

func topicNames(nodes []projection.Node) []string {
	var out []string
	for _, n := range nodes {
		if n.Type == constants.NodeTypeTopic {
			out = append(out, n.Name)
		}
	}
	return out
}

func TestProcessMessages_TimestampsDefault(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	sess := openSession(t, s, "s1", nil)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	res, err := p.ProcessMessages(ctx, []Message{
		{Line: 0, Role: constants.RoleUser, Content: "We went sailing", Speaker: "Maria", Timestamp: at},
		{Line: 1, Role: constants.RoleAssistant, Content: "Nice"},
	}, sess)
	require.NoError(t, err)

	require.Len(t, res.Turns, 2)
	assert.True(t, res.Turns[0].Timestamp.Equal(at))
	assert.False(t, res.Turns[1].Timestamp.IsZero())

	persons, _ := s.ListPersons(ctx)
	require.Len(t, persons, 1)
	assert.True(t, persons[0].LastSeen.Equal(at))
}
