package graph

import (
	"context"
	"fmt"
	"time"

	"convograph/backend/internal/store"
)

// ============================================================================
// Topic Operations
// ============================================================================

// UpsertTopic merges the topic by folded name and counts the mention
func (r *Repository) UpsertTopic(ctx context.Context, name, category string, at time.Time) (*store.Topic, bool, error) {
	query := `
		MERGE (t:Topic {name: $name})
		ON CREATE SET t.mention_count = 0, t.created_at = datetime($at)
		SET t._lock = true
		WITH t, t.id IS NULL AS created
		SET t.mention_count = t.mention_count + 1,
		    t.category = coalesce(t.category, $category)
		` + nextIDClause("t", "topic") + `
		REMOVE t._lock
		RETURN ` + topicReturn("t") + `, created`

	records, err := r.write(ctx, query, map[string]interface{}{
		"name":     store.FoldName(name),
		"category": optional(category),
		"at":       formatTime(at),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert topic: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}
	t := topicFromRecord(rec)
	return &t, getBoolFromRecord(rec, "created"), nil
}

// ListTopics returns every topic ordered by id
func (r *Repository) ListTopics(ctx context.Context) ([]store.Topic, error) {
	records, err := r.read(ctx, `
		MATCH (t:Topic)
		RETURN `+topicReturn("t")+`
		ORDER BY t.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	out := make([]store.Topic, 0, len(records))
	for _, rec := range records {
		out = append(out, topicFromRecord(rec))
	}
	return out, nil
}

// UpsertPersonTopic records that a person discussed a topic
func (r *Repository) UpsertPersonTopic(ctx context.Context, personID, topicID int64, at time.Time) (*store.PersonTopic, bool, error) {
	query := `
		MATCH (p:Person {id: $personID}), (t:Topic {id: $topicID})
		SET p._lock = true
		MERGE (p)-[d:DISCUSSES]->(t)
		ON CREATE SET d.mention_count = 0, d.created_at = datetime($at), d.last_mentioned = datetime($at), d.fresh = true
		WITH p, t, d, coalesce(d.fresh, false) AS created, datetime($at) AS at
		SET d.mention_count = d.mention_count + 1,
		    d.last_mentioned = CASE WHEN at > d.last_mentioned THEN at ELSE d.last_mentioned END
		REMOVE d.fresh, p._lock
		RETURN p.id AS person_id, t.id AS topic_id, d.mention_count AS mention_count,
		       d.last_mentioned AS last_mentioned, created`

	records, err := r.write(ctx, query, map[string]interface{}{
		"personID": personID,
		"topicID":  topicID,
		"at":       formatTime(at),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert person topic: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}
	return &store.PersonTopic{
		PersonID:      getInt64FromRecord(rec, "person_id"),
		TopicID:       getInt64FromRecord(rec, "topic_id"),
		MentionCount:  getInt64FromRecord(rec, "mention_count"),
		LastMentioned: getTimeFromRecord(rec, "last_mentioned"),
	}, getBoolFromRecord(rec, "created"), nil
}

// ListPersonTopics returns every person-topic link in creation order
func (r *Repository) ListPersonTopics(ctx context.Context) ([]store.PersonTopic, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person)-[d:DISCUSSES]->(t:Topic)
		RETURN p.id AS person_id, t.id AS topic_id, d.mention_count AS mention_count, d.last_mentioned AS last_mentioned
		ORDER BY d.created_at, p.id, t.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list person topics: %w", err)
	}
	out := make([]store.PersonTopic, 0, len(records))
	for _, rec := range records {
		out = append(out, store.PersonTopic{
			PersonID:      getInt64FromRecord(rec, "person_id"),
			TopicID:       getInt64FromRecord(rec, "topic_id"),
			MentionCount:  getInt64FromRecord(rec, "mention_count"),
			LastMentioned: getTimeFromRecord(rec, "last_mentioned"),
		})
	}
	return out, nil
}

// TopicsForPerson returns a person's topics ranked by their own mention count
func (r *Repository) TopicsForPerson(ctx context.Context, personID int64) ([]store.RankedTopic, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person {id: $personID})-[d:DISCUSSES]->(t:Topic)
		RETURN `+topicReturn("t")+`, d.mention_count AS person_mentions
		ORDER BY d.mention_count DESC, d.created_at, t.id`, map[string]interface{}{"personID": personID})
	if err != nil {
		return nil, fmt.Errorf("failed to get person topics: %w", err)
	}
	out := make([]store.RankedTopic, 0, len(records))
	for _, rec := range records {
		out = append(out, store.RankedTopic{
			Topic:          topicFromRecord(rec),
			PersonMentions: getInt64FromRecord(rec, "person_mentions"),
		})
	}
	return out, nil
}
