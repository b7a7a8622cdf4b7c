package postgres

import (
	"context"
	"fmt"
	"time"

	"convograph/backend/internal/store"
)

// ============================================================================
// Topics
// ============================================================================

func (s *Store) UpsertTopic(ctx context.Context, name, category string, at time.Time) (*store.Topic, bool, error) {
	var t store.Topic
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO topics (name, category, mention_count, created_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (name) DO UPDATE
		SET mention_count = topics.mention_count + 1,
		    category = COALESCE(topics.category, EXCLUDED.category)
		RETURNING id, name, COALESCE(category, ''), mention_count, created_at, (xmax = 0)`,
		store.FoldName(name), nullable(category), orNow(at),
	).Scan(&t.ID, &t.Name, &t.Category, &t.MentionCount, &t.CreatedAt, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert topic: %w", mapErr(err))
	}
	return &t, created, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]store.Topic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(category, ''), mention_count, created_at
		FROM topics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []store.Topic
	for rows.Next() {
		var t store.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.MentionCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPersonTopic(ctx context.Context, personID, topicID int64, at time.Time) (*store.PersonTopic, bool, error) {
	var pt store.PersonTopic
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO person_topics (person_id, topic_id, mention_count, last_mentioned)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (person_id, topic_id) DO UPDATE
		SET mention_count = person_topics.mention_count + 1,
		    last_mentioned = GREATEST(person_topics.last_mentioned, EXCLUDED.last_mentioned)
		RETURNING person_id, topic_id, mention_count, last_mentioned, (xmax = 0)`,
		personID, topicID, orNow(at),
	).Scan(&pt.PersonID, &pt.TopicID, &pt.MentionCount, &pt.LastMentioned, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert person topic: %w", mapErr(err))
	}
	return &pt, created, nil
}

func (s *Store) ListPersonTopics(ctx context.Context) ([]store.PersonTopic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT person_id, topic_id, mention_count, last_mentioned
		FROM person_topics ORDER BY created_at, person_id, topic_id`)
	if err != nil {
		return nil, fmt.Errorf("list person topics: %w", err)
	}
	defer rows.Close()

	var out []store.PersonTopic
	for rows.Next() {
		var pt store.PersonTopic
		if err := rows.Scan(&pt.PersonID, &pt.TopicID, &pt.MentionCount, &pt.LastMentioned); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (s *Store) TopicsForPerson(ctx context.Context, personID int64) ([]store.RankedTopic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.name, COALESCE(t.category, ''), t.mention_count, t.created_at, pt.mention_count
		FROM person_topics pt
		JOIN topics t ON t.id = pt.topic_id
		WHERE pt.person_id = $1
		ORDER BY pt.mention_count DESC, pt.created_at, t.id`, personID)
	if err != nil {
		return nil, fmt.Errorf("topics for person: %w", err)
	}
	defer rows.Close()

	var out []store.RankedTopic
	for rows.Next() {
		var rt store.RankedTopic
		if err := rows.Scan(&rt.ID, &rt.Name, &rt.Category, &rt.MentionCount, &rt.CreatedAt, &rt.PersonMentions); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ============================================================================
// Relationships
// ============================================================================

func (s *Store) UpsertRelationship(ctx context.Context, a, b int64, relType string, at time.Time) (*store.Relationship, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("upsert relationship: self edge on person %d", a)
	}
	low, high := store.CanonicalPair(a, b)

	var r store.Relationship
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relationships (source_id, target_id, rel_type, weight, last_interaction)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT ((LEAST(source_id, target_id)), (GREATEST(source_id, target_id)), rel_type) DO UPDATE
		SET weight = relationships.weight + 1,
		    last_interaction = GREATEST(relationships.last_interaction, EXCLUDED.last_interaction)
		RETURNING id, source_id, target_id, rel_type, weight, last_interaction, (xmax = 0)`,
		low, high, relType, orNow(at),
	).Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Weight, &r.LastInteraction, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert relationship: %w", mapErr(err))
	}
	return &r, created, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]store.Relationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, target_id, rel_type, weight, last_interaction
		FROM relationships ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []store.Relationship
	for rows.Next() {
		var r store.Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Weight, &r.LastInteraction); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RelationshipsForPerson(ctx context.Context, personID int64) ([]store.PersonRelationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.source_id, r.target_id, r.rel_type, r.weight, r.last_interaction, o.id, o.name
		FROM relationships r
		JOIN persons o ON o.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
		WHERE r.source_id = $1 OR r.target_id = $1
		ORDER BY r.weight DESC, r.id`, personID)
	if err != nil {
		return nil, fmt.Errorf("relationships for person: %w", err)
	}
	defer rows.Close()

	var out []store.PersonRelationship
	for rows.Next() {
		var pr store.PersonRelationship
		if err := rows.Scan(&pr.ID, &pr.SourceID, &pr.TargetID, &pr.Type, &pr.Weight, &pr.LastInteraction,
			&pr.OtherID, &pr.OtherName); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}
