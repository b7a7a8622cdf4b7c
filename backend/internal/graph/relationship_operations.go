package graph

import (
	"context"
	"fmt"
	"time"

	"convograph/backend/internal/store"
)

// ============================================================================
// Person-to-Person Relationship Operations
// ============================================================================

// UpsertRelationship stores the edge from the lower to the higher person id so an
// unordered pair maps to exactly one RELATES relationship per type
func (r *Repository) UpsertRelationship(ctx context.Context, a, b int64, relType string, at time.Time) (*store.Relationship, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("failed to upsert relationship: self edge on person %d", a)
	}
	low, high := store.CanonicalPair(a, b)

	query := `
		MATCH (a:Person {id: $low}), (b:Person {id: $high})
		SET a._lock = true
		MERGE (a)-[r:RELATES {rel_type: $relType}]->(b)
		ON CREATE SET r.weight = 0, r.last_interaction = datetime($at)
		WITH a, b, r, r.id IS NULL AS created, datetime($at) AS at
		SET r.weight = r.weight + 1,
		    r.last_interaction = CASE WHEN at > r.last_interaction THEN at ELSE r.last_interaction END
		` + nextIDClause("r", "relationship") + `
		REMOVE a._lock
		RETURN ` + relationshipReturn("r", "a", "b") + `, created`

	records, err := r.write(ctx, query, map[string]interface{}{
		"low":     low,
		"high":    high,
		"relType": relType,
		"at":      formatTime(at),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert relationship: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}
	rel := relationshipFromRecord(rec)
	return &rel, getBoolFromRecord(rec, "created"), nil
}

// ListRelationships returns every person-person edge ordered by id
func (r *Repository) ListRelationships(ctx context.Context) ([]store.Relationship, error) {
	records, err := r.read(ctx, `
		MATCH (a:Person)-[r:RELATES]->(b:Person)
		RETURN `+relationshipReturn("r", "a", "b")+`
		ORDER BY r.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	out := make([]store.Relationship, 0, len(records))
	for _, rec := range records {
		out = append(out, relationshipFromRecord(rec))
	}
	return out, nil
}

// RelationshipsForPerson returns the person's edges, heaviest first
func (r *Repository) RelationshipsForPerson(ctx context.Context, personID int64) ([]store.PersonRelationship, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person {id: $personID})-[r:RELATES]-(o:Person)
		WITH r, o, startNode(r) AS a, endNode(r) AS b
		RETURN `+relationshipReturn("r", "a", "b")+`, o.id AS other_id, o.name AS other_name
		ORDER BY r.weight DESC, r.id`, map[string]interface{}{"personID": personID})
	if err != nil {
		return nil, fmt.Errorf("failed to get relationships: %w", err)
	}
	out := make([]store.PersonRelationship, 0, len(records))
	for _, rec := range records {
		out = append(out, store.PersonRelationship{
			Relationship: relationshipFromRecord(rec),
			OtherID:      getInt64FromRecord(rec, "other_id"),
			OtherName:    getStringFromRecord(rec, "other_name"),
		})
	}
	return out, nil
}
