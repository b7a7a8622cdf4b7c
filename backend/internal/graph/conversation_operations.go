package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"convograph/backend/internal/store"
)

// ============================================================================
// Session, Turn and Media Operations
// ============================================================================

const sessionReturn = `s.id AS id, s.key AS key, s.source AS source,
	s.last_processed_line AS last_processed_line, s.created_at AS created_at, s.updated_at AS updated_at`

func sessionFromRecord(rec *neo4j.Record) *store.Session {
	return &store.Session{
		ID:                getInt64FromRecord(rec, "id"),
		Key:               getStringFromRecord(rec, "key"),
		Source:            getStringFromRecord(rec, "source"),
		LastProcessedLine: int(getInt64FromRecord(rec, "last_processed_line")),
		CreatedAt:         getTimeFromRecord(rec, "created_at"),
		UpdatedAt:         getTimeFromRecord(rec, "updated_at"),
	}
}

// GetOrCreateSession merges the session node by key
func (r *Repository) GetOrCreateSession(ctx context.Context, key, source string) (*store.Session, bool, error) {
	query := `
		MERGE (s:Session {key: $key})
		ON CREATE SET s.source = $source, s.last_processed_line = 0,
		              s.created_at = datetime($now), s.updated_at = datetime($now)
		WITH s, s.id IS NULL AS created
		` + nextIDClause("s", "session") + `
		RETURN ` + sessionReturn + `, created`

	records, err := r.write(ctx, query, map[string]interface{}{
		"key":    key,
		"source": source,
		"now":    formatTime(time.Now()),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create session: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}
	return sessionFromRecord(rec), getBoolFromRecord(rec, "created"), nil
}

// GetSession fetches a session by key
func (r *Repository) GetSession(ctx context.Context, key string) (*store.Session, error) {
	records, err := r.read(ctx, `
		MATCH (s:Session {key: $key})
		RETURN `+sessionReturn, map[string]interface{}{"key": key})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return sessionFromRecord(rec), nil
}

// AdvanceSession moves last_processed_line forward only
func (r *Repository) AdvanceSession(ctx context.Context, key string, line int) error {
	records, err := r.write(ctx, `
		MATCH (s:Session {key: $key})
		SET s._lock = true
		WITH s
		SET s.last_processed_line = CASE WHEN $line > s.last_processed_line THEN $line ELSE s.last_processed_line END,
		    s.updated_at = datetime($now)
		REMOVE s._lock
		RETURN s.id AS id`, map[string]interface{}{
		"key":  key,
		"line": line,
		"now":  formatTime(time.Now()),
	})
	if err != nil {
		return fmt.Errorf("failed to advance session: %w", err)
	}
	_, err = single(records)
	return err
}

// AppendTurn creates a turn linked to its session and, for attributed turns, its speaker
func (r *Repository) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	var personID interface{}
	if t.PersonID != nil {
		personID = *t.PersonID
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	query := `
		MATCH (s:Session {id: $sessionID})
		OPTIONAL MATCH (p:Person {id: $personID})
		WITH s, p
		WHERE $personID IS NULL OR p IS NOT NULL
		CREATE (t:Turn {
			session_id: $sessionID,
			person_id: $personID,
			role: $role,
			content: $content,
			sender_id: $senderID,
			created_at: datetime($at)
		})
		CREATE (t)-[:IN_SESSION]->(s)
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END |
			CREATE (t)-[:SPOKEN_BY]->(p)
		)
		WITH t, p, true AS created
		` + nextIDClause("t", "turn") + `
		RETURN t.id AS id, p.name AS person_name`

	records, err := r.write(ctx, query, map[string]interface{}{
		"sessionID": t.SessionID,
		"personID":  personID,
		"role":      t.Role,
		"content":   t.Content,
		"senderID":  optional(t.SenderID),
		"at":        formatTime(t.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	t.ID = getInt64FromRecord(rec, "id")
	t.PersonName = getStringFromRecord(rec, "person_name")
	return &t, nil
}

// PersonHistory returns the person's turns plus assistant turns from sessions they
// spoke in, the most recent limit of them, oldest first
func (r *Repository) PersonHistory(ctx context.Context, personID int64, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = 1 << 30
	}

	query := `
		MATCH (own:Turn {person_id: $personID})
		WITH collect(DISTINCT own.session_id) AS sessions
		MATCH (t:Turn)
		WHERE t.person_id = $personID
		   OR (t.person_id IS NULL AND t.role = 'assistant' AND t.session_id IN sessions)
		OPTIONAL MATCH (t)-[:SPOKEN_BY]->(sp:Person)
		RETURN t.id AS id, t.session_id AS session_id, t.person_id AS person_id, t.role AS role,
		       t.content AS content, t.sender_id AS sender_id, t.created_at AS created_at,
		       sp.name AS person_name
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $limit`

	records, err := r.read(ctx, query, map[string]interface{}{"personID": personID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to get person history: %w", err)
	}

	out := make([]store.Turn, len(records))
	for i, rec := range records {
		// oldest first
		out[len(records)-1-i] = turnFromRecord(rec)
	}
	return out, nil
}

// AddMedia attaches a media reference to a person
func (r *Repository) AddMedia(ctx context.Context, personID int64, kind, url string) (*store.Media, error) {
	query := `
		MATCH (p:Person {id: $personID})
		CREATE (m:Media {person_id: $personID, kind: $kind, url: $url, created_at: datetime($now)})-[:ABOUT]->(p)
		WITH m, true AS created
		` + nextIDClause("m", "media") + `
		RETURN m.id AS id, m.created_at AS created_at`

	records, err := r.write(ctx, query, map[string]interface{}{
		"personID": personID,
		"kind":     kind,
		"url":      url,
		"now":      formatTime(time.Now()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add media: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return &store.Media{
		ID:        getInt64FromRecord(rec, "id"),
		PersonID:  personID,
		Kind:      kind,
		URL:       url,
		CreatedAt: getTimeFromRecord(rec, "created_at"),
	}, nil
}

// MediaForPerson lists a person's media oldest first
func (r *Repository) MediaForPerson(ctx context.Context, personID int64) ([]store.Media, error) {
	records, err := r.read(ctx, `
		MATCH (m:Media {person_id: $personID})
		RETURN m.id AS id, m.kind AS kind, m.url AS url, m.created_at AS created_at
		ORDER BY m.created_at, m.id`, map[string]interface{}{"personID": personID})
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	out := make([]store.Media, 0, len(records))
	for _, rec := range records {
		out = append(out, store.Media{
			ID:        getInt64FromRecord(rec, "id"),
			PersonID:  personID,
			Kind:      getStringFromRecord(rec, "kind"),
			URL:       getStringFromRecord(rec, "url"),
			CreatedAt: getTimeFromRecord(rec, "created_at"),
		})
	}
	return out, nil
}
