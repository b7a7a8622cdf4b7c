package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"convograph/backend/internal/store"
)

// ============================================================================
// Sessions, Turns and Media
// ============================================================================

func (s *Store) GetOrCreateSession(ctx context.Context, key, source string) (*store.Session, bool, error) {
	var sess store.Session
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (session_key, source)
		VALUES ($1, $2)
		ON CONFLICT (session_key) DO UPDATE SET session_key = sessions.session_key
		RETURNING id, session_key, source, last_processed_line, created_at, updated_at, (xmax = 0)`,
		key, source,
	).Scan(&sess.ID, &sess.Key, &sess.Source, &sess.LastProcessedLine, &sess.CreatedAt, &sess.UpdatedAt, &created)
	if err != nil {
		return nil, false, fmt.Errorf("get or create session: %w", mapErr(err))
	}
	return &sess, created, nil
}

func (s *Store) GetSession(ctx context.Context, key string) (*store.Session, error) {
	var sess store.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_key, source, last_processed_line, created_at, updated_at
		FROM sessions WHERE session_key = $1`, key,
	).Scan(&sess.ID, &sess.Key, &sess.Source, &sess.LastProcessedLine, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *Store) AdvanceSession(ctx context.Context, key string, line int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET last_processed_line = GREATEST(last_processed_line, $2),
		    updated_at = now()
		WHERE session_key = $1`, key, line)
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	t.Timestamp = orNow(t.Timestamp)
	err := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO conversations (session_id, person_id, role, content, sender_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, person_id
		)
		SELECT i.id, COALESCE(p.name, '')
		FROM inserted i LEFT JOIN persons p ON p.id = i.person_id`,
		t.SessionID, t.PersonID, t.Role, t.Content, nullable(t.SenderID), t.Timestamp,
	).Scan(&t.ID, &t.PersonName)
	if err != nil {
		return nil, fmt.Errorf("append turn: %w", mapErr(err))
	}
	return &t, nil
}

func (s *Store) PersonHistory(ctx context.Context, personID int64, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.session_id, c.person_id, c.role, c.content, COALESCE(c.sender_id, ''),
		       c.created_at, COALESCE(p.name, '')
		FROM conversations c
		LEFT JOIN persons p ON p.id = c.person_id
		WHERE c.person_id = $1
		   OR (c.person_id IS NULL AND c.role = 'assistant'
		       AND c.session_id IN (SELECT session_id FROM conversations WHERE person_id = $1))
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $2`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("person history: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		err := row.Scan(&t.ID, &t.SessionID, &t.PersonID, &t.Role, &t.Content, &t.SenderID, &t.Timestamp, &t.PersonName)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("person history: %w", err)
	}

	// oldest first
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) AddMedia(ctx context.Context, personID int64, kind, url string) (*store.Media, error) {
	m := store.Media{PersonID: personID, Kind: kind, URL: url}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO media (person_id, kind, url) VALUES ($1, $2, $3)
		RETURNING id, created_at`, personID, kind, url,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add media: %w", mapErr(err))
	}
	return &m, nil
}

func (s *Store) MediaForPerson(ctx context.Context, personID int64) ([]store.Media, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, person_id, kind, url, created_at
		FROM media WHERE person_id = $1 ORDER BY created_at, id`, personID)
	if err != nil {
		return nil, fmt.Errorf("media for person: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Media, error) {
		var m store.Media
		err := row.Scan(&m.ID, &m.PersonID, &m.Kind, &m.URL, &m.CreatedAt)
		return m, err
	})
}

// ============================================================================
// Maintenance
// ============================================================================

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM persons),
			(SELECT count(*) FROM topics),
			(SELECT count(*) FROM relationships),
			(SELECT count(*) FROM person_topics),
			(SELECT count(*) FROM sessions),
			(SELECT count(*) FROM conversations),
			(SELECT count(*) FROM media)`,
	).Scan(&st.Persons, &st.Topics, &st.Relationships, &st.PersonTopics, &st.Sessions, &st.Turns, &st.Media)
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Reset runs in one transaction so readers never observe a half-cleared graph
func (s *Store) Reset(ctx context.Context, seedName string) (*store.Person, error) {
	var seed *store.Person
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM media`,
			`DELETE FROM conversations`,
			`DELETE FROM sessions`,
			`DELETE FROM person_topics`,
			`DELETE FROM relationships`,
			`DELETE FROM topics`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM persons WHERE lower(name) <> lower($1)`, store.CleanName(seedName)); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO persons (name) VALUES ($1)
			ON CONFLICT ((lower(name))) DO UPDATE
			SET conversation_count = 0, last_seen = now()
			RETURNING `+personColumns, store.CleanName(seedName))
		var err error
		seed, err = scanPerson(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	s.log.Info("Store reset")
	return seed, nil
}
