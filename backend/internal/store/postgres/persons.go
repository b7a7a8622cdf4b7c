package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"convograph/backend/internal/store"
)

const personColumns = `id, name, aliases, COALESCE(external_id, ''), COALESCE(avatar_url, ''),
	first_seen, last_seen, conversation_count`

func scanPerson(row pgx.Row, extra ...any) (*store.Person, error) {
	var p store.Person
	dest := append([]any{
		&p.ID, &p.Name, &p.Aliases, &p.ExternalID, &p.AvatarURL,
		&p.FirstSeen, &p.LastSeen, &p.ConversationCount,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, mapErr(err)
	}
	if p.Aliases == nil {
		p.Aliases = []string{}
	}
	return &p, nil
}

func (s *Store) GetPerson(ctx context.Context, id int64) (*store.Person, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = $1`, id)
	return scanPerson(row)
}

func (s *Store) ListPersons(ctx context.Context) ([]store.Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+personColumns+` FROM persons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var out []store.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) FindPersonByExternalID(ctx context.Context, externalID string) (*store.Person, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE external_id = $1`, externalID)
	return scanPerson(row)
}

// FindPersonsByName is served by the lower(name) unique index and the fold_aliases GIN index
func (s *Store) FindPersonsByName(ctx context.Context, name string) ([]store.Person, error) {
	key := store.FoldName(name)
	if key == "" {
		return []store.Person{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+personColumns+` FROM persons
		WHERE lower(name) = $1 OR fold_aliases(aliases) @> ARRAY[$1]
		ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("find persons by name: %w", err)
	}
	defer rows.Close()

	out := []store.Person{}
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreatePerson relies on the unique index over lower(name); a conflicting insert
// degrades into a read of the existing row. xmax is zero only for freshly inserted tuples.
func (s *Store) CreatePerson(ctx context.Context, np store.NewPerson) (*store.Person, bool, error) {
	seen := orNow(np.SeenAt)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO persons (name, external_id, avatar_url, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = persons.name
		RETURNING `+personColumns+`, (xmax = 0)`,
		store.CleanName(np.Name), nullable(np.ExternalID), nullable(np.AvatarURL), seen)

	var created bool
	p, err := scanPerson(row, &created)
	if err != nil {
		return nil, false, fmt.Errorf("create person: %w", err)
	}
	return p, created, nil
}

func (s *Store) AddPersonAlias(ctx context.Context, id int64, alias string) (*store.Person, bool, error) {
	alias = store.CleanName(alias)
	if alias == "" {
		p, err := s.GetPerson(ctx, id)
		return p, false, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE persons SET aliases = array_append(aliases, $2)
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM unnest(aliases) AS a WHERE lower(a) = lower($2))
		RETURNING `+personColumns, id, alias)

	p, err := scanPerson(row)
	if errors.Is(err, store.ErrNotFound) {
		// either the person is missing or the alias is already known
		p, err = s.GetPerson(ctx, id)
		return p, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("add alias: %w", err)
	}
	return p, true, nil
}

func (s *Store) SetPersonExternalID(ctx context.Context, id int64, externalID string) (*store.Person, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE persons SET external_id = COALESCE(external_id, $2)
		WHERE id = $1
		RETURNING `+personColumns, id, externalID)
	return scanPerson(row)
}

func (s *Store) TouchPerson(ctx context.Context, id int64, seenAt time.Time, countTurn bool) (*store.Person, error) {
	inc := 0
	if countTurn {
		inc = 1
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE persons
		SET last_seen = GREATEST(last_seen, $2),
		    conversation_count = conversation_count + $3
		WHERE id = $1
		RETURNING `+personColumns, id, orNow(seenAt), inc)
	return scanPerson(row)
}
