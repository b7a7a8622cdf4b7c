package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convograph/backend/internal/store"
)

// ============================================================================
// Person Operations
// ============================================================================

// GetPerson fetches a person by id
func (r *Repository) GetPerson(ctx context.Context, id int64) (*store.Person, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person {id: $id})
		RETURN `+personReturn("p"), map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get person: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return personFromRecord(rec), nil
}

// ListPersons returns every person ordered by id
func (r *Repository) ListPersons(ctx context.Context) ([]store.Person, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person) WHERE p.id IS NOT NULL
		RETURN `+personReturn("p")+`
		ORDER BY p.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	out := make([]store.Person, 0, len(records))
	for _, rec := range records {
		out = append(out, *personFromRecord(rec))
	}
	return out, nil
}

// FindPersonByExternalID looks a person up by external id
func (r *Repository) FindPersonByExternalID(ctx context.Context, externalID string) (*store.Person, error) {
	records, err := r.read(ctx, `
		MATCH (p:Person {external_id: $externalID})
		RETURN `+personReturn("p"), map[string]interface{}{"externalID": externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to find person: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return personFromRecord(rec), nil
}

// FindPersonsByName matches the folded name through the name_key constraint index, then aliases
func (r *Repository) FindPersonsByName(ctx context.Context, name string) ([]store.Person, error) {
	key := store.FoldName(name)
	if key == "" {
		return []store.Person{}, nil
	}
	records, err := r.read(ctx, `
		CALL {
			MATCH (p:Person {name_key: $key}) RETURN p
			UNION
			MATCH (p:Person) WHERE any(a IN coalesce(p.aliases, []) WHERE toLower(a) = $key) RETURN p
		}
		WITH p WHERE p.id IS NOT NULL
		RETURN `+personReturn("p")+`
		ORDER BY p.id`, map[string]interface{}{"key": key})
	if err != nil {
		return nil, fmt.Errorf("failed to find persons by name: %w", err)
	}
	out := make([]store.Person, 0, len(records))
	for _, rec := range records {
		out = append(out, *personFromRecord(rec))
	}
	return out, nil
}

// CreatePerson merges on the folded name so a concurrent create of the same name
// resolves to one node
func (r *Repository) CreatePerson(ctx context.Context, np store.NewPerson) (*store.Person, bool, error) {
	name := store.CleanName(np.Name)
	query := `
		MERGE (p:Person {name_key: $key})
		ON CREATE SET
			p.name = $name,
			p.aliases = [],
			p.external_id = $externalID,
			p.avatar_url = $avatarURL,
			p.first_seen = datetime($seen),
			p.last_seen = datetime($seen),
			p.conversation_count = 0
		WITH p, p.id IS NULL AS created
		` + nextIDClause("p", "person") + `
		RETURN ` + personReturn("p") + `, created`

	records, err := r.write(ctx, query, map[string]interface{}{
		"key":        store.FoldName(name),
		"name":       name,
		"externalID": optional(np.ExternalID),
		"avatarURL":  optional(np.AvatarURL),
		"seen":       formatTime(np.SeenAt),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create person: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}

	created := getBoolFromRecord(rec, "created")
	p := personFromRecord(rec)
	if created {
		r.logger.Debug("Person created", zap.Int64("person_id", p.ID), zap.String("name", p.Name))
	}
	return p, created, nil
}

// AddPersonAlias appends alias unless it is already known ignoring case.
// The lock property serialises concurrent alias writes on one person.
func (r *Repository) AddPersonAlias(ctx context.Context, id int64, alias string) (*store.Person, bool, error) {
	alias = store.CleanName(alias)
	if alias == "" {
		p, err := r.GetPerson(ctx, id)
		return p, false, err
	}

	query := `
		MATCH (p:Person {id: $id})
		SET p._lock = true
		WITH p, any(a IN coalesce(p.aliases, []) WHERE toLower(a) = toLower($alias)) AS known
		SET p.aliases = CASE WHEN known THEN p.aliases ELSE coalesce(p.aliases, []) + $alias END
		REMOVE p._lock
		RETURN ` + personReturn("p") + `, NOT known AS added`

	records, err := r.write(ctx, query, map[string]interface{}{"id": id, "alias": alias})
	if err != nil {
		return nil, false, fmt.Errorf("failed to add alias: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, false, err
	}
	return personFromRecord(rec), getBoolFromRecord(rec, "added"), nil
}

// SetPersonExternalID links an external id when none is set yet
func (r *Repository) SetPersonExternalID(ctx context.Context, id int64, externalID string) (*store.Person, error) {
	records, err := r.write(ctx, `
		MATCH (p:Person {id: $id})
		SET p.external_id = coalesce(p.external_id, $externalID)
		RETURN `+personReturn("p"), map[string]interface{}{"id": id, "externalID": externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to set external id: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return personFromRecord(rec), nil
}

// TouchPerson moves last_seen forward and optionally counts a turn
func (r *Repository) TouchPerson(ctx context.Context, id int64, seenAt time.Time, countTurn bool) (*store.Person, error) {
	inc := 0
	if countTurn {
		inc = 1
	}

	query := `
		MATCH (p:Person {id: $id})
		SET p._lock = true
		WITH p, datetime($seen) AS seen
		SET p.last_seen = CASE WHEN p.last_seen IS NULL OR seen > p.last_seen THEN seen ELSE p.last_seen END,
		    p.conversation_count = coalesce(p.conversation_count, 0) + $inc
		REMOVE p._lock
		RETURN ` + personReturn("p")

	records, err := r.write(ctx, query, map[string]interface{}{
		"id":   id,
		"seen": formatTime(seenAt),
		"inc":  inc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to touch person: %w", err)
	}
	rec, err := single(records)
	if err != nil {
		return nil, err
	}
	return personFromRecord(rec), nil
}
