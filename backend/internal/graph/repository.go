// Package graph is the Neo4j entity store. Persons and topics are nodes; relationships,
// person-topic links, sessions and turns are modelled natively in the graph.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"convograph/backend/internal/store"
	"convograph/backend/pkg/logger"
)

// Repository handles all Neo4j database operations
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("neo4j"),
	}
}

// Connect opens a driver and verifies connectivity
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	return driver, nil
}

// Close closes the Neo4j driver connection
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the upserts rely on
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT person_id_unique IF NOT EXISTS FOR (p:Person) REQUIRE p.id IS UNIQUE",
		"CREATE CONSTRAINT person_name_key_unique IF NOT EXISTS FOR (p:Person) REQUIRE p.name_key IS UNIQUE",
		"CREATE CONSTRAINT person_external_id_unique IF NOT EXISTS FOR (p:Person) REQUIRE p.external_id IS UNIQUE",
		"CREATE CONSTRAINT topic_id_unique IF NOT EXISTS FOR (t:Topic) REQUIRE t.id IS UNIQUE",
		"CREATE CONSTRAINT topic_name_unique IF NOT EXISTS FOR (t:Topic) REQUIRE t.name IS UNIQUE",
		"CREATE CONSTRAINT session_key_unique IF NOT EXISTS FOR (s:Session) REQUIRE s.key IS UNIQUE",
		"CREATE CONSTRAINT counter_name_unique IF NOT EXISTS FOR (c:Counter) REQUIRE c.name IS UNIQUE",
		"CREATE INDEX turn_person_id IF NOT EXISTS FOR (t:Turn) ON (t.person_id)",
		"CREATE INDEX turn_session_id IF NOT EXISTS FOR (t:Turn) ON (t.session_id)",
		"CREATE INDEX media_person_id IF NOT EXISTS FOR (m:Media) ON (m.person_id)",
	}

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	r.logger.Info("Schema ensured", zap.Int("statements", len(statements)))
	return nil
}

// write runs one statement in a managed write transaction and collects its records
func (r *Repository) write(ctx context.Context, query string, params map[string]interface{}) ([]*neo4j.Record, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	records, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

// read runs one statement in a managed read transaction and collects its records
func (r *Repository) read(ctx context.Context, query string, params map[string]interface{}) ([]*neo4j.Record, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

// Stats counts every entity kind
func (r *Repository) Stats(ctx context.Context) (store.Stats, error) {
	query := `
		CALL { MATCH (n:Person) RETURN count(n) AS persons }
		CALL { MATCH (n:Topic) RETURN count(n) AS topics }
		CALL { MATCH ()-[r:RELATES]->() RETURN count(r) AS relationships }
		CALL { MATCH ()-[r:DISCUSSES]->() RETURN count(r) AS person_topics }
		CALL { MATCH (n:Session) RETURN count(n) AS sessions }
		CALL { MATCH (n:Turn) RETURN count(n) AS turns }
		CALL { MATCH (n:Media) RETURN count(n) AS media }
		RETURN persons, topics, relationships, person_topics, sessions, turns, media
	`
	records, err := r.read(ctx, query, nil)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count entities: %w", err)
	}
	if len(records) == 0 {
		return store.Stats{}, nil
	}
	rec := records[0]
	return store.Stats{
		Persons:       getInt64FromRecord(rec, "persons"),
		Topics:        getInt64FromRecord(rec, "topics"),
		Relationships: getInt64FromRecord(rec, "relationships"),
		PersonTopics:  getInt64FromRecord(rec, "person_topics"),
		Sessions:      getInt64FromRecord(rec, "sessions"),
		Turns:         getInt64FromRecord(rec, "turns"),
		Media:         getInt64FromRecord(rec, "media"),
	}, nil
}

// Reset clears the graph in one transaction, keeping or creating the seed person
func (r *Repository) Reset(ctx context.Context, seedName string) (*store.Person, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	name := store.CleanName(seedName)
	params := map[string]interface{}{
		"name": name,
		"key":  store.FoldName(name),
		"now":  formatTime(time.Now()),
	}

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for _, stmt := range []string{
			"MATCH (n) WHERE n:Media OR n:Turn OR n:Session OR n:Topic DETACH DELETE n",
			"MATCH (p:Person) WHERE p.name_key <> $key DETACH DELETE p",
			"MATCH (:Person)-[r]-() DELETE r",
			"MATCH (c:Counter) WHERE c.name <> 'person' DELETE c",
		} {
			if _, err := tx.Run(ctx, stmt, params); err != nil {
				return nil, err
			}
		}

		result, err := tx.Run(ctx, `
			MERGE (p:Person {name_key: $key})
			ON CREATE SET p.name = $name, p.aliases = [], p.first_seen = datetime($now)
			SET p.conversation_count = 0, p.last_seen = datetime($now)
			WITH p, p.id IS NULL AS created
			`+nextIDClause("p", "person")+`
			RETURN `+personReturn("p"), params)
		if err != nil {
			return nil, err
		}
		rec, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return personFromRecord(rec), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset graph: %w", err)
	}

	r.logger.Info("Graph reset", zap.String("seed", name))
	return out.(*store.Person), nil
}

// nextIDClause assigns a sequential integer id from a per-kind counter node to
// variable v when the preceding WITH marked it created
func nextIDClause(v, kind string) string {
	return fmt.Sprintf(`
		FOREACH (_ IN CASE WHEN created THEN [1] ELSE [] END |
			MERGE (c:Counter {name: '%s'})
			ON CREATE SET c.value = 0
			SET c.value = c.value + 1
			SET %s.id = c.value
		)`, kind, v)
}
