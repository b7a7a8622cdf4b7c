// Package store defines the entity store contract shared by every persistence backend.
//
// Backends own all persistent state. Every upsert is an atomic read-modify-write in the
// backend so concurrent ingestion never loses an increment, and callers never hold an
// in-process lock across a store call.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// PersonStore persists people and their aliases
type PersonStore interface {
	GetPerson(ctx context.Context, id int64) (*Person, error)
	ListPersons(ctx context.Context) ([]Person, error)
	FindPersonByExternalID(ctx context.Context, externalID string) (*Person, error)
	// FindPersonsByName returns the persons whose name or one of whose aliases equals name
	// ignoring case and spacing, ordered by id. No match is an empty slice, not ErrNotFound.
	FindPersonsByName(ctx context.Context, name string) ([]Person, error)
	// CreatePerson inserts a person or returns the existing one with the same folded name
	CreatePerson(ctx context.Context, p NewPerson) (*Person, bool, error)
	// AddPersonAlias appends alias unless an alias equal ignoring case already exists
	AddPersonAlias(ctx context.Context, id int64, alias string) (*Person, bool, error)
	// SetPersonExternalID links an external id when the person has none yet
	SetPersonExternalID(ctx context.Context, id int64, externalID string) (*Person, error)
	// TouchPerson moves last_seen forward and, when countTurn is set, bumps conversation_count
	TouchPerson(ctx context.Context, id int64, seenAt time.Time, countTurn bool) (*Person, error)
}

// TopicStore persists topics and person-topic associations
type TopicStore interface {
	// UpsertTopic creates the topic or increments its mention count
	UpsertTopic(ctx context.Context, name, category string, at time.Time) (*Topic, bool, error)
	ListTopics(ctx context.Context) ([]Topic, error)
	UpsertPersonTopic(ctx context.Context, personID, topicID int64, at time.Time) (*PersonTopic, bool, error)
	ListPersonTopics(ctx context.Context) ([]PersonTopic, error)
	TopicsForPerson(ctx context.Context, personID int64) ([]RankedTopic, error)
}

// RelationshipStore persists person-person edges
type RelationshipStore interface {
	// UpsertRelationship creates the edge for the unordered pair and type, or bumps its weight
	UpsertRelationship(ctx context.Context, a, b int64, relType string, at time.Time) (*Relationship, bool, error)
	ListRelationships(ctx context.Context) ([]Relationship, error)
	RelationshipsForPerson(ctx context.Context, personID int64) ([]PersonRelationship, error)
}

// ConversationStore persists sessions, turns and media references
type ConversationStore interface {
	GetOrCreateSession(ctx context.Context, key, source string) (*Session, bool, error)
	GetSession(ctx context.Context, key string) (*Session, error)
	// AdvanceSession moves last_processed_line forward; it never moves backwards
	AdvanceSession(ctx context.Context, key string, line int) error
	AppendTurn(ctx context.Context, t Turn) (*Turn, error)
	// PersonHistory returns the person's turns plus assistant turns from the same sessions,
	// the most recent limit of them, oldest first
	PersonHistory(ctx context.Context, personID int64, limit int) ([]Turn, error)
	AddMedia(ctx context.Context, personID int64, kind, url string) (*Media, error)
	MediaForPerson(ctx context.Context, personID int64) ([]Media, error)
}

// Store is the full entity store
type Store interface {
	PersonStore
	TopicStore
	RelationshipStore
	ConversationStore

	Stats(ctx context.Context) (Stats, error)
	// Reset deletes everything except the seed person, whose counters are zeroed.
	// The seed person is created when missing.
	Reset(ctx context.Context, seedName string) (*Person, error)
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}
