package graph

import (
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"convograph/backend/internal/store"
)

// ============================================================================
// Projections
// ============================================================================

func personReturn(v string) string {
	return fmt.Sprintf(`%[1]s.id AS id, %[1]s.name AS name, %[1]s.aliases AS aliases,
		%[1]s.external_id AS external_id, %[1]s.avatar_url AS avatar_url,
		%[1]s.first_seen AS first_seen, %[1]s.last_seen AS last_seen,
		%[1]s.conversation_count AS conversation_count`, v)
}

func personFromRecord(record *neo4j.Record) *store.Person {
	return &store.Person{
		ID:                getInt64FromRecord(record, "id"),
		Name:              getStringFromRecord(record, "name"),
		Aliases:           getStringSliceFromRecord(record, "aliases"),
		ExternalID:        getStringFromRecord(record, "external_id"),
		AvatarURL:         getStringFromRecord(record, "avatar_url"),
		FirstSeen:         getTimeFromRecord(record, "first_seen"),
		LastSeen:          getTimeFromRecord(record, "last_seen"),
		ConversationCount: getInt64FromRecord(record, "conversation_count"),
	}
}

func topicReturn(v string) string {
	return fmt.Sprintf(`%[1]s.id AS id, %[1]s.name AS name, %[1]s.category AS category,
		%[1]s.mention_count AS mention_count, %[1]s.created_at AS created_at`, v)
}

func topicFromRecord(record *neo4j.Record) store.Topic {
	return store.Topic{
		ID:           getInt64FromRecord(record, "id"),
		Name:         getStringFromRecord(record, "name"),
		Category:     getStringFromRecord(record, "category"),
		MentionCount: getInt64FromRecord(record, "mention_count"),
		CreatedAt:    getTimeFromRecord(record, "created_at"),
	}
}

func relationshipReturn(v, a, b string) string {
	return fmt.Sprintf(`%[1]s.id AS id, %[2]s.id AS source_id, %[3]s.id AS target_id,
		%[1]s.rel_type AS rel_type, %[1]s.weight AS weight, %[1]s.last_interaction AS last_interaction`, v, a, b)
}

func relationshipFromRecord(record *neo4j.Record) store.Relationship {
	return store.Relationship{
		ID:              getInt64FromRecord(record, "id"),
		SourceID:        getInt64FromRecord(record, "source_id"),
		TargetID:        getInt64FromRecord(record, "target_id"),
		Type:            getStringFromRecord(record, "rel_type"),
		Weight:          getInt64FromRecord(record, "weight"),
		LastInteraction: getTimeFromRecord(record, "last_interaction"),
	}
}

func turnFromRecord(record *neo4j.Record) store.Turn {
	t := store.Turn{
		ID:         getInt64FromRecord(record, "id"),
		SessionID:  getInt64FromRecord(record, "session_id"),
		Role:       getStringFromRecord(record, "role"),
		Content:    getStringFromRecord(record, "content"),
		SenderID:   getStringFromRecord(record, "sender_id"),
		Timestamp:  getTimeFromRecord(record, "created_at"),
		PersonName: getStringFromRecord(record, "person_name"),
	}
	if val, ok := record.Get("person_id"); ok && val != nil {
		id := getInt64FromRecord(record, "person_id")
		t.PersonID = &id
	}
	return t
}

// ============================================================================
// Helper Functions
// ============================================================================

// formatTime renders t for datetime() in Cypher
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// optional maps the empty string to a null parameter so unique constraints skip it
func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	return 0
}

func getBoolFromRecord(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return false
	}
	b, _ := val.(bool)
	return b
}

func getTimeFromRecord(record *neo4j.Record, key string) time.Time {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return time.Time{}
	}
	// Neo4j datetime values come as time.Time
	if t, ok := val.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}

func getStringSliceFromRecord(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return []string{}
	}
	if slice, ok := val.([]interface{}); ok {
		result := make([]string, 0, len(slice))
		for _, v := range slice {
			if str, ok := v.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return []string{}
}

// single returns the first record or store.ErrNotFound
func single(records []*neo4j.Record) (*neo4j.Record, error) {
	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	return records[0], nil
}
