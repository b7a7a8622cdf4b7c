package store

import (
	"strings"
	"time"
)

// ============================================================================
// Entity Records
// ============================================================================

// Person is a human discussed in conversations
type Person struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Aliases           []string  `json:"aliases"`
	ExternalID        string    `json:"external_id,omitempty"`
	AvatarURL         string    `json:"avatar_url,omitempty"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	ConversationCount int64     `json:"conversation_count"`
}

// HasAlias reports whether alias is already known for the person, ignoring case
func (p *Person) HasAlias(alias string) bool {
	key := FoldName(alias)
	for _, a := range p.Aliases {
		if FoldName(a) == key {
			return true
		}
	}
	return false
}

// NewPerson carries the fields needed to create a person
type NewPerson struct {
	Name       string
	ExternalID string
	AvatarURL  string
	SeenAt     time.Time
}

// Topic is a globally deduplicated subject of conversation
type Topic struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category,omitempty"`
	MentionCount int64     `json:"mention_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// PersonTopic associates a person with a topic they talked about
type PersonTopic struct {
	PersonID      int64     `json:"person_id"`
	TopicID       int64     `json:"topic_id"`
	MentionCount  int64     `json:"mention_count"`
	LastMentioned time.Time `json:"last_mentioned"`
}

// RankedTopic is a topic with the per-person mention count
type RankedTopic struct {
	Topic
	PersonMentions int64 `json:"person_mentions"`
}

// Relationship is a weighted edge between two persons
type Relationship struct {
	ID              int64     `json:"id"`
	SourceID        int64     `json:"source_id"`
	TargetID        int64     `json:"target_id"`
	Type            string    `json:"type"`
	Weight          int64     `json:"weight"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Other returns the id at the opposite end of the edge from personID
func (r *Relationship) Other(personID int64) int64 {
	if r.SourceID == personID {
		return r.TargetID
	}
	return r.SourceID
}

// PersonRelationship is a relationship seen from one person, with the other party joined in
type PersonRelationship struct {
	Relationship
	OtherID   int64  `json:"other_id"`
	OtherName string `json:"other_name"`
}

// Session is a resumable conversation thread
type Session struct {
	ID                int64     `json:"id"`
	Key               string    `json:"key"`
	Source            string    `json:"source"`
	LastProcessedLine int       `json:"last_processed_line"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Turn is one persisted conversation message
type Turn struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	PersonID   *int64    `json:"person_id,omitempty"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	PersonName string    `json:"person_name,omitempty"`
}

// Media is a reference to a generated or uploaded asset about a person
type Media struct {
	ID        int64     `json:"id"`
	PersonID  int64     `json:"person_id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats holds row counts across the store
type Stats struct {
	Persons       int64 `json:"persons"`
	Topics        int64 `json:"topics"`
	Relationships int64 `json:"relationships"`
	PersonTopics  int64 `json:"person_topics"`
	Sessions      int64 `json:"sessions"`
	Turns         int64 `json:"turns"`
	Media         int64 `json:"media"`
}

// ============================================================================
// Name Helpers
// ============================================================================

// CleanName trims and collapses internal whitespace
func CleanName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FoldName is the case-insensitive key used for uniqueness of names and aliases
func FoldName(s string) string {
	return strings.ToLower(CleanName(s))
}

// CanonicalPair orders two person ids so an unordered pair has one representation
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
