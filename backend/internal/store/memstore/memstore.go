// Package memstore is an in-process entity store used for development and tests.
// A single mutex makes every upsert an atomic read-modify-write.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"convograph/backend/internal/store"
)

type ptKey struct {
	personID int64
	topicID  int64
}

type relKey struct {
	low, high int64
	relType   string
}

// Store keeps all entities in maps guarded by one mutex
type Store struct {
	mu sync.Mutex

	nextID int64

	persons       map[int64]*store.Person
	topics        map[int64]*store.Topic
	topicByName   map[string]int64
	personTopics  map[ptKey]*store.PersonTopic
	ptOrder       []ptKey
	relationships map[int64]*store.Relationship
	relByPair     map[relKey]int64
	sessions      map[string]*store.Session
	turns         []store.Turn
	media         []store.Media
}

// New creates an empty store
func New() *Store {
	s := &Store{}
	s.clear()
	return s
}

func (s *Store) clear() {
	s.persons = make(map[int64]*store.Person)
	s.topics = make(map[int64]*store.Topic)
	s.topicByName = make(map[string]int64)
	s.personTopics = make(map[ptKey]*store.PersonTopic)
	s.ptOrder = nil
	s.relationships = make(map[int64]*store.Relationship)
	s.relByPair = make(map[relKey]int64)
	s.sessions = make(map[string]*store.Session)
	s.turns = nil
	s.media = nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func clonePerson(p *store.Person) *store.Person {
	cp := *p
	cp.Aliases = append([]string(nil), p.Aliases...)
	return &cp
}

// ============================================================================
// Persons
// ============================================================================

func (s *Store) GetPerson(ctx context.Context, id int64) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePerson(p), nil
}

func (s *Store) ListPersons(ctx context.Context) ([]store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, *clonePerson(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindPersonByExternalID(ctx context.Context, externalID string) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if externalID == "" {
		return nil, store.ErrNotFound
	}
	for _, p := range s.persons {
		if p.ExternalID == externalID {
			return clonePerson(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindPersonsByName(ctx context.Context, name string) ([]store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.FoldName(name)
	out := []store.Person{}
	if key == "" {
		return out, nil
	}
	for _, p := range s.persons {
		if store.FoldName(p.Name) == key || p.HasAlias(key) {
			out = append(out, *clonePerson(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) findPersonByName(name string) *store.Person {
	key := store.FoldName(name)
	for _, p := range s.persons {
		if store.FoldName(p.Name) == key {
			return p
		}
	}
	return nil
}

func (s *Store) CreatePerson(ctx context.Context, np store.NewPerson) (*store.Person, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findPersonByName(np.Name); existing != nil {
		return clonePerson(existing), false, nil
	}

	seen := np.SeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	p := &store.Person{
		ID:         s.id(),
		Name:       store.CleanName(np.Name),
		Aliases:    []string{},
		ExternalID: np.ExternalID,
		AvatarURL:  np.AvatarURL,
		FirstSeen:  seen,
		LastSeen:   seen,
	}
	s.persons[p.ID] = p
	return clonePerson(p), true, nil
}

func (s *Store) AddPersonAlias(ctx context.Context, id int64, alias string) (*store.Person, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	alias = store.CleanName(alias)
	if alias == "" || p.HasAlias(alias) {
		return clonePerson(p), false, nil
	}
	p.Aliases = append(p.Aliases, alias)
	return clonePerson(p), true, nil
}

func (s *Store) SetPersonExternalID(ctx context.Context, id int64, externalID string) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.ExternalID == "" {
		p.ExternalID = externalID
	}
	return clonePerson(p), nil
}

func (s *Store) TouchPerson(ctx context.Context, id int64, seenAt time.Time, countTurn bool) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if seenAt.After(p.LastSeen) {
		p.LastSeen = seenAt
	}
	if countTurn {
		p.ConversationCount++
	}
	return clonePerson(p), nil
}

// ============================================================================
// Topics
// ============================================================================

func (s *Store) UpsertTopic(ctx context.Context, name, category string, at time.Time) (*store.Topic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.FoldName(name)
	if id, ok := s.topicByName[key]; ok {
		t := s.topics[id]
		t.MentionCount++
		if t.Category == "" {
			t.Category = category
		}
		cp := *t
		return &cp, false, nil
	}

	t := &store.Topic{
		ID:           s.id(),
		Name:         key,
		Category:     category,
		MentionCount: 1,
		CreatedAt:    at,
	}
	s.topics[t.ID] = t
	s.topicByName[key] = t.ID
	cp := *t
	return &cp, true, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]store.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertPersonTopic(ctx context.Context, personID, topicID int64, at time.Time) (*store.PersonTopic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.persons[personID]; !ok {
		return nil, false, store.ErrNotFound
	}
	if _, ok := s.topics[topicID]; !ok {
		return nil, false, store.ErrNotFound
	}

	key := ptKey{personID: personID, topicID: topicID}
	if pt, ok := s.personTopics[key]; ok {
		pt.MentionCount++
		if at.After(pt.LastMentioned) {
			pt.LastMentioned = at
		}
		cp := *pt
		return &cp, false, nil
	}

	pt := &store.PersonTopic{PersonID: personID, TopicID: topicID, MentionCount: 1, LastMentioned: at}
	s.personTopics[key] = pt
	s.ptOrder = append(s.ptOrder, key)
	cp := *pt
	return &cp, true, nil
}

func (s *Store) ListPersonTopics(ctx context.Context) ([]store.PersonTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.PersonTopic, 0, len(s.ptOrder))
	for _, key := range s.ptOrder {
		out = append(out, *s.personTopics[key])
	}
	return out, nil
}

func (s *Store) TopicsForPerson(ctx context.Context, personID int64) ([]store.RankedTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.RankedTopic
	for _, key := range s.ptOrder {
		if key.personID != personID {
			continue
		}
		out = append(out, store.RankedTopic{
			Topic:          *s.topics[key.topicID],
			PersonMentions: s.personTopics[key].MentionCount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PersonMentions > out[j].PersonMentions })
	return out, nil
}

// ============================================================================
// Relationships
// ============================================================================

func (s *Store) UpsertRelationship(ctx context.Context, a, b int64, relType string, at time.Time) (*store.Relationship, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a == b {
		return nil, false, fmt.Errorf("upsert relationship: self edge on person %d", a)
	}
	if _, ok := s.persons[a]; !ok {
		return nil, false, store.ErrNotFound
	}
	if _, ok := s.persons[b]; !ok {
		return nil, false, store.ErrNotFound
	}

	low, high := store.CanonicalPair(a, b)
	key := relKey{low: low, high: high, relType: relType}
	if id, ok := s.relByPair[key]; ok {
		r := s.relationships[id]
		r.Weight++
		if at.After(r.LastInteraction) {
			r.LastInteraction = at
		}
		cp := *r
		return &cp, false, nil
	}

	r := &store.Relationship{
		ID:              s.id(),
		SourceID:        a,
		TargetID:        b,
		Type:            relType,
		Weight:          1,
		LastInteraction: at,
	}
	s.relationships[r.ID] = r
	s.relByPair[key] = r.ID
	cp := *r
	return &cp, true, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]store.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RelationshipsForPerson(ctx context.Context, personID int64) ([]store.PersonRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.PersonRelationship
	for _, r := range s.relationships {
		if r.SourceID != personID && r.TargetID != personID {
			continue
		}
		otherID := r.Other(personID)
		pr := store.PersonRelationship{Relationship: *r, OtherID: otherID}
		if other, ok := s.persons[otherID]; ok {
			pr.OtherName = other.Name
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ============================================================================
// Sessions, Turns and Media
// ============================================================================

func (s *Store) GetOrCreateSession(ctx context.Context, key, source string) (*store.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		cp := *sess
		return &cp, false, nil
	}
	now := time.Now().UTC()
	sess := &store.Session{ID: s.id(), Key: key, Source: source, CreatedAt: now, UpdatedAt: now}
	s.sessions[key] = sess
	cp := *sess
	return &cp, true, nil
}

func (s *Store) GetSession(ctx context.Context, key string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) AdvanceSession(ctx context.Context, key string, line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return store.ErrNotFound
	}
	if line > sess.LastProcessedLine {
		sess.LastProcessedLine = line
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t store.Turn) (*store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.PersonID != nil {
		p, ok := s.persons[*t.PersonID]
		if !ok {
			return nil, store.ErrNotFound
		}
		t.PersonName = p.Name
	}
	t.ID = s.id()
	s.turns = append(s.turns, t)
	cp := t
	return &cp, nil
}

func (s *Store) PersonHistory(ctx context.Context, personID int64, limit int) ([]store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make(map[int64]bool)
	for _, t := range s.turns {
		if t.PersonID != nil && *t.PersonID == personID {
			sessions[t.SessionID] = true
		}
	}

	var out []store.Turn
	for _, t := range s.turns {
		own := t.PersonID != nil && *t.PersonID == personID
		assistant := t.PersonID == nil && t.Role == "assistant" && sessions[t.SessionID]
		if own || assistant {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) AddMedia(ctx context.Context, personID int64, kind, url string) (*store.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.persons[personID]; !ok {
		return nil, store.ErrNotFound
	}
	m := store.Media{ID: s.id(), PersonID: personID, Kind: kind, URL: url, CreatedAt: time.Now().UTC()}
	s.media = append(s.media, m)
	return &m, nil
}

func (s *Store) MediaForPerson(ctx context.Context, personID int64) ([]store.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Media
	for _, m := range s.media {
		if m.PersonID == personID {
			out = append(out, m)
		}
	}
	return out, nil
}

// ============================================================================
// Maintenance
// ============================================================================

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.Stats{
		Persons:       int64(len(s.persons)),
		Topics:        int64(len(s.topics)),
		Relationships: int64(len(s.relationships)),
		PersonTopics:  int64(len(s.personTopics)),
		Sessions:      int64(len(s.sessions)),
		Turns:         int64(len(s.turns)),
		Media:         int64(len(s.media)),
	}, nil
}

func (s *Store) Reset(ctx context.Context, seedName string) (*store.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seed := s.findPersonByName(seedName)
	s.clear()

	now := time.Now().UTC()
	if seed == nil {
		seed = &store.Person{ID: s.id(), Name: store.CleanName(seedName), Aliases: []string{}, FirstSeen: now}
	}
	seed.ConversationCount = 0
	seed.LastSeen = now
	s.persons[seed.ID] = seed
	return clonePerson(seed), nil
}

func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }

var _ store.Store = (*Store)(nil)
