// Package projection builds the renderable graph view from entity store state.
package projection

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convograph/backend/internal/constants"
	"convograph/backend/internal/store"
	"convograph/backend/pkg/logger"
)

const topTopicsLimit = 5

// Reader is the read-only store surface the projection needs
type Reader interface {
	ListPersons(ctx context.Context) ([]store.Person, error)
	ListTopics(ctx context.Context) ([]store.Topic, error)
	ListRelationships(ctx context.Context) ([]store.Relationship, error)
	ListPersonTopics(ctx context.Context) ([]store.PersonTopic, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Projector computes graph views on demand; it holds no state of its own
type Projector struct {
	store  Reader
	logger *zap.Logger
}

// New creates a projector over r
func New(r Reader) *Projector {
	return &Projector{
		store:  r,
		logger: logger.Named("projection"),
	}
}

type snapshot struct {
	persons       []store.Person
	topics        []store.Topic
	relationships []store.Relationship
	personTopics  []store.PersonTopic
}

func (p *Projector) load(ctx context.Context) (*snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if snap.persons, err = p.store.ListPersons(gctx); err != nil {
			return fmt.Errorf("list persons: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if snap.topics, err = p.store.ListTopics(gctx); err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if snap.relationships, err = p.store.ListRelationships(gctx); err != nil {
			return fmt.Errorf("list relationships: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if snap.personTopics, err = p.store.ListPersonTopics(gctx); err != nil {
			return fmt.Errorf("list person topics: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// BuildFullGraph returns every person, every mentioned topic, and the links between them.
// The lists are read concurrently, so a link whose endpoint was written after its list
// was read is left out rather than pointing at a missing node.
func (p *Projector) BuildFullGraph(ctx context.Context) (*GraphData, error) {
	snap, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	graph := &GraphData{
		Nodes: make([]Node, 0, len(snap.persons)+len(snap.topics)),
		Links: make([]Link, 0, len(snap.relationships)+len(snap.personTopics)),
	}
	present := make(map[string]bool, cap(graph.Nodes))

	for _, person := range snap.persons {
		n := PersonNode(person)
		graph.Nodes = append(graph.Nodes, n)
		present[n.ID] = true
	}
	for _, topic := range snap.topics {
		if topic.MentionCount <= 0 {
			continue
		}
		n := TopicNode(topic)
		graph.Nodes = append(graph.Nodes, n)
		present[n.ID] = true
	}

	dropped := 0
	for _, rel := range snap.relationships {
		l := RelationshipLink(rel)
		if !present[l.Source] || !present[l.Target] {
			dropped++
			continue
		}
		graph.Links = append(graph.Links, l)
	}
	for _, pt := range snap.personTopics {
		if pt.MentionCount < constants.MinPersonTopicMentions {
			continue
		}
		l := PersonTopicLink(pt)
		if !present[l.Source] || !present[l.Target] {
			dropped++
			continue
		}
		graph.Links = append(graph.Links, l)
	}

	if dropped > 0 {
		p.logger.Debug("Skipped links written during snapshot", zap.Int("count", dropped))
	}
	return graph, nil
}

// GetGraphStats returns row counts plus the most mentioned topics
func (p *Projector) GetGraphStats(ctx context.Context) (*Stats, error) {
	var (
		counts store.Stats
		topics []store.Topic
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if counts, err = p.store.Stats(gctx); err != nil {
			return fmt.Errorf("store stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if topics, err = p.store.ListTopics(gctx); err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mentioned := make([]store.Topic, 0, len(topics))
	for _, t := range topics {
		if t.MentionCount > 0 {
			mentioned = append(mentioned, t)
		}
	}
	sort.SliceStable(mentioned, func(i, j int) bool {
		if mentioned[i].MentionCount != mentioned[j].MentionCount {
			return mentioned[i].MentionCount > mentioned[j].MentionCount
		}
		return mentioned[i].ID < mentioned[j].ID
	})
	topicNodes := len(mentioned)
	if len(mentioned) > topTopicsLimit {
		mentioned = mentioned[:topTopicsLimit]
	}

	return &Stats{
		Stats:     counts,
		Nodes:     int(counts.Persons) + topicNodes,
		Links:     int(counts.Relationships + counts.PersonTopics),
		TopTopics: mentioned,
	}, nil
}
