package projection

import (
	"fmt"
	"math"
	"time"

	"convograph/backend/internal/constants"
	"convograph/backend/internal/store"
)

// Node is the uniform rendering shape for persons and topics
type Node struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Size   float64       `json:"size"`
	Color  string        `json:"color"`
	Person *store.Person `json:"person,omitempty"`
	Topic  *store.Topic  `json:"topic,omitempty"`
}

// Link is the uniform rendering shape for relationships and person-topic associations
type Link struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Target          string    `json:"target"`
	Type            string    `json:"type"`
	Weight          int64     `json:"weight"`
	Color           string    `json:"color"`
	LastInteraction time.Time `json:"last_interaction"`
}

// GraphData is the full graph view
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Stats summarizes the graph
type Stats struct {
	store.Stats
	Nodes     int           `json:"nodes"`
	Links     int           `json:"links"`
	TopTopics []store.Topic `json:"top_topics"`
}

func PersonNodeID(id int64) string { return fmt.Sprintf("person-%d", id) }

func TopicNodeID(id int64) string { return fmt.Sprintf("topic-%d", id) }

func RelationshipLinkID(id int64) string { return fmt.Sprintf("rel-%d", id) }

func PersonTopicLinkID(personID, topicID int64) string {
	return fmt.Sprintf("pt-%d-%d", personID, topicID)
}

// SizeFor maps an activity count onto a bounded logarithmic size hint
func SizeFor(count int64) float64 {
	if count < 0 {
		count = 0
	}
	size := constants.NodeBaseSize + constants.NodeSizeScale*math.Log2(1+float64(count))
	return math.Min(size, constants.NodeMaxSize)
}

// PersonNode projects a person row
func PersonNode(p store.Person) Node {
	return Node{
		ID:     PersonNodeID(p.ID),
		Name:   p.Name,
		Type:   constants.NodeTypePerson,
		Size:   SizeFor(p.ConversationCount),
		Color:  constants.ColorPerson,
		Person: &p,
	}
}

// TopicNode projects a topic row
func TopicNode(t store.Topic) Node {
	return Node{
		ID:    TopicNodeID(t.ID),
		Name:  t.Name,
		Type:  constants.NodeTypeTopic,
		Size:  SizeFor(t.MentionCount),
		Color: constants.ColorTopic,
		Topic: &t,
	}
}

// RelationshipLink projects a person-person edge
func RelationshipLink(r store.Relationship) Link {
	return Link{
		ID:              RelationshipLinkID(r.ID),
		Source:          PersonNodeID(r.SourceID),
		Target:          PersonNodeID(r.TargetID),
		Type:            r.Type,
		Weight:          r.Weight,
		Color:           constants.ColorRelationship,
		LastInteraction: r.LastInteraction,
	}
}

// PersonTopicLink projects a person-topic association
func PersonTopicLink(pt store.PersonTopic) Link {
	return Link{
		ID:              PersonTopicLinkID(pt.PersonID, pt.TopicID),
		Source:          PersonNodeID(pt.PersonID),
		Target:          TopicNodeID(pt.TopicID),
		Type:            constants.LinkTypeDiscusses,
		Weight:          pt.MentionCount,
		Color:           constants.ColorDiscusses,
		LastInteraction: pt.LastMentioned,
	}
}
