package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types sent to subscribers
const (
	EventGraphInit       = "graph:init"
	EventNodeAdded       = "node:added"
	EventNodeUpdated     = "node:updated"
	EventLinkAdded       = "link:added"
	EventLinkUpdated     = "link:updated"
	EventConversationNew = "conversation:new"
	EventTopicNew        = "topic:new"
)

// Event is the envelope every realtime message travels in
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent marshals data into an event stamped with the current time in milliseconds
func NewEvent(eventType string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}
