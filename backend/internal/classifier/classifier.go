// Package classifier extracts topic mentions from conversation text.
package classifier

import (
	"context"

	"convograph/backend/internal/store"
)

// Topic is one extracted topic mention
type Topic struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Hints carries per-message context for extraction
type Hints struct {
	// ExcludeNames are person names whose tokens never form topics, usually the speaker
	ExcludeNames []string
}

// Classifier extracts topics from text. Implementations never fail the caller for
// classification problems; an error means the text could not be processed at all.
type Classifier interface {
	ExtractTopics(ctx context.Context, text string, hints Hints) ([]Topic, error)
}

// TopicLister exposes the known topics used as a matching index
type TopicLister interface {
	ListTopics(ctx context.Context) ([]store.Topic, error)
}

// dedupe keeps the first occurrence of each folded name and caps the result
func dedupe(topics []Topic, max int) []Topic {
	seen := make(map[string]bool, len(topics))
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		name := store.FoldName(t.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Topic{Name: name, Category: store.CleanName(t.Category)})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
