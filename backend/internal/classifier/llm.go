package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"convograph/backend/internal/adapter"
	"convograph/backend/internal/constants"
	"convograph/backend/internal/store"
	"convograph/backend/pkg/config"
	"convograph/backend/pkg/logger"
)

const systemPrompt = `You extract conversation topics.
Return ONLY a JSON object of the form {"topics":[{"name":"...","category":"..."}]}.
Names are short noun phrases (1-4 words) naming what is discussed, never a person's name.
Category is one lowercase word such as work, family, travel, finance, health, hobby, property, technology.
Return {"topics":[]} when nothing qualifies.`

// maxTopicNameLength bounds names accepted from the model
const maxTopicNameLength = 64

// Generator is the LLM capability the classifier needs
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts adapter.Options) (*adapter.Response, error)
}

// LLM classifies with a language model and falls back to a heuristic on any failure
type LLM struct {
	gen      Generator
	fallback Classifier
	breaker  *gobreaker.CircuitBreaker
	max      int
	timeout  time.Duration
	logger   *zap.Logger
}

// NewLLM wraps gen in a circuit breaker; fallback serves every request the model cannot
func NewLLM(gen Generator, fallback Classifier, maxTopics int) *LLM {
	if maxTopics <= 0 {
		maxTopics = constants.DefaultMaxTopicsPerMessage
	}
	log := logger.Named("classifier")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-classifier",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &LLM{
		gen:      gen,
		fallback: fallback,
		breaker:  breaker,
		max:      maxTopics,
		timeout:  20 * time.Second,
		logger:   log,
	}
}

// ExtractTopics never returns a model error; it degrades to the fallback instead
func (l *LLM) ExtractTopics(ctx context.Context, text string, hints Hints) ([]Topic, error) {
	if strings.TrimSpace(text) == "" {
		return []Topic{}, nil
	}

	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.classify(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			l.logger.Debug("LLM classifier unavailable, using fallback", zap.Error(err))
		} else {
			l.logger.Warn("LLM classification failed, using fallback", zap.Error(err))
		}
		return l.fallback.ExtractTopics(ctx, text, hints)
	}

	topics := filterNames(out.([]Topic), hints.ExcludeNames)
	topics = dedupe(topics, l.max)
	if len(topics) == 0 {
		return l.fallback.ExtractTopics(ctx, text, hints)
	}
	return topics, nil
}

func (l *LLM) classify(ctx context.Context, text string) ([]Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.gen.Generate(ctx, systemPrompt, text, adapter.Options{JSON: true, MaxTokens: 400})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Topics []Topic `json:"topics"`
	}
	if err := unmarshalFlexible(resp.Content, &parsed); err != nil {
		return nil, err
	}

	topics := make([]Topic, 0, len(parsed.Topics))
	for _, t := range parsed.Topics {
		name := store.CleanName(t.Name)
		if name == "" || len(name) > maxTopicNameLength {
			continue
		}
		topics = append(topics, Topic{Name: name, Category: strings.ToLower(store.CleanName(t.Category))})
	}
	return topics, nil
}

// filterNames drops topics that are just one of the excluded person names
func filterNames(topics []Topic, names []string) []Topic {
	if len(names) == 0 {
		return topics
	}
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[store.FoldName(n)] = true
	}
	out := topics[:0]
	for _, t := range topics {
		if !skip[store.FoldName(t.Name)] {
			out = append(out, t)
		}
	}
	return out
}

// unmarshalFlexible accepts plain JSON, a fenced code block, or JSON that needs repair
func unmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	input = strings.TrimSpace(input)
	if input == "" {
		return fmt.Errorf("empty model output")
	}

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("unmarshal failed after repair: %w", err)
	}
	return nil
}

// New builds the classifier for mode; gen is only used in llm mode
func New(mode string, topics TopicLister, gen Generator, maxTopics int) Classifier {
	heuristic := NewHeuristic(topics, maxTopics)
	if mode == config.ClassifierModeLLM && gen != nil {
		return NewLLM(gen, heuristic, maxTopics)
	}
	return heuristic
}
