// Package pipeline turns batches of conversation turns into entity store mutations and
// the graph delta they produce.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"convograph/backend/internal/classifier"
	"convograph/backend/internal/constants"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/resolver"
	"convograph/backend/internal/store"
	apperrors "convograph/backend/pkg/errors"
	"convograph/backend/pkg/logger"
)

// Store is the persistence surface the pipeline writes through
type Store interface {
	store.PersonStore
	store.TopicStore
	store.RelationshipStore
	store.ConversationStore
}

// Message is one parsed conversation turn
type Message struct {
	// Line is the turn's index in the session transcript
	Line      int
	Role      string
	Content   string
	Speaker   string
	SpeakerID string
	AvatarURL string
	Timestamp time.Time
}

// Party is a declared conversation participant
type Party struct {
	Name       string
	ExternalID string
}

// Session is the thread a batch belongs to
type Session struct {
	ID  int64
	Key string
	// OtherParty is the person the user is speaking with, if one was declared
	OtherParty *Party
}

// Result is the outcome of one batch
type Result struct {
	Delta     Delta
	Turns     []store.Turn
	NewTopics []store.Topic
	Processed int
	Skipped   int
	Failed    int
}

// Pipeline drives the resolver and classifier over a batch
type Pipeline struct {
	store      Store
	resolver   *resolver.Resolver
	classifier classifier.Classifier
	logger     *zap.Logger
}

// New creates a pipeline
func New(s Store, c classifier.Classifier) *Pipeline {
	return &Pipeline{
		store:      s,
		resolver:   resolver.New(s),
		classifier: c,
		logger:     logger.Named("pipeline"),
	}
}

// batch carries per-call state; nothing survives the call
type batch struct {
	session Session
	delta   *deltaBuilder
	result  *Result
	other   *store.Person
}

// ProcessMessages applies messages in order. Per-message extraction problems are logged and
// skipped; a failure to persist a turn or advance the session aborts the batch with a
// StoreFailure. The returned result always carries the delta of what was committed.
func (p *Pipeline) ProcessMessages(ctx context.Context, messages []Message, sess Session) (*Result, error) {
	b := &batch{
		session: sess,
		delta:   newDeltaBuilder(),
		result:  &Result{Turns: []store.Turn{}, NewTopics: []store.Topic{}},
	}
	defer func() { b.result.Delta = b.delta.build() }()

	attempted := 0
	var lastErr error

	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			b.result.Skipped++
		} else {
			attempted++
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			failure, err := p.processOne(ctx, b, msg)
			if err != nil {
				return b.result, err
			}
			b.result.Processed++
			if failure != nil {
				b.result.Failed++
				lastErr = failure
			}
		}

		if err := p.store.AdvanceSession(ctx, sess.Key, msg.Line+1); err != nil {
			return b.result, apperrors.NewStoreFailure("advance session", err)
		}
	}

	if attempted > 0 && b.result.Failed == attempted {
		return b.result, apperrors.NewExtractionFailure("batch", lastErr)
	}
	return b.result, nil
}

// processOne returns a non-nil failure when part of the message could not be extracted,
// and a non-nil error only when the batch must stop
func (p *Pipeline) processOne(ctx context.Context, b *batch, msg Message) (failure error, err error) {
	log := p.logger.With(zap.String("session", b.session.Key), zap.Int("line", msg.Line))
	content := strings.TrimSpace(msg.Content)

	var speaker *resolver.Result
	switch {
	case msg.Speaker != "" || msg.SpeakerID != "":
		speaker, failure = p.resolver.Resolve(ctx, resolver.Mention{
			Name:       msg.Speaker,
			ExternalID: msg.SpeakerID,
			AvatarURL:  msg.AvatarURL,
			SeenAt:     msg.Timestamp,
			CountTurn:  true,
		})
		if failure != nil {
			failure = apperrors.NewExtractionFailure("resolve speaker", failure)
			log.Warn("Failed to resolve speaker", zap.String("speaker", msg.Speaker), zap.Error(failure))
		} else {
			// the person row is committed now, whatever happens to the turn
			b.delta.node(projection.PersonNode(*speaker.Person), speaker.IsNewPerson)
		}
	case msg.Role == constants.RoleAssistant:
	default:
		failure = apperrors.NewExtractionFailure("resolve speaker", errors.New("user turn without speaker"))
		log.Warn("Skipping attribution for turn", zap.Error(failure))
	}

	turn := store.Turn{
		SessionID: b.session.ID,
		Role:      msg.Role,
		Content:   content,
		SenderID:  msg.SpeakerID,
		Timestamp: msg.Timestamp,
	}
	if speaker != nil {
		turn.PersonID = &speaker.Person.ID
	}
	saved, err := p.store.AppendTurn(ctx, turn)
	if err != nil {
		return nil, apperrors.NewStoreFailure("append turn", err)
	}
	b.result.Turns = append(b.result.Turns, *saved)

	if speaker == nil {
		return failure, nil
	}
	person := speaker.Person

	if err := p.extractTopics(ctx, b, person, msg, content); err != nil {
		log.Warn("Topic extraction failed", zap.Int64("person_id", person.ID), zap.Error(err))
		failure = err
	}
	if err := p.relate(ctx, b, person, msg); err != nil {
		log.Warn("Relationship inference failed", zap.Int64("person_id", person.ID), zap.Error(err))
		failure = err
	}
	return failure, nil
}

func (p *Pipeline) extractTopics(ctx context.Context, b *batch, person *store.Person, msg Message, content string) error {
	exclude := append([]string{person.Name}, person.Aliases...)
	if msg.Speaker != "" {
		exclude = append(exclude, msg.Speaker)
	}

	topics, err := p.classifier.ExtractTopics(ctx, content, classifier.Hints{ExcludeNames: exclude})
	if err != nil {
		return apperrors.NewExtractionFailure("classify", err)
	}

	var firstErr error
	for _, t := range topics {
		topic, created, err := p.store.UpsertTopic(ctx, t.Name, t.Category, msg.Timestamp)
		if err != nil {
			if firstErr == nil {
				firstErr = apperrors.NewExtractionFailure("upsert topic", fmt.Errorf("%q: %w", t.Name, err))
			}
			continue
		}
		b.delta.node(projection.TopicNode(*topic), created)
		if created {
			b.result.NewTopics = append(b.result.NewTopics, *topic)
		}

		pt, created, err := p.store.UpsertPersonTopic(ctx, person.ID, topic.ID, msg.Timestamp)
		if err != nil {
			if firstErr == nil {
				firstErr = apperrors.NewExtractionFailure("upsert person topic", err)
			}
			continue
		}
		b.delta.link(projection.PersonTopicLink(*pt), created)
	}
	return firstErr
}

// relate links the speaker with the session's declared other party. Sessions without a
// declared party get no edges.
func (p *Pipeline) relate(ctx context.Context, b *batch, speaker *store.Person, msg Message) error {
	party := b.session.OtherParty
	if party == nil || (store.CleanName(party.Name) == "" && party.ExternalID == "") {
		return nil
	}
	if party.ExternalID != "" && party.ExternalID == msg.SpeakerID {
		return nil
	}
	if party.ExternalID == "" && store.FoldName(party.Name) == store.FoldName(msg.Speaker) {
		return nil
	}

	if b.other == nil {
		res, err := p.resolver.Resolve(ctx, resolver.Mention{
			Name:       party.Name,
			ExternalID: party.ExternalID,
			SeenAt:     msg.Timestamp,
		})
		if err != nil {
			return apperrors.NewExtractionFailure("resolve other party", err)
		}
		b.other = res.Person
		b.delta.node(projection.PersonNode(*res.Person), res.IsNewPerson)
	}
	if b.other.ID == speaker.ID {
		return nil
	}

	rel, created, err := p.store.UpsertRelationship(ctx, speaker.ID, b.other.ID, constants.RelationshipTalkedTo, msg.Timestamp)
	if err != nil {
		return apperrors.NewExtractionFailure("upsert relationship", err)
	}
	b.delta.link(projection.RelationshipLink(*rel), created)
	return nil
}
