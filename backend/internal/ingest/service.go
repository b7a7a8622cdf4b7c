// Package ingest validates ingestion requests, runs them through the extraction pipeline
// and publishes the results. It also serves the read and maintenance commands.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convograph/backend/internal/constants"
	"convograph/backend/internal/metrics"
	"convograph/backend/internal/pipeline"
	"convograph/backend/internal/projection"
	"convograph/backend/internal/realtime"
	"convograph/backend/internal/store"
	apperrors "convograph/backend/pkg/errors"
	"convograph/backend/pkg/logger"
)

// TurnRequest is one turn of an ingest call
type TurnRequest struct {
	Role      string     `json:"role" validate:"required,oneof=user assistant"`
	Content   string     `json:"content" validate:"max=20000"`
	Speaker   string     `json:"speaker,omitempty" validate:"max=200"`
	SpeakerID string     `json:"speaker_id,omitempty" validate:"max=200"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Request is an ingest call. Speaker and SpeakerID name the other party of the conversation
// and attribute every user turn that carries no speaker of its own.
type Request struct {
	SessionID string        `json:"session_id,omitempty" validate:"max=128"`
	Source    string        `json:"source" validate:"required,allowedsource"`
	Speaker   string        `json:"speaker,omitempty" validate:"max=200"`
	SpeakerID string        `json:"speaker_id,omitempty" validate:"max=200"`
	AvatarURL string        `json:"avatar_url,omitempty" validate:"omitempty,url"`
	Turns     []TurnRequest `json:"turns" validate:"required,min=1,max=500,dive"`
}

// Response summarizes an ingest call
type Response struct {
	SessionID    string `json:"session_id"`
	Processed    int    `json:"processed"`
	Skipped      int    `json:"skipped"`
	NewNodes     int    `json:"new_nodes"`
	UpdatedNodes int    `json:"updated_nodes"`
	NewLinks     int    `json:"new_links"`
	UpdatedLinks int    `json:"updated_links"`
}

// MediaRequest attaches a media reference to a person
type MediaRequest struct {
	Kind string `json:"kind" validate:"required,max=32"`
	URL  string `json:"url" validate:"required,url,max=2048"`
}

// PersonDetail is a person with everything known about them
type PersonDetail struct {
	Person        *store.Person              `json:"person"`
	History       []store.Turn               `json:"history"`
	Topics        []store.RankedTopic        `json:"topics"`
	Relationships []store.PersonRelationship `json:"relationships"`
	Media         []store.Media              `json:"media"`
}

// GraphView is the full graph plus summary statistics
type GraphView struct {
	*projection.GraphData
	Stats *projection.Stats `json:"stats"`
}

// Options configures the service
type Options struct {
	AllowedSources []string
	SeedPersonName string
	HistoryLimit   int
	Metrics        *metrics.Collector
}

// Service is the boundary between transports and the core components
type Service struct {
	store       store.Store
	pipeline    *pipeline.Pipeline
	projector   *projection.Projector
	broadcaster *realtime.Broadcaster
	validator   *requestValidator

	seedName     string
	historyLimit int
	metrics      *metrics.Collector
	logger       *zap.Logger
}

// NewService creates the ingest service
func NewService(s store.Store, p *pipeline.Pipeline, proj *projection.Projector, b *realtime.Broadcaster, opts Options) *Service {
	allowed := make(map[string]bool, len(opts.AllowedSources))
	for _, src := range opts.AllowedSources {
		allowed[strings.ToLower(strings.TrimSpace(src))] = true
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = constants.DefaultHistoryLimit
	}

	return &Service{
		store:        s,
		pipeline:     p,
		projector:    proj,
		broadcaster:  b,
		validator:    newRequestValidator(allowed),
		seedName:     opts.SeedPersonName,
		historyLimit: opts.HistoryLimit,
		metrics:      opts.Metrics,
		logger:       logger.Named("ingest"),
	}
}

// Ingest validates req, processes the turns not yet seen for its session and broadcasts
// what changed. Nothing is written when validation fails. Once accepted, a batch runs to
// completion even if the caller goes away; ctx only carries values past that point.
func (s *Service) Ingest(ctx context.Context, req *Request) (*Response, error) {
	if err := s.validateIngest(req); err != nil {
		s.metrics.RecordIngest(string(apperrors.ErrorTypeInvalidInput), 0, 0, 0, 0)
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	source := strings.ToLower(strings.TrimSpace(req.Source))

	key := strings.TrimSpace(req.SessionID)
	if key == "" {
		key = uuid.New().String()
	}
	sess, _, err := s.store.GetOrCreateSession(ctx, key, source)
	if err != nil {
		s.metrics.RecordIngest(string(apperrors.ErrorTypeStore), 0, 0, 0, 0)
		return nil, apperrors.NewStoreFailure("get or create session", err)
	}

	messages := make([]pipeline.Message, 0, len(req.Turns))
	for i, turn := range req.Turns {
		if i < sess.LastProcessedLine {
			continue
		}
		messages = append(messages, s.toMessage(req, i, turn))
	}

	var party *pipeline.Party
	if strings.TrimSpace(req.Speaker) != "" || req.SpeakerID != "" {
		party = &pipeline.Party{Name: req.Speaker, ExternalID: req.SpeakerID}
	}

	res, procErr := s.pipeline.ProcessMessages(ctx, messages, pipeline.Session{
		ID:         sess.ID,
		Key:        sess.Key,
		OtherParty: party,
	})

	// whatever was committed is announced, even when the batch stopped early
	if res != nil {
		s.broadcaster.BroadcastGraphDelta(ctx, res.Delta, res.NewTopics)
		for _, turn := range res.Turns {
			s.broadcaster.BroadcastConversation(ctx, realtime.ConversationEvent{
				SessionID: sess.Key,
				Source:    sess.Source,
				Turn:      turn,
			})
		}
	}

	status := "ok"
	if procErr != nil {
		status = string(apperrors.TypeOf(procErr))
	}
	if res != nil {
		s.metrics.RecordIngest(status, res.Processed, len(res.Delta.NewNodes), len(res.Delta.NewLinks), res.Failed)
	}

	if procErr != nil {
		s.logger.Error("Ingest failed",
			zap.String("session", sess.Key),
			zap.String("source", source),
			zap.Error(procErr),
		)
		return nil, procErr
	}

	s.logger.Info("Ingest processed",
		zap.String("session", sess.Key),
		zap.String("source", source),
		zap.Int("processed", res.Processed),
		zap.Int("skipped_lines", len(req.Turns)-len(messages)),
		zap.Int("failed", res.Failed),
		zap.Int("new_nodes", len(res.Delta.NewNodes)),
		zap.Int("updated_nodes", len(res.Delta.UpdatedNodes)),
	)

	return &Response{
		SessionID:    sess.Key,
		Processed:    res.Processed,
		Skipped:      res.Skipped + len(req.Turns) - len(messages),
		NewNodes:     len(res.Delta.NewNodes),
		UpdatedNodes: len(res.Delta.UpdatedNodes),
		NewLinks:     len(res.Delta.NewLinks),
		UpdatedLinks: len(res.Delta.UpdatedLinks),
	}, nil
}

func (s *Service) validateIngest(req *Request) error {
	if req == nil {
		return apperrors.NewInvalidInput("request", "is required")
	}
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	requestSpeaker := strings.TrimSpace(req.Speaker) != "" || strings.TrimSpace(req.SpeakerID) != ""
	for i, turn := range req.Turns {
		if turn.Role != constants.RoleUser || requestSpeaker {
			continue
		}
		if strings.TrimSpace(turn.Speaker) == "" && strings.TrimSpace(turn.SpeakerID) == "" {
			return apperrors.NewInvalidInput(fmt.Sprintf("turns[%d].speaker", i), "no speaker derivable for user turn")
		}
	}
	return nil
}

// toMessage attributes user turns to the request speaker unless the turn names its own
func (s *Service) toMessage(req *Request, line int, turn TurnRequest) pipeline.Message {
	msg := pipeline.Message{
		Line:      line,
		Role:      turn.Role,
		Content:   turn.Content,
		Speaker:   strings.TrimSpace(turn.Speaker),
		SpeakerID: strings.TrimSpace(turn.SpeakerID),
	}
	if turn.Timestamp != nil {
		msg.Timestamp = turn.Timestamp.UTC()
	}
	if msg.Speaker == "" && msg.SpeakerID == "" && turn.Role == constants.RoleUser {
		msg.Speaker = strings.TrimSpace(req.Speaker)
		msg.SpeakerID = strings.TrimSpace(req.SpeakerID)
		msg.AvatarURL = req.AvatarURL
	}
	return msg
}

// Graph returns the full graph with statistics
func (s *Service) Graph(ctx context.Context) (*GraphView, error) {
	var view GraphView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		view.GraphData, err = s.projector.BuildFullGraph(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		view.Stats, err = s.projector.GetGraphStats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperrors.NewStoreFailure("build graph", err)
	}
	return &view, nil
}

// Stats returns the graph summary statistics
func (s *Service) Stats(ctx context.Context) (*projection.Stats, error) {
	stats, err := s.projector.GetGraphStats(ctx)
	if err != nil {
		return nil, apperrors.NewStoreFailure("graph stats", err)
	}
	return stats, nil
}

// PersonDetail returns the person with history, ranked topics, relationships and media
func (s *Service) PersonDetail(ctx context.Context, id int64) (*PersonDetail, error) {
	person, err := s.store.GetPerson(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFound("person", strconv.FormatInt(id, 10))
		}
		return nil, apperrors.NewStoreFailure("get person", err)
	}

	detail := &PersonDetail{Person: person}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail.History, err = s.store.PersonHistory(gctx, id, s.historyLimit)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Topics, err = s.store.TopicsForPerson(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Relationships, err = s.store.RelationshipsForPerson(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Media, err = s.store.MediaForPerson(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperrors.NewStoreFailure("load person detail", err)
	}

	if detail.History == nil {
		detail.History = []store.Turn{}
	}
	if detail.Topics == nil {
		detail.Topics = []store.RankedTopic{}
	}
	if detail.Relationships == nil {
		detail.Relationships = []store.PersonRelationship{}
	}
	if detail.Media == nil {
		detail.Media = []store.Media{}
	}
	return detail, nil
}

// AddMedia attaches a media reference to a person
func (s *Service) AddMedia(ctx context.Context, personID int64, req *MediaRequest) (*store.Media, error) {
	if req == nil {
		return nil, apperrors.NewInvalidInput("request", "is required")
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	m, err := s.store.AddMedia(ctx, personID, strings.ToLower(strings.TrimSpace(req.Kind)), strings.TrimSpace(req.URL))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFound("person", strconv.FormatInt(personID, 10))
		}
		return nil, apperrors.NewStoreFailure("add media", err)
	}
	return m, nil
}

// Reset clears the graph down to the seed person and re-initializes every subscriber.
// Like Ingest it is not interrupted by the caller disconnecting, so graph:init always follows.
func (s *Service) Reset(ctx context.Context) (*projection.GraphData, error) {
	ctx = context.WithoutCancel(ctx)
	seed, err := s.store.Reset(ctx, s.seedName)
	if err != nil {
		return nil, apperrors.NewStoreFailure("reset", err)
	}
	graph, err := s.projector.BuildFullGraph(ctx)
	if err != nil {
		return nil, apperrors.NewStoreFailure("build graph", err)
	}
	s.broadcaster.BroadcastFullGraph(ctx, graph)

	s.logger.Warn("Graph reset", zap.Int64("seed_person_id", seed.ID), zap.String("seed_name", seed.Name))
	return graph, nil
}

// Snapshot builds the graph sent to newly connected subscribers
func (s *Service) Snapshot(ctx context.Context) (*projection.GraphData, error) {
	return s.projector.BuildFullGraph(ctx)
}
