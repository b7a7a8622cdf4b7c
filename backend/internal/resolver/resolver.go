// Package resolver maps a raw name or alias onto a tracked person, creating the person
// or recording a new alias when needed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convograph/backend/internal/store"
	apperrors "convograph/backend/pkg/errors"
	"convograph/backend/pkg/logger"
)

// Mention is one reference to a person
type Mention struct {
	Name       string
	ExternalID string
	AvatarURL  string
	SeenAt     time.Time
	// CountTurn marks a mention that represents a distinct turn by this person
	CountTurn bool
}

// Result is the resolved person and what changed
type Result struct {
	Person      *store.Person
	IsNewPerson bool
	IsNewAlias  bool
	MatchedBy   MatchKind
}

// Resolver resolves mentions against the person store
type Resolver struct {
	store  store.PersonStore
	logger *zap.Logger
}

// New creates a resolver
func New(s store.PersonStore) *Resolver {
	return &Resolver{
		store:  s,
		logger: logger.Named("resolver"),
	}
}

// Resolve finds or creates the person for m and bumps its activity
func (r *Resolver) Resolve(ctx context.Context, m Mention) (*Result, error) {
	name := store.CleanName(m.Name)
	if name == "" && m.ExternalID == "" {
		return nil, apperrors.NewInvalidInput("name", "empty after trimming")
	}
	if m.SeenAt.IsZero() {
		m.SeenAt = time.Now().UTC()
	}

	person, kind, err := r.find(ctx, name, m.ExternalID)
	if err != nil {
		return nil, err
	}

	res := &Result{MatchedBy: kind}
	if person == nil {
		if name == "" {
			return nil, apperrors.NewInvalidInput("name", "empty and external id is unknown")
		}
		created, isNew, err := r.store.CreatePerson(ctx, store.NewPerson{
			Name:       name,
			ExternalID: m.ExternalID,
			AvatarURL:  m.AvatarURL,
			SeenAt:     m.SeenAt,
		})
		if err != nil {
			return nil, fmt.Errorf("create person %q: %w", name, err)
		}
		person, res.IsNewPerson = created, isNew
		if isNew {
			r.logger.Info("Person created", zap.Int64("person_id", person.ID), zap.String("name", person.Name))
		} else {
			// lost a creation race to a concurrent mention of the same name
			res.MatchedBy = MatchName
		}
	}

	if err := r.enrich(ctx, person, name, m.ExternalID, res); err != nil {
		return nil, err
	}

	touched, err := r.store.TouchPerson(ctx, person.ID, m.SeenAt, m.CountTurn)
	if err != nil {
		return nil, fmt.Errorf("touch person %d: %w", person.ID, err)
	}
	res.Person = touched
	return res, nil
}

func (r *Resolver) find(ctx context.Context, name, externalID string) (*store.Person, MatchKind, error) {
	if externalID != "" {
		p, err := r.store.FindPersonByExternalID(ctx, externalID)
		if err == nil {
			return p, MatchExternalID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, MatchNone, fmt.Errorf("find person by external id: %w", err)
		}
	}
	if name == "" {
		return nil, MatchNone, nil
	}

	// exact name and alias hits come from the store index; only alias substrings need a scan
	exact, err := r.store.FindPersonsByName(ctx, name)
	if err != nil {
		return nil, MatchNone, fmt.Errorf("find persons by name: %w", err)
	}
	if p, kind := Match(exact, name); p != nil {
		return p, kind, nil
	}

	candidates, err := r.store.ListPersons(ctx)
	if err != nil {
		return nil, MatchNone, fmt.Errorf("list persons: %w", err)
	}
	p, kind := Match(candidates, name)
	return p, kind, nil
}

// enrich records the mentioned string as an alias and links a missing external id
func (r *Resolver) enrich(ctx context.Context, p *store.Person, name, externalID string, res *Result) error {
	switch res.MatchedBy {
	case MatchAlias, MatchAliasSubstring, MatchExternalID:
		if name == "" || store.FoldName(name) == store.FoldName(p.Name) || p.HasAlias(name) {
			break
		}
		updated, added, err := r.store.AddPersonAlias(ctx, p.ID, name)
		if err != nil {
			return fmt.Errorf("add alias %q: %w", name, err)
		}
		*p = *updated
		res.IsNewAlias = added
		if added {
			r.logger.Info("Alias added",
				zap.Int64("person_id", p.ID),
				zap.String("alias", name),
				zap.String("matched_by", res.MatchedBy.String()),
			)
		}
	}

	if externalID != "" && p.ExternalID == "" {
		updated, err := r.store.SetPersonExternalID(ctx, p.ID, externalID)
		if err != nil {
			return fmt.Errorf("link external id: %w", err)
		}
		*p = *updated
	}
	return nil
}
