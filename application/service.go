package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabflow/collaboration"
)

var (
	// ErrForbidden signals the caller may not act on this application.
	ErrForbidden = errors.New("application: forbidden")
	// ErrCollaborationNotOpen signals applications are no longer accepted.
	ErrCollaborationNotOpen = errors.New("application: collaboration not open")
	// ErrAlreadyDecided signals the application has left the applied state.
	ErrAlreadyDecided = errors.New("application: already decided")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	collabs     collaboration.Repository
	timeline    collaboration.TimelineWriter
	outbox      collaboration.OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type ApplyParams struct {
	CollaborationID string
	CreatorID       string
	Message         string
}

type DecideParams struct {
	ApplicationID string
	BrandID       string
	Accept        bool
}

func NewService(pool *pgxpool.Pool, repo Repository, collabs collaboration.Repository) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if collabs == nil {
		collabs = collaboration.NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		collabs:     collabs,
		timeline:    collaboration.Timeline{},
		outbox:      collaboration.Outbox{},
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// NewServiceWithDeps wires explicit collaborators; used by tests.
func NewServiceWithDeps(pool TxBeginner, repo Repository, collabs collaboration.Repository, timeline collaboration.TimelineWriter, outbox collaboration.OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		collabs:     collabs,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Apply records a creator's application to an open collaboration.
func (s *Service) Apply(ctx context.Context, params ApplyParams) (Record, error) {
	if params.CollaborationID == "" {
		return Record{}, fmt.Errorf("application: missing collaboration id")
	}
	if params.CreatorID == "" {
		return Record{}, fmt.Errorf("application: missing creator id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	collab, err := s.collabs.GetForUpdate(ctx, tx, params.CollaborationID)
	if err != nil {
		return Record{}, err
	}
	if collab.Phase != collaboration.PhaseOpen {
		return Record{}, ErrCollaborationNotOpen
	}
	if collab.BrandID == params.CreatorID {
		return Record{}, ErrForbidden
	}

	rec := Record{
		ID:              s.idGenerator(),
		CollaborationID: params.CollaborationID,
		CreatorID:       params.CreatorID,
	}
	if msg := strings.TrimSpace(params.Message); msg != "" {
		rec.Message = &msg
	}

	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, params.CollaborationID, "APPLICATION_SUBMITTED", params.CreatorID, map[string]any{
		"application_id": created.ID,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "application.submitted", map[string]any{
		"application_id":   created.ID,
		"collaboration_id": params.CollaborationID,
		"creator_id":       params.CreatorID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("application: commit tx: %w", err)
	}

	return created, nil
}

// Decide accepts or rejects an application. Acceptance starts the
// collaboration: the phase moves to in_progress with the escrow held, and
// every other applied application is rejected in the same transaction.
func (s *Service) Decide(ctx context.Context, params DecideParams) (Record, error) {
	if params.ApplicationID == "" {
		return Record{}, fmt.Errorf("application: missing application id")
	}
	if params.BrandID == "" {
		return Record{}, fmt.Errorf("application: missing brand id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.repo.GetForUpdate(ctx, tx, params.ApplicationID)
	if err != nil {
		return Record{}, err
	}

	collab, err := s.collabs.GetForUpdate(ctx, tx, app.CollaborationID)
	if err != nil {
		return Record{}, err
	}
	if collab.BrandID != params.BrandID {
		return Record{}, ErrForbidden
	}
	if app.State != StateApplied {
		return Record{}, ErrAlreadyDecided
	}

	if !params.Accept {
		rejected, err := s.repo.SetState(ctx, tx, app.ID, StateRejected)
		if err != nil {
			return Record{}, err
		}
		if err := s.timeline.Append(ctx, tx, collab.ID, "APPLICATION_REJECTED", params.BrandID, map[string]any{
			"application_id": app.ID,
		}); err != nil {
			return Record{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, fmt.Errorf("application: commit reject: %w", err)
		}
		return rejected, nil
	}

	if collab.Phase != collaboration.PhaseOpen {
		return Record{}, ErrCollaborationNotOpen
	}

	accepted, err := s.repo.SetState(ctx, tx, app.ID, StateAccepted)
	if err != nil {
		return Record{}, err
	}
	if err := s.repo.RejectSiblings(ctx, tx, collab.ID, app.ID); err != nil {
		return Record{}, err
	}
	if _, err := s.collabs.SetPhase(ctx, tx, collab.ID, collaboration.PhaseInProgress); err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, collab.ID, "APPLICATION_ACCEPTED", params.BrandID, map[string]any{
		"application_id": app.ID,
		"creator_id":     app.CreatorID,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "collaboration.started", map[string]any{
		"collaboration_id": collab.ID,
		"application_id":   app.ID,
		"creator_id":       app.CreatorID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("application: commit accept: %w", err)
	}

	return accepted, nil
}

// ListForCollaboration returns the applications for one collaboration,
// visible only to its brand.
func (s *Service) ListForCollaboration(ctx context.Context, collabID, callerID string) ([]Record, error) {
	collab, err := s.collabs.Get(ctx, collabID)
	if err != nil {
		return nil, err
	}
	if collab.BrandID != callerID {
		return nil, ErrForbidden
	}
	return s.repo.ListForCollaboration(ctx, collabID)
}
