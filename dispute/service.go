package dispute

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
	// ErrEmptyDetails signals the opener gave no description of the problem.
	ErrEmptyDetails = errors.New("dispute: details required")
	// ErrInvalidReason signals an unknown reason code.
	ErrInvalidReason = errors.New("dispute: invalid reason")
	// ErrForbidden signals the caller is not a party to the collaboration.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrInvalidPhase signals the collaboration cannot be disputed in its current phase.
	ErrInvalidPhase = errors.New("dispute: collaboration not in progress")
	// ErrInvalidDisposition signals an unknown fund disposition on resolution.
	ErrInvalidDisposition = errors.New("dispute: invalid fund disposition")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives the open to resolved state machine with its collaboration
// side effects: opening freezes the escrow and messaging, resolution restores
// messaging and applies the fund disposition the arbitrator decided.
type Service struct {
	pool        TxBeginner
	repo        Repository
	collabs     collaboration.Repository
	timeline    collaboration.TimelineWriter
	outbox      collaboration.OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type OpenParams struct {
	CollaborationID string
	OpenerID        string
	Reason          Reason
	Details         string
}

type ResolveParams struct {
	DisputeID   string
	ResolverID  string
	Disposition Disposition
	Note        string
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

// Open creates a dispute and applies its side effects atomically: messaging
// is disabled and the phase moves to disputed, which blocks fund release and
// cancellation until resolution. At most one open dispute exists per
// collaboration; a concurrent opener loses on the row lock or the partial
// unique index and surfaces ErrAlreadyDisputed.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.CollaborationID == "" {
		return Record{}, fmt.Errorf("dispute: missing collaboration id")
	}
	if params.OpenerID == "" {
		return Record{}, fmt.Errorf("dispute: missing opener id")
	}
	if !ValidReason(params.Reason) {
		return Record{}, ErrInvalidReason
	}
	details := strings.TrimSpace(params.Details)
	if details == "" {
		return Record{}, ErrEmptyDetails
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	collab, err := s.collabs.GetForUpdate(ctx, tx, params.CollaborationID)
	if err != nil {
		return Record{}, err
	}
	if collab.Phase == collaboration.PhaseDisputed {
		return Record{}, ErrAlreadyDisputed
	}
	if collab.Phase != collaboration.PhaseInProgress {
		return Record{}, ErrInvalidPhase
	}

	openerRole, err := s.openerRole(ctx, tx, collab, params.OpenerID)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:              s.idGenerator(),
		CollaborationID: params.CollaborationID,
		OpenerID:        params.OpenerID,
		OpenerRole:      openerRole,
		Reason:          params.Reason,
		Details:         details,
		PriorPhase:      string(collab.Phase),
	}

	created, err := s.repo.Insert(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.collabs.SetMessaging(ctx, tx, collab.ID, false); err != nil {
		return Record{}, err
	}
	if _, err := s.collabs.SetPhase(ctx, tx, collab.ID, collaboration.PhaseDisputed); err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, collab.ID, "DISPUTE_OPENED", params.OpenerID, map[string]any{
		"dispute_id": created.ID,
		"reason":     created.Reason,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
		"dispute_id":       created.ID,
		"collaboration_id": collab.ID,
		"opener_role":      openerRole,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit tx: %w", err)
	}

	return created, nil
}

// Resolve is the arbitration authority's action. It records the outcome,
// re-enables messaging and applies the fund disposition explicitly: the
// escrow moves where the arbitrator says, and the collaboration lands on
// completed or cancelled accordingly.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if params.DisputeID == "" {
		return Record{}, fmt.Errorf("dispute: missing dispute id")
	}
	if params.Disposition != DispositionReleaseToCreator && params.Disposition != DispositionRefundToBrand {
		return Record{}, ErrInvalidDisposition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateResolved {
		return Record{}, ErrAlreadyResolved
	}

	collab, err := s.collabs.GetForUpdate(ctx, tx, rec.CollaborationID)
	if err != nil {
		return Record{}, err
	}

	outcome := string(params.Disposition)
	if note := strings.TrimSpace(params.Note); note != "" {
		outcome = outcome + ": " + note
	}

	resolved, err := s.repo.Resolve(ctx, tx, rec.ID, outcome)
	if err != nil {
		return Record{}, err
	}

	if err := s.collabs.SetMessaging(ctx, tx, collab.ID, true); err != nil {
		return Record{}, err
	}

	var (
		escrow   collaboration.EscrowState
		endPhase collaboration.Phase
	)
	switch params.Disposition {
	case DispositionReleaseToCreator:
		escrow = collaboration.EscrowReleasedToCreator
		endPhase = collaboration.PhaseCompleted
	case DispositionRefundToBrand:
		escrow = collaboration.EscrowReleasedToBrand
		endPhase = collaboration.PhaseCancelled
	}
	if err := s.collabs.SetEscrowState(ctx, tx, collab.ID, escrow); err != nil {
		return Record{}, err
	}
	if _, err := s.collabs.SetPhase(ctx, tx, collab.ID, endPhase); err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, collab.ID, "DISPUTE_RESOLVED", params.ResolverID, map[string]any{
		"dispute_id":  resolved.ID,
		"disposition": params.Disposition,
		"phase":       endPhase,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
		"dispute_id":       resolved.ID,
		"collaboration_id": collab.ID,
		"disposition":      params.Disposition,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	return resolved, nil
}

// ListForCollaboration returns the dispute history for a collaboration.
func (s *Service) ListForCollaboration(ctx context.Context, collabID string) ([]Record, error) {
	return s.repo.ListForCollaboration(ctx, collabID)
}

// openerRole checks the opener is a party: the brand, or the accepted creator.
func (s *Service) openerRole(ctx context.Context, tx pgx.Tx, collab collaboration.Record, openerID string) (string, error) {
	if openerID == collab.BrandID {
		return "brand", nil
	}

	creatorID, err := s.repo.AcceptedCreator(ctx, tx, collab.ID)
	if err != nil {
		return "", err
	}
	if creatorID == "" || creatorID != openerID {
		return "", ErrForbidden
	}
	return "creator", nil
}
