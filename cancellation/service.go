package cancellation

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
	// ErrInvalidPhaseForCancellation signals the collaboration's phase admits
	// no cancellation path (completed, cancelled or disputed).
	ErrInvalidPhaseForCancellation = errors.New("cancellation: invalid phase for cancellation")
	// ErrInvalidReason signals an unknown reason code.
	ErrInvalidReason = errors.New("cancellation: invalid reason")
	// ErrForbidden signals the caller is not a party to the collaboration.
	ErrForbidden = errors.New("cancellation: forbidden")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service branches between the immediate-refund and admin-arbitrated paths.
// The branch reads the phase under the collaboration row lock and is decided
// exactly once: a phase change after the request commits never re-routes it.
type Service struct {
	pool        TxBeginner
	repo        Repository
	collabs     collaboration.Repository
	timeline    collaboration.TimelineWriter
	outbox      collaboration.OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type RequestParams struct {
	CollaborationID string
	RequesterID     string
	Reason          Reason
	Details         string
}

// RequestResult carries the stored request plus the branch taken, so the
// facade can phrase the user-facing message.
type RequestResult struct {
	Request       Record
	Collaboration collaboration.Record
}

type ResolveParams struct {
	RequestID  string
	ResolverID string
	Approve    bool
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

// Request applies the phase-branched cancellation policy in one transaction.
// Phase open: the request is born resolved, the collaboration is cancelled
// and the escrow refunded to the brand atomically. Phase in_progress: the
// request is created pending for the arbitration authority and the
// collaboration is untouched. Any other phase fails.
func (s *Service) Request(ctx context.Context, params RequestParams) (RequestResult, error) {
	if params.CollaborationID == "" {
		return RequestResult{}, fmt.Errorf("cancellation: missing collaboration id")
	}
	if params.RequesterID == "" {
		return RequestResult{}, fmt.Errorf("cancellation: missing requester id")
	}
	if !ValidReason(params.Reason) {
		return RequestResult{}, ErrInvalidReason
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestResult{}, fmt.Errorf("cancellation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	collab, err := s.collabs.GetForUpdate(ctx, tx, params.CollaborationID)
	if err != nil {
		return RequestResult{}, err
	}

	if err := s.checkParty(ctx, tx, collab, params.RequesterID); err != nil {
		return RequestResult{}, err
	}

	rec := Record{
		ID:              s.idGenerator(),
		CollaborationID: params.CollaborationID,
		RequesterID:     params.RequesterID,
		Reason:          params.Reason,
	}
	if details := strings.TrimSpace(params.Details); details != "" {
		rec.Details = &details
	}

	switch collab.Phase {
	case collaboration.PhaseOpen:
		rec.Outcome = OutcomeImmediateRefund
		rec.State = StateResolved
	case collaboration.PhaseInProgress:
		rec.Outcome = OutcomePendingAdminReview
		rec.State = StatePending
	default:
		return RequestResult{}, ErrInvalidPhaseForCancellation
	}

	created, err := s.repo.Insert(ctx, tx, rec)
	if err != nil {
		return RequestResult{}, err
	}

	if rec.Outcome == OutcomeImmediateRefund {
		if err := s.collabs.SetEscrowState(ctx, tx, collab.ID, collaboration.EscrowReleasedToBrand); err != nil {
			return RequestResult{}, err
		}
		collab, err = s.collabs.SetPhase(ctx, tx, collab.ID, collaboration.PhaseCancelled)
		if err != nil {
			return RequestResult{}, err
		}
	}

	if err := s.timeline.Append(ctx, tx, collab.ID, "CANCELLATION_REQUESTED", params.RequesterID, map[string]any{
		"request_id": created.ID,
		"reason":     created.Reason,
		"outcome":    created.Outcome,
	}); err != nil {
		return RequestResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "cancellation.requested", map[string]any{
		"request_id":       created.ID,
		"collaboration_id": collab.ID,
		"outcome":          created.Outcome,
	}); err != nil {
		return RequestResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestResult{}, fmt.Errorf("cancellation: commit tx: %w", err)
	}

	return RequestResult{Request: created, Collaboration: collab}, nil
}

// Resolve is the arbitration authority's decision on a pending request:
// approve cancels the collaboration and refunds the brand, deny leaves the
// collaboration untouched. Either way the request becomes resolved. An
// approval that arrives after the collaboration left in_progress resolves
// the request without touching the collaboration.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if params.RequestID == "" {
		return Record{}, fmt.Errorf("cancellation: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("cancellation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
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

	resolved, err := s.repo.Resolve(ctx, tx, rec.ID)
	if err != nil {
		return Record{}, err
	}

	approved := params.Approve
	if approved && collab.Phase != collaboration.PhaseInProgress {
		// The collaboration moved on (disputed, completed, already cancelled)
		// while the request waited. A stale approval cannot cancel it, but the
		// request still resolves so the pending slot frees up.
		approved = false
	}
	if approved {
		if err := s.collabs.SetEscrowState(ctx, tx, collab.ID, collaboration.EscrowReleasedToBrand); err != nil {
			return Record{}, err
		}
		if _, err := s.collabs.SetPhase(ctx, tx, collab.ID, collaboration.PhaseCancelled); err != nil {
			return Record{}, err
		}
	}

	if err := s.timeline.Append(ctx, tx, collab.ID, "CANCELLATION_RESOLVED", params.ResolverID, map[string]any{
		"request_id": resolved.ID,
		"approved":   approved,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "cancellation.resolved", map[string]any{
		"request_id":       resolved.ID,
		"collaboration_id": collab.ID,
		"approved":         approved,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("cancellation: commit resolve: %w", err)
	}

	return resolved, nil
}

// checkParty verifies the requester is the brand or a creator tied to the
// collaboration (applied or accepted).
func (s *Service) checkParty(ctx context.Context, tx pgx.Tx, collab collaboration.Record, requesterID string) error {
	if requesterID == collab.BrandID {
		return nil
	}

	party, err := s.repo.IsParty(ctx, tx, collab.ID, requesterID)
	if err != nil {
		return err
	}
	if !party {
		return ErrForbidden
	}
	return nil
}
