package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrForbidden signals the caller is not a party to the collaboration.
	ErrForbidden = errors.New("collaboration: forbidden")
	// ErrFundsFrozen signals a release was attempted while a dispute is open.
	ErrFundsFrozen = errors.New("collaboration: funds frozen by open dispute")
	// ErrInvalidPhase signals the operation is not allowed in the current phase.
	ErrInvalidPhase = errors.New("collaboration: invalid phase for operation")
	// ErrEscrowAlreadyReleased signals the escrow has already left the platform.
	ErrEscrowAlreadyReleased = errors.New("collaboration: escrow already released")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	BrandID           string
	Title             string
	Description       string
	EscrowAmountCents int64
}

type ListResult struct {
	Items []Record
	Total int
}

func NewService(pool *pgxpool.Pool, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if timeline == nil {
		timeline = Timeline{}
	}
	if outbox == nil {
		outbox = Outbox{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// NewServiceWithDeps wires explicit collaborators; used by tests.
func NewServiceWithDeps(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new collaboration listing with its escrow amount recorded.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.BrandID == "" {
		return Record{}, fmt.Errorf("collaboration: missing brand id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Record{}, fmt.Errorf("collaboration: title required")
	}
	if params.EscrowAmountCents <= 0 {
		return Record{}, fmt.Errorf("collaboration: invalid escrow amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("collaboration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:                s.idGenerator(),
		BrandID:           params.BrandID,
		Title:             strings.TrimSpace(params.Title),
		EscrowAmountCents: params.EscrowAmountCents,
	}
	if desc := strings.TrimSpace(params.Description); desc != "" {
		rec.Description = &desc
	}

	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("collaboration: create: %w", err)
	}

	if err := s.timeline.Append(ctx, tx, created.ID, "COLLABORATION_CREATED", params.BrandID, map[string]any{
		"title":        created.Title,
		"escrow_cents": created.EscrowAmountCents,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "collaboration.created", map[string]any{
		"collaboration_id": created.ID,
		"brand_id":         created.BrandID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("collaboration: commit tx: %w", err)
	}

	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Complete moves an in-progress collaboration to completed, which unlocks
// review submission for its accepted application.
func (s *Service) Complete(ctx context.Context, collabID, actorID string) (Record, error) {
	if collabID == "" {
		return Record{}, fmt.Errorf("collaboration: missing collaboration id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("collaboration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, collabID)
	if err != nil {
		return Record{}, err
	}
	if rec.BrandID != actorID {
		return Record{}, ErrForbidden
	}
	if rec.Phase != PhaseInProgress {
		return Record{}, ErrInvalidPhase
	}

	updated, err := s.repo.SetPhase(ctx, tx, collabID, PhaseCompleted)
	if err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, collabID, "COLLABORATION_COMPLETED", actorID, map[string]any{
		"previous_phase": rec.Phase,
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "collaboration.completed", map[string]any{
		"collaboration_id": collabID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("collaboration: commit complete: %w", err)
	}

	return updated, nil
}

// ReleaseFunds pays the escrow out to the accepted creator once the
// collaboration is completed. An open dispute freezes the escrow: the release
// fails and must be retried after the dispute resolves.
func (s *Service) ReleaseFunds(ctx context.Context, collabID, actorID string) (Record, error) {
	if collabID == "" {
		return Record{}, fmt.Errorf("collaboration: missing collaboration id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("collaboration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, collabID)
	if err != nil {
		return Record{}, err
	}
	if rec.BrandID != actorID {
		return Record{}, ErrForbidden
	}

	disputed, err := s.repo.HasOpenDispute(ctx, tx, collabID)
	if err != nil {
		return Record{}, err
	}
	if disputed || rec.Phase == PhaseDisputed {
		return Record{}, ErrFundsFrozen
	}

	if rec.Phase != PhaseCompleted {
		return Record{}, ErrInvalidPhase
	}
	if rec.EscrowState != EscrowHeld {
		return Record{}, ErrEscrowAlreadyReleased
	}

	if err := s.repo.SetEscrowState(ctx, tx, collabID, EscrowReleasedToCreator); err != nil {
		return Record{}, err
	}

	if err := s.timeline.Append(ctx, tx, collabID, "ESCROW_RELEASED", actorID, map[string]any{
		"amount_cents": rec.EscrowAmountCents,
		"released_to":  "creator",
	}); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "escrow.released", map[string]any{
		"collaboration_id": collabID,
		"amount_cents":     rec.EscrowAmountCents,
		"released_to":      "creator",
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("collaboration: commit release: %w", err)
	}

	rec.EscrowState = EscrowReleasedToCreator
	return rec, nil
}
