package review

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

// RevealWindow is how long a lone review stays hidden before it is revealed
// unilaterally.
const RevealWindow = 14 * 24 * time.Hour

var (
	// ErrInvalidRating signals a rating outside [1,5].
	ErrInvalidRating = errors.New("review: rating must be an integer between 1 and 5")
	// ErrForbidden signals the author is not a party to the application.
	ErrForbidden = errors.New("review: forbidden")
	// ErrNotReviewable signals the collaboration is not in a reviewable state.
	ErrNotReviewable = errors.New("review: collaboration not completed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the reveal engine: it owns the single idempotent
// evaluate-pair-then-reveal transition that runs after every review write.
type Service struct {
	pool         TxBeginner
	repo         Repository
	timeline     collaboration.TimelineWriter
	outbox       collaboration.OutboxWriter
	idGenerator  func() string
	now          func() time.Time
	revealWindow time.Duration
}

type SubmitParams struct {
	ApplicationID string
	AuthorID      string
	AuthorRole    AuthorRole
	Rating        int
	Comment       string
}

// SubmitResult reports the persisted review and whether this submission
// completed the pair and revealed both sides.
type SubmitResult struct {
	Review       Record
	PairRevealed bool
}

func NewService(pool *pgxpool.Pool, repo Repository) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		timeline:     collaboration.Timeline{},
		outbox:       collaboration.Outbox{},
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
		revealWindow: RevealWindow,
	}
}

// NewServiceWithDeps wires explicit collaborators; used by tests.
func NewServiceWithDeps(pool TxBeginner, repo Repository, timeline collaboration.TimelineWriter, outbox collaboration.OutboxWriter) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		timeline:     timeline,
		outbox:       outbox,
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
		revealWindow: RevealWindow,
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

func (s *Service) WithRevealWindow(d time.Duration) *Service {
	s.revealWindow = d
	return s
}

// Submit persists a hidden review and evaluates the pair in the same
// transaction. When both author roles are in, every hidden review of the
// application flips to revealed in the same statement, so neither party's
// review is ever visible before their own is persisted. A first submission
// also arms the durable reveal timer.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if params.ApplicationID == "" {
		return SubmitResult{}, fmt.Errorf("review: missing application id")
	}
	if params.AuthorID == "" {
		return SubmitResult{}, fmt.Errorf("review: missing author id")
	}
	if params.Rating < 1 || params.Rating > 5 {
		return SubmitResult{}, ErrInvalidRating
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	actx, err := s.repo.GetApplicationContext(ctx, tx, params.ApplicationID)
	if err != nil {
		return SubmitResult{}, err
	}

	role, err := authorRoleFor(actx, params.AuthorID)
	if err != nil {
		return SubmitResult{}, err
	}
	if params.AuthorRole != "" && params.AuthorRole != role {
		return SubmitResult{}, ErrForbidden
	}
	if actx.ApplicationState != "accepted" || actx.Phase != string(collaboration.PhaseCompleted) {
		return SubmitResult{}, ErrNotReviewable
	}

	rec := Record{
		ID:            s.idGenerator(),
		ApplicationID: params.ApplicationID,
		AuthorID:      params.AuthorID,
		AuthorRole:    role,
		Rating:        params.Rating,
	}
	if comment := strings.TrimSpace(params.Comment); comment != "" {
		rec.Comment = &comment
	}

	created, err := s.repo.Insert(ctx, tx, rec)
	if err != nil {
		return SubmitResult{}, err
	}

	count, err := s.repo.CountForApplication(ctx, tx, params.ApplicationID)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Review: created}
	switch {
	case count >= 2:
		if _, err := s.repo.RevealHidden(ctx, tx, params.ApplicationID); err != nil {
			return SubmitResult{}, err
		}
		result.PairRevealed = true
		result.Review.RevealState = RevealRevealed
		if err := s.outbox.Enqueue(ctx, tx, "review.pair_revealed", map[string]any{
			"application_id":   params.ApplicationID,
			"collaboration_id": actx.CollaborationID,
		}); err != nil {
			return SubmitResult{}, err
		}
	default:
		// First submission arms the timeout. The job is keyed by application,
		// so a replay cannot shorten or extend the original window.
		if err := s.repo.ScheduleReveal(ctx, tx, params.ApplicationID, created.SubmittedAt.Add(s.revealWindow)); err != nil {
			return SubmitResult{}, err
		}
	}

	if err := s.timeline.Append(ctx, tx, actx.CollaborationID, "REVIEW_SUBMITTED", params.AuthorID, map[string]any{
		"application_id": params.ApplicationID,
		"author_role":    role,
		"pair_revealed":  result.PairRevealed,
	}); err != nil {
		return SubmitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("review: commit tx: %w", err)
	}

	return result, nil
}

// PendingFor returns every completed-but-unreviewed participation for the
// user, newest first. Bounded by the user's participation count, so it is
// deliberately unpaginated.
func (s *Service) PendingFor(ctx context.Context, userID string) ([]PendingItem, error) {
	if userID == "" {
		return nil, fmt.Errorf("review: missing user id")
	}
	return s.repo.PendingFor(ctx, userID)
}

// ListForApplication returns the reviews of one application. Hidden reviews
// are visible only to their author.
func (s *Service) ListForApplication(ctx context.Context, applicationID, callerID string) ([]Record, error) {
	reviews, err := s.repo.ListForApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	visible := make([]Record, 0, len(reviews))
	for _, rec := range reviews {
		if rec.RevealState == RevealRevealed || rec.AuthorID == callerID {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

func authorRoleFor(actx ApplicationContext, authorID string) (AuthorRole, error) {
	switch authorID {
	case actx.BrandID:
		return AuthorBrand, nil
	case actx.CreatorID:
		return AuthorCreator, nil
	default:
		return "", ErrForbidden
	}
}
