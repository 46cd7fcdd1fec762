package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("review: not found")
	// ErrDuplicateSubmission signals a second review from the same author role.
	ErrDuplicateSubmission = errors.New("review: duplicate submission for author role")
	// ErrApplicationNotFound signals the referenced application does not exist.
	ErrApplicationNotFound = errors.New("review: application not found")
)

const columns = `id, application_id, author_id, author_role::text, rating, comment, reveal_state::text, submitted_at, revealed_at`

// ApplicationContext is the slice of application + collaboration state the
// submit transaction branches on, read under the application row lock.
type ApplicationContext struct {
	ApplicationID   string
	CollaborationID string
	CreatorID       string
	BrandID         string
	ApplicationState string
	Phase           string
}

// Repository defines the data access required by the reveal engine.
type Repository interface {
	GetApplicationContext(ctx context.Context, tx pgx.Tx, applicationID string) (ApplicationContext, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	CountForApplication(ctx context.Context, tx pgx.Tx, applicationID string) (int, error)
	RevealHidden(ctx context.Context, tx pgx.Tx, applicationID string) (int64, error)
	ScheduleReveal(ctx context.Context, tx pgx.Tx, applicationID string, runAt time.Time) error
	PendingFor(ctx context.Context, userID string) ([]PendingItem, error)
	ListForApplication(ctx context.Context, applicationID string) ([]Record, error)
	DueJobs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, tx pgx.Tx, applicationID string) error
	BumpJobAttempts(ctx context.Context, applicationID string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetApplicationContext locks the application row for the transaction. The
// lock serializes concurrent submissions and the reveal timer for the same
// application, which is what makes the pair evaluation race-free.
func (r *PGRepository) GetApplicationContext(ctx context.Context, tx pgx.Tx, applicationID string) (ApplicationContext, error) {
	const query = `
		SELECT a.id, c.id, a.creator_id, c.brand_id, a.state::text, c.phase::text
		FROM applications a
		JOIN collaborations c ON c.id = a.collaboration_id
		WHERE a.id = $1
		FOR UPDATE OF a
	`

	var actx ApplicationContext
	err := tx.QueryRow(ctx, query, applicationID).Scan(
		&actx.ApplicationID,
		&actx.CollaborationID,
		&actx.CreatorID,
		&actx.BrandID,
		&actx.ApplicationState,
		&actx.Phase,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApplicationContext{}, ErrApplicationNotFound
		}
		return ApplicationContext{}, fmt.Errorf("review: load application context: %w", err)
	}
	return actx, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO reviews (id, application_id, author_id, author_role, rating, comment)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
		RETURNING ` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID, rec.ApplicationID, rec.AuthorID, rec.AuthorRole, rec.Rating, rec.Comment))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateSubmission
		}
		return Record{}, fmt.Errorf("review: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) CountForApplication(ctx context.Context, tx pgx.Tx, applicationID string) (int, error) {
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reviews WHERE application_id = $1`, applicationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("review: count for application: %w", err)
	}
	return count, nil
}

// RevealHidden flips every still-hidden review of the application to revealed
// in one statement, so the pair becomes visible in a single observable step.
// Already-revealed reviews are untouched: a late second submission never
// re-hides a timeout-revealed one.
func (r *PGRepository) RevealHidden(ctx context.Context, tx pgx.Tx, applicationID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE reviews
		SET reveal_state = 'revealed',
		    revealed_at = get_tx_timestamp()
		WHERE application_id = $1
		  AND reveal_state = 'hidden'
	`, applicationID)
	if err != nil {
		return 0, fmt.Errorf("review: reveal hidden: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ScheduleReveal records the durable timeout timer. ON CONFLICT keeps the
// original due time if a job already exists for the application.
func (r *PGRepository) ScheduleReveal(ctx context.Context, tx pgx.Tx, applicationID string, runAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO reveal_jobs (application_id, run_at)
		VALUES ($1, $2)
		ON CONFLICT (application_id) DO NOTHING
	`, applicationID, runAt); err != nil {
		return fmt.Errorf("review: schedule reveal: %w", err)
	}
	return nil
}

// PendingFor returns every completed participation the user has not yet
// reviewed, newest first.
func (r *PGRepository) PendingFor(ctx context.Context, userID string) ([]PendingItem, error) {
	const query = `
		SELECT a.id, c.id, c.title,
		       CASE WHEN c.brand_id = $1 THEN 'brand' ELSE 'creator' END,
		       CASE WHEN c.brand_id = $1 THEN a.creator_id ELSE c.brand_id END,
		       c.updated_at
		FROM applications a
		JOIN collaborations c ON c.id = a.collaboration_id
		WHERE a.state = 'accepted'
		  AND c.phase = 'completed'
		  AND (c.brand_id = $1 OR a.creator_id = $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM reviews r
		      WHERE r.application_id = a.id
		        AND r.author_role = (CASE WHEN c.brand_id = $1 THEN 'brand' ELSE 'creator' END)::review_author
		  )
		ORDER BY c.updated_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("review: pending for: %w", err)
	}
	defer rows.Close()

	out := make([]PendingItem, 0, 8)
	for rows.Next() {
		var item PendingItem
		if err := rows.Scan(&item.ApplicationID, &item.CollaborationID, &item.Title, &item.Role, &item.CounterpartyID, &item.CompletedAt); err != nil {
			return nil, fmt.Errorf("review: scan pending: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate pending: %w", err)
	}
	return out, nil
}

// ListForApplication returns the up-to-two reviews tied to an application.
func (r *PGRepository) ListForApplication(ctx context.Context, applicationID string) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM reviews WHERE application_id = $1 ORDER BY submitted_at ASC`

	rows, err := r.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 2)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

// DueJobs claims pending jobs past their due time. SKIP LOCKED keeps
// concurrent scheduler replicas from double-firing the same timer.
func (r *PGRepository) DueJobs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := tx.Query(ctx, `
		SELECT application_id, run_at, attempts
		FROM reveal_jobs
		WHERE state = 'pending' AND run_at <= $1
		ORDER BY run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("review: claim due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ApplicationID, &job.RunAt, &job.Attempts); err != nil {
			return nil, fmt.Errorf("review: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate jobs: %w", err)
	}
	return jobs, nil
}

func (r *PGRepository) CompleteJob(ctx context.Context, tx pgx.Tx, applicationID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE reveal_jobs
		SET state = 'done',
		    completed_at = get_tx_timestamp()
		WHERE application_id = $1
	`, applicationID); err != nil {
		return fmt.Errorf("review: complete job: %w", err)
	}
	return nil
}

// BumpJobAttempts records a failed scheduler pass outside the batch
// transaction so the counter survives the rollback.
func (r *PGRepository) BumpJobAttempts(ctx context.Context, applicationID string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE reveal_jobs SET attempts = attempts + 1 WHERE application_id = $1
	`, applicationID); err != nil {
		return fmt.Errorf("review: bump attempts: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.ApplicationID,
		&rec.AuthorID,
		&rec.AuthorRole,
		&rec.Rating,
		&rec.Comment,
		&rec.RevealState,
		&rec.SubmittedAt,
		&rec.RevealedAt,
	)
}
