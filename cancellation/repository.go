package cancellation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("cancellation: not found")
	// ErrPendingRequestExists signals a pending request already exists for the collaboration.
	ErrPendingRequestExists = errors.New("cancellation: pending request exists")
	// ErrAlreadyResolved signals the request has already been resolved.
	ErrAlreadyResolved = errors.New("cancellation: already resolved")
)

const columns = `id, collaboration_id, requester_id, reason::text, details, outcome::text, state::text, requested_at, resolved_at`

// Repository defines the data access used by the policy engine.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListForCollaboration(ctx context.Context, collabID string) ([]Record, error)
	IsParty(ctx context.Context, tx pgx.Tx, collabID, userID string) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO cancellation_requests (id, collaboration_id, requester_id, reason, details, outcome, state, resolved_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7,
		        CASE WHEN $7 = 'resolved' THEN get_tx_timestamp() END)
		RETURNING ` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID, rec.CollaborationID, rec.RequesterID, rec.Reason, rec.Details, rec.Outcome, rec.State))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrPendingRequestExists
		}
		return Record{}, fmt.Errorf("cancellation: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM cancellation_requests WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("cancellation: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM cancellation_requests WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("cancellation: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `
		UPDATE cancellation_requests
		SET state = 'resolved',
		    resolved_at = get_tx_timestamp()
		WHERE id = $1
		  AND state = 'pending'
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyResolved
		}
		return Record{}, fmt.Errorf("cancellation: resolve: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForCollaboration(ctx context.Context, collabID string) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM cancellation_requests WHERE collaboration_id = $1 ORDER BY requested_at DESC`

	rows, err := r.pool.Query(ctx, query, collabID)
	if err != nil {
		return nil, fmt.Errorf("cancellation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("cancellation: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cancellation: iterate: %w", err)
	}
	return out, nil
}

// IsParty reports whether the user has applied to the collaboration as a
// creator, in any state.
func (r *PGRepository) IsParty(ctx context.Context, tx pgx.Tx, collabID, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM applications
			WHERE collaboration_id = $1 AND creator_id = $2
		)
	`, collabID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("cancellation: check party: %w", err)
	}
	return exists, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.CollaborationID,
		&rec.RequesterID,
		&rec.Reason,
		&rec.Details,
		&rec.Outcome,
		&rec.State,
		&rec.RequestedAt,
		&rec.ResolvedAt,
	)
}
