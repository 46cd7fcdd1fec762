package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("application: not found")
	// ErrDuplicateApplication signals the creator already applied to this collaboration.
	ErrDuplicateApplication = errors.New("application: creator already applied")
)

const columns = `id, collaboration_id, creator_id, state::text, message, created_at, decided_at`

// Repository defines the data access used by the application service and the
// review engine's party checks.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListForCollaboration(ctx context.Context, collabID string) ([]Record, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, state State) (Record, error)
	RejectSiblings(ctx context.Context, tx pgx.Tx, collabID, acceptedID string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO applications (id, collaboration_id, creator_id, message)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
		RETURNING ` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query, rec.ID, rec.CollaborationID, rec.CreatorID, rec.Message))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateApplication
		}
		return Record{}, fmt.Errorf("application: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM applications WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("application: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM applications WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("application: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForCollaboration(ctx context.Context, collabID string) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM applications WHERE collaboration_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, collabID)
	if err != nil {
		return nil, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("application: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetState(ctx context.Context, tx pgx.Tx, id string, state State) (Record, error) {
	query := `
		UPDATE applications
		SET state = $2::application_state,
		    decided_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, state))
	if err != nil {
		return Record{}, fmt.Errorf("application: set state: %w", err)
	}
	return rec, nil
}

// RejectSiblings closes out every other applied application once one is accepted.
func (r *PGRepository) RejectSiblings(ctx context.Context, tx pgx.Tx, collabID, acceptedID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET state = 'rejected',
		    decided_at = get_tx_timestamp()
		WHERE collaboration_id = $1
		  AND id <> $2
		  AND state = 'applied'
	`, collabID, acceptedID); err != nil {
		return fmt.Errorf("application: reject siblings: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.CollaborationID,
		&rec.CreatorID,
		&rec.State,
		&rec.Message,
		&rec.CreatedAt,
		&rec.DecidedAt,
	)
}
