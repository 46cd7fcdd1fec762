package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyDisputed signals an open dispute already exists for the collaboration.
	ErrAlreadyDisputed = errors.New("dispute: collaboration already disputed")
	// ErrAlreadyResolved signals the dispute has already been resolved.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

const columns = `id, collaboration_id, opener_id, opener_role::text, reason::text, details, state::text, outcome, prior_phase::text, opened_at, resolved_at`

// Repository defines the data access required by the arbitration state machine.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListForCollaboration(ctx context.Context, collabID string) ([]Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, id, outcome string) (Record, error)
	AcceptedCreator(ctx context.Context, tx pgx.Tx, collabID string) (string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (id, collaboration_id, opener_id, opener_role, reason, details, prior_phase)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING ` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID, rec.CollaborationID, rec.OpenerID, rec.OpenerRole, rec.Reason, rec.Details, rec.PriorPhase))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyDisputed
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForCollaboration(ctx context.Context, collabID string) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE collaboration_id = $1 ORDER BY opened_at DESC`

	rows, err := r.pool.Query(ctx, query, collabID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id, outcome string) (Record, error) {
	query := `
		UPDATE disputes
		SET state = 'resolved',
		    outcome = $2,
		    resolved_at = get_tx_timestamp()
		WHERE id = $1
		  AND state = 'open'
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, outcome))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyResolved
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// AcceptedCreator returns the creator of the accepted application, or ""
// when the collaboration has none.
func (r *PGRepository) AcceptedCreator(ctx context.Context, tx pgx.Tx, collabID string) (string, error) {
	var creatorID string
	err := tx.QueryRow(ctx, `
		SELECT creator_id
		FROM applications
		WHERE collaboration_id = $1 AND state = 'accepted'
	`, collabID).Scan(&creatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("dispute: load accepted creator: %w", err)
	}
	return creatorID, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.CollaborationID,
		&rec.OpenerID,
		&rec.OpenerRole,
		&rec.Reason,
		&rec.Details,
		&rec.State,
		&rec.Outcome,
		&rec.PriorPhase,
		&rec.OpenedAt,
		&rec.ResolvedAt,
	)
}
