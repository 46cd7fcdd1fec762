package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("collaboration: not found")
)

const columns = `id, brand_id, title, description, phase::text, escrow_amount_cents, escrow_state::text, messaging_enabled, created_at, updated_at`

// Repository defines the data access required by the collaboration service
// and by the dispute/cancellation engines, which mutate collaborations only
// through these transactional primitives.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	List(ctx context.Context, filters Filters) ([]Record, int, error)
	SetPhase(ctx context.Context, tx pgx.Tx, id string, phase Phase) (Record, error)
	SetMessaging(ctx context.Context, tx pgx.Tx, id string, enabled bool) error
	SetEscrowState(ctx context.Context, tx pgx.Tx, id string, state EscrowState) error
	HasOpenDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO collaborations (id, brand_id, title, description, escrow_amount_cents)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5)
		RETURNING ` + columns

	row := tx.QueryRow(ctx, query, rec.ID, rec.BrandID, rec.Title, rec.Description, rec.EscrowAmountCents)
	return scanRecord(row)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM collaborations WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("collaboration: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the collaboration row for the duration of the caller's
// transaction. Every engine that branches on phase takes this lock first so
// concurrent dispute/cancellation/review decisions serialize per collaboration.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM collaborations WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("collaboration: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := `SELECT ` + columns + ` FROM collaborations`
	where := []string{"1=1"}
	args := []any{}

	if filters.BrandID != "" {
		where = append(where, fmt.Sprintf("brand_id=$%d", len(args)+1))
		args = append(args, filters.BrandID)
	}
	if filters.Phase != "" {
		where = append(where, fmt.Sprintf("phase=$%d", len(args)+1))
		args = append(args, filters.Phase)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT %d OFFSET %d", base, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("collaboration: query list: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("collaboration: iterate list: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM collaborations" + whereClause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("collaboration: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) SetPhase(ctx context.Context, tx pgx.Tx, id string, phase Phase) (Record, error) {
	query := `
		UPDATE collaborations
		SET phase = $2::collaboration_phase,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, phase))
	if err != nil {
		return Record{}, fmt.Errorf("collaboration: set phase: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) SetMessaging(ctx context.Context, tx pgx.Tx, id string, enabled bool) error {
	if _, err := tx.Exec(ctx, `
		UPDATE collaborations
		SET messaging_enabled = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, id, enabled); err != nil {
		return fmt.Errorf("collaboration: set messaging: %w", err)
	}
	return nil
}

func (r *PGRepository) SetEscrowState(ctx context.Context, tx pgx.Tx, id string, state EscrowState) error {
	if _, err := tx.Exec(ctx, `
		UPDATE collaborations
		SET escrow_state = $2::escrow_state,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, id, state); err != nil {
		return fmt.Errorf("collaboration: set escrow state: %w", err)
	}
	return nil
}

// HasOpenDispute reports whether an open dispute exists for the collaboration.
// Callers hold the collaboration row lock, so the answer stays valid for the
// rest of their transaction.
func (r *PGRepository) HasOpenDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM disputes WHERE collaboration_id = $1 AND state = 'open')
	`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("collaboration: check open dispute: %w", err)
	}
	return exists, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.BrandID,
		&rec.Title,
		&rec.Description,
		&rec.Phase,
		&rec.EscrowAmountCents,
		&rec.EscrowState,
		&rec.MessagingEnabled,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}
