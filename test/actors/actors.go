package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func benign(err error) bool {
	if err == nil {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique violations and serialization failures are expected under contention,
		// admin shutdown comes from the chaos killer
		return pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "57P01"
	}
	// chaos-terminated backends surface as broken connections
	return true
}

// Completer flips collaborations from in_progress to completed, idempotently.
func Completer(ctx context.Context, pool *pgxpool.Pool, collabID, brandID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var phase string
		err = tx.QueryRow(ctx, `SELECT phase FROM collaborations WHERE id=$1 FOR UPDATE`, collabID).Scan(&phase)
		if err == nil && phase == "in_progress" {
			_, err = tx.Exec(ctx, `UPDATE collaborations SET phase='completed', updated_at=now() WHERE id=$1`, collabID)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (collaboration_id, type, actor_id) VALUES ($1,'COLLABORATION_COMPLETED',$2)`, collabID, brandID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('collaboration.completed', jsonb_build_object('collaboration_id',$1::text))`, collabID)
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Reviewer submits a review for one side of the pair. The second committed review
// must flip both rows to revealed in the same transaction.
func Reviewer(ctx context.Context, pool *pgxpool.Pool, applicationID, authorID, authorRole string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := submitOnce(ctx, pool, applicationID, authorID, authorRole); !benign(err) {
			return err
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

func submitOnce(ctx context.Context, pool *pgxpool.Pool, applicationID, authorID, authorRole string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var collabID, phase string
	err = tx.QueryRow(ctx, `SELECT c.id, c.phase FROM collaborations c
                             JOIN applications a ON a.collaboration_id = c.id
                             WHERE a.id=$1 FOR UPDATE OF c`, applicationID).Scan(&collabID, &phase)
	if err != nil || phase != "completed" {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO reviews (application_id, author_id, author_role, rating, comment)
                            VALUES ($1,$2,$3,$4,'stress review')`,
		applicationID, authorID, authorRole, 1+rand.Intn(5))
	if err != nil {
		return err
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reviews WHERE application_id=$1`, applicationID).Scan(&count); err != nil {
		return err
	}
	if count >= 2 {
		if _, err := tx.Exec(ctx, `UPDATE reviews SET reveal_state='revealed', revealed_at=now() WHERE application_id=$1 AND reveal_state='hidden'`, applicationID); err != nil {
			return err
		}
		_, _ = tx.Exec(ctx, `UPDATE reveal_jobs SET state='done', completed_at=now() WHERE application_id=$1 AND state='pending'`, applicationID)
		_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('review.pair_revealed', jsonb_build_object('application_id',$1::text))`, applicationID)
	} else {
		if _, err := tx.Exec(ctx, `INSERT INTO reveal_jobs (application_id, run_at) VALUES ($1, now() + interval '14 days') ON CONFLICT DO NOTHING`, applicationID); err != nil {
			return err
		}
	}
	_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (collaboration_id, type, actor_id) VALUES ($1,'REVIEW_SUBMITTED',$2)`, collabID, authorID)
	return tx.Commit(ctx)
}

// TimeoutRevealer fires pending reveal timers. The horizon is pushed past the reveal
// window so timeouts race pair reveals instead of waiting two weeks.
func TimeoutRevealer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT application_id FROM reveal_jobs
                                     WHERE state='pending' AND run_at <= now() + interval '15 days'
                                     FOR UPDATE SKIP LOCKED LIMIT 5`)
		if err != nil {
			_ = tx.Rollback(ctx)
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		apps := make([]string, 0, 5)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			apps = append(apps, id)
		}
		rows.Close()
		for _, id := range apps {
			_, _ = tx.Exec(ctx, `UPDATE reviews SET reveal_state='revealed', revealed_at=now() WHERE application_id=$1 AND reveal_state='hidden'`, id)
			_, _ = tx.Exec(ctx, `UPDATE reveal_jobs SET state='done', completed_at=now() WHERE application_id=$1`, id)
			_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('review.timeout_revealed', jsonb_build_object('application_id',$1::text))`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(150 * time.Millisecond)
	}
}

// Disputer tries to freeze in_progress collaborations; the partial unique index
// makes concurrent opens lose with 23505.
func Disputer(ctx context.Context, pool *pgxpool.Pool, collabID, openerID, openerRole string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var phase string
		err = tx.QueryRow(ctx, `SELECT phase FROM collaborations WHERE id=$1 FOR UPDATE`, collabID).Scan(&phase)
		if err == nil && phase == "in_progress" {
			_, err = tx.Exec(ctx, `INSERT INTO disputes (collaboration_id, opener_id, opener_role, reason, details, prior_phase)
                                    VALUES ($1,$2,$3,'quality_issues','stress dispute',$4)`, collabID, openerID, openerRole, phase)
			if err == nil {
				_, _ = tx.Exec(ctx, `UPDATE collaborations SET phase='disputed', messaging_enabled=false, updated_at=now() WHERE id=$1`, collabID)
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (collaboration_id, type, actor_id) VALUES ($1,'DISPUTE_OPENED',$2)`, collabID, openerID)
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Arbiter resolves open disputes with a random disposition.
func Arbiter(ctx context.Context, pool *pgxpool.Pool, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var dispID, collabID string
		err = tx.QueryRow(ctx, `SELECT id, collaboration_id FROM disputes WHERE state='open' FOR UPDATE SKIP LOCKED LIMIT 1`).Scan(&dispID, &collabID)
		if err == nil {
			if rand.Intn(2) == 0 {
				_, err = tx.Exec(ctx, `UPDATE disputes SET state='resolved', outcome='release_to_creator: stress', resolved_at=now() WHERE id=$1`, dispID)
				if err == nil {
					_, _ = tx.Exec(ctx, `UPDATE collaborations SET phase='completed', escrow_state='released_to_creator', messaging_enabled=true, updated_at=now() WHERE id=$1`, collabID)
				}
			} else {
				_, err = tx.Exec(ctx, `UPDATE disputes SET state='resolved', outcome='refund_to_brand: stress', resolved_at=now() WHERE id=$1`, dispID)
				if err == nil {
					_, _ = tx.Exec(ctx, `UPDATE collaborations SET phase='cancelled', escrow_state='released_to_brand', messaging_enabled=true, updated_at=now() WHERE id=$1`, collabID)
				}
			}
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (collaboration_id, type, actor_id) VALUES ($1,'DISPUTE_RESOLVED',$2)`, collabID, adminID)
				err = tx.Commit(ctx)
			}
		} else if errors.Is(err, pgx.ErrNoRows) {
			err = nil
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond)
	}
}

// Canceller requests cancellations. An in_progress collaboration yields a pending
// request for admin review, a still-open one refunds immediately.
func Canceller(ctx context.Context, pool *pgxpool.Pool, collabID, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var phase string
		err = tx.QueryRow(ctx, `SELECT phase FROM collaborations WHERE id=$1 FOR UPDATE`, collabID).Scan(&phase)
		if err == nil {
			switch phase {
			case "open":
				_, err = tx.Exec(ctx, `INSERT INTO cancellation_requests (collaboration_id, requester_id, reason, outcome, state, resolved_at)
                                        VALUES ($1,$2,'mutual_agreement','immediate_refund','resolved',now())`, collabID, requesterID)
				if err == nil {
					_, _ = tx.Exec(ctx, `UPDATE collaborations SET phase='cancelled', escrow_state='released_to_brand', updated_at=now() WHERE id=$1`, collabID)
					err = tx.Commit(ctx)
				}
			case "in_progress":
				_, err = tx.Exec(ctx, `INSERT INTO cancellation_requests (collaboration_id, requester_id, reason, outcome)
                                        VALUES ($1,$2,'timeline_conflict','pending_admin_review')`, collabID, requesterID)
				if err == nil {
					err = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(120+rand.Intn(200)) * time.Millisecond)
	}
}

// CancelArbiter resolves pending cancellation requests. Approval cancels and refunds
// only while the collaboration is still in_progress; anything else is a deny.
func CancelArbiter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var reqID, collabID string
		err = tx.QueryRow(ctx, `SELECT id, collaboration_id FROM cancellation_requests WHERE state='pending' FOR UPDATE SKIP LOCKED LIMIT 1`).Scan(&reqID, &collabID)
		if err == nil {
			var phase string
			err = tx.QueryRow(ctx, `SELECT phase FROM collaborations WHERE id=$1 FOR UPDATE`, collabID).Scan(&phase)
			if err == nil {
				if rand.Intn(2) == 0 && phase == "in_progress" {
					_, err = tx.Exec(ctx, `UPDATE cancellation_requests SET state='resolved', resolved_at=now() WHERE id=$1`, reqID)
					if err == nil {
						_, _ = tx.Exec(ctx, `UPDATE collaborations SET phase='cancelled', escrow_state='released_to_brand', updated_at=now() WHERE id=$1`, collabID)
					}
				} else {
					_, err = tx.Exec(ctx, `UPDATE cancellation_requests SET state='resolved', resolved_at=now() WHERE id=$1`, reqID)
				}
				if err == nil {
					err = tx.Commit(ctx)
				}
			}
		} else if errors.Is(err, pgx.ErrNoRows) {
			err = nil
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(150+rand.Intn(250)) * time.Millisecond)
	}
}

// Releaser pays out held escrow on completed collaborations unless a dispute holds it.
func Releaser(ctx context.Context, pool *pgxpool.Pool, collabID, brandID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var phase, escrow string
		err = tx.QueryRow(ctx, `SELECT phase, escrow_state FROM collaborations WHERE id=$1 FOR UPDATE`, collabID).Scan(&phase, &escrow)
		if err == nil && phase == "completed" && escrow == "held" {
			var openDispute bool
			err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE collaboration_id=$1 AND state='open')`, collabID).Scan(&openDispute)
			if err == nil && !openDispute {
				_, err = tx.Exec(ctx, `UPDATE collaborations SET escrow_state='released_to_creator', updated_at=now() WHERE id=$1`, collabID)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (collaboration_id, type, actor_id) VALUES ($1,'ESCROW_RELEASED',$2)`, collabID, brandID)
					_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.released', jsonb_build_object('collaboration_id',$1::text))`, collabID)
					err = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		if !benign(err) {
			return err
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if !benign(err) {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
