package review

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDoubleBlindReveal_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the end-to-end repository + service behavior: hidden first submission,
// durable timer, timeout reveal, and the pair reveal on the second submission.
func TestDoubleBlindReveal_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "reviews") || !tableExists(ctx, t, pool, "reveal_jobs") || !tableExists(ctx, t, pool, "timeline_events") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply migrations/*.sql against $DATABASE_URL")
	}

	var (
		brandID       string
		creatorID     string
		collabID      string
		applicationID string
	)

	mustQueryRow := func(query string, args ...any) pgx.Row {
		return pool.QueryRow(ctx, query, args...)
	}

	if err := mustQueryRow(`INSERT INTO users (email, full_name, role) VALUES ($1, 'Brand Itest', 'brand') RETURNING id`,
		fmt.Sprintf("brand+%d@example.com", time.Now().UnixNano())).Scan(&brandID); err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO users (email, full_name, role) VALUES ($1, 'Creator Itest', 'creator') RETURNING id`,
		fmt.Sprintf("creator+%d@example.com", time.Now().UnixNano())).Scan(&creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if err := mustQueryRow(`
        INSERT INTO collaborations (brand_id, title, phase, escrow_amount_cents)
        VALUES ($1, 'Integration Campaign', 'completed', 100000) RETURNING id
    `, brandID).Scan(&collabID); err != nil {
		t.Fatalf("seed collaboration: %v", err)
	}
	if err := mustQueryRow(`
        INSERT INTO applications (collaboration_id, creator_id, state, decided_at)
        VALUES ($1, $2, 'accepted', now()) RETURNING id
    `, collabID, creatorID).Scan(&applicationID); err != nil {
		t.Fatalf("seed application: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE collaboration_id = $1`, collabID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'application_id' = $1`, applicationID)
		pool.Exec(ctx2, `DELETE FROM reveal_jobs WHERE application_id = $1`, applicationID)
		pool.Exec(ctx2, `DELETE FROM reviews WHERE application_id = $1`, applicationID)
		pool.Exec(ctx2, `DELETE FROM applications WHERE id = $1`, applicationID)
		pool.Exec(ctx2, `DELETE FROM collaborations WHERE id = $1`, collabID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, brandID, creatorID)
	})

	svc := NewService(pool, nil).WithRevealWindow(time.Second)

	// First submission stays hidden and arms the timer.
	first, err := svc.Submit(ctx, SubmitParams{
		ApplicationID: applicationID,
		AuthorID:      brandID,
		Rating:        5,
		Comment:       "professional and on time",
	})
	if err != nil {
		t.Fatalf("submit first review: %v", err)
	}
	if first.PairRevealed {
		t.Fatalf("first review must not reveal the pair")
	}

	var revealState string
	if err := mustQueryRow(`SELECT reveal_state FROM reviews WHERE id = $1`, first.Review.ID).Scan(&revealState); err != nil {
		t.Fatalf("verify first review: %v", err)
	}
	if revealState != "hidden" {
		t.Fatalf("expected first review hidden, got %q", revealState)
	}

	var jobState string
	if err := mustQueryRow(`SELECT state FROM reveal_jobs WHERE application_id = $1`, applicationID).Scan(&jobState); err != nil {
		t.Fatalf("verify reveal job: %v", err)
	}
	if jobState != "pending" {
		t.Fatalf("expected pending reveal job, got %q", jobState)
	}

	// The counterparty must not see the hidden review; the author must.
	creatorView, err := svc.ListForApplication(ctx, applicationID, creatorID)
	if err != nil {
		t.Fatalf("list as creator: %v", err)
	}
	if len(creatorView) != 0 {
		t.Fatalf("expected hidden review to be invisible to counterparty, got %d rows", len(creatorView))
	}
	brandView, err := svc.ListForApplication(ctx, applicationID, brandID)
	if err != nil {
		t.Fatalf("list as brand: %v", err)
	}
	if len(brandView) != 1 {
		t.Fatalf("expected author to see own hidden review, got %d rows", len(brandView))
	}

	// Let the shortened window lapse, then fire the durable timer.
	time.Sleep(1500 * time.Millisecond)
	sched := NewScheduler(pool, NewRepository(pool), time.Minute)
	handled, err := sched.RunDue(ctx)
	if err != nil {
		t.Fatalf("run due reveal jobs: %v", err)
	}
	if handled != 1 {
		t.Fatalf("expected 1 handled reveal job, got %d", handled)
	}

	if err := mustQueryRow(`SELECT reveal_state FROM reviews WHERE id = $1`, first.Review.ID).Scan(&revealState); err != nil {
		t.Fatalf("verify timeout reveal: %v", err)
	}
	if revealState != "revealed" {
		t.Fatalf("expected review revealed after timeout, got %q", revealState)
	}
	if err := mustQueryRow(`SELECT state FROM reveal_jobs WHERE application_id = $1`, applicationID).Scan(&jobState); err != nil {
		t.Fatalf("verify job completion: %v", err)
	}
	if jobState != "done" {
		t.Fatalf("expected done reveal job, got %q", jobState)
	}

	// A late second submission still completes the pair.
	second, err := svc.Submit(ctx, SubmitParams{
		ApplicationID: applicationID,
		AuthorID:      creatorID,
		Rating:        4,
	})
	if err != nil {
		t.Fatalf("submit second review: %v", err)
	}
	if !second.PairRevealed {
		t.Fatalf("second review must reveal the pair")
	}

	var hiddenCount int
	if err := mustQueryRow(`SELECT COUNT(*) FROM reviews WHERE application_id = $1 AND reveal_state = 'hidden'`, applicationID).Scan(&hiddenCount); err != nil {
		t.Fatalf("verify pair reveal: %v", err)
	}
	if hiddenCount != 0 {
		t.Fatalf("expected no hidden reviews after pair completion, got %d", hiddenCount)
	}

	var outCount int
	if err := mustQueryRow(`SELECT COUNT(*) FROM outbox WHERE topic IN ('review.timeout_revealed', 'review.pair_revealed') AND payload->>'application_id' = $1`, applicationID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 2 {
		t.Fatalf("expected 2 outbox messages, got %d", outCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
