package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"collabflow/test/actors"
	"collabflow/test/chaos"
	"collabflow/test/infra"
	"collabflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestCollabConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// both sides of each pair racing to flip the reveal
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Reviewer(ctx2, pool, seedData.applicationID, seedData.brandID, "brand", stop)
		})
		g.Go(func() error {
			return actors.Reviewer(ctx2, pool, seedData.applicationID, seedData.creatorID, "creator", stop)
		})
	}

	// lifecycle drivers
	g.Go(func() error { return actors.Completer(ctx2, pool, seedData.collabID, seedData.brandID, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, pool, seedData.collabID, seedData.brandID, stop) })
	// dispute and cancellation racing on the same collaboration
	g.Go(func() error {
		return actors.Disputer(ctx2, pool, seedData.collabID, seedData.brandID, "brand", stop)
	})
	g.Go(func() error {
		return actors.Disputer(ctx2, pool, seedData.collabID, seedData.creatorID, "creator", stop)
	})
	g.Go(func() error { return actors.Arbiter(ctx2, pool, seedData.adminID, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, pool, seedData.collabID, seedData.creatorID, stop) })
	g.Go(func() error { return actors.CancelArbiter(ctx2, pool, stop) })
	// timer racing pair reveal
	g.Go(func() error { return actors.TimeoutRevealer(ctx2, pool, stop) })
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	brandID       string
	creatorID     string
	adminID       string
	collabID      string
	applicationID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Stress Brand','brand') RETURNING id`, fmt.Sprintf("brand%d@example.com", rand.Int63())).Scan(&s.brandID); err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Stress Creator','creator') RETURNING id`, fmt.Sprintf("creator%d@example.com", rand.Int63())).Scan(&s.creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Stress Admin','admin') RETURNING id`, fmt.Sprintf("admin%d@example.com", rand.Int63())).Scan(&s.adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	// accepted collaboration already in flight
	if err := pool.QueryRow(ctx, `INSERT INTO collaborations (brand_id, title, description, phase, escrow_amount_cents)
                                   VALUES ($1,'Stress Campaign','seeded','in_progress',250000) RETURNING id`, s.brandID).Scan(&s.collabID); err != nil {
		t.Fatalf("seed collaboration: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO applications (collaboration_id, creator_id, state, message, decided_at)
                                   VALUES ($1,$2,'accepted','stress pitch',now()) RETURNING id`, s.collabID, s.creatorID).Scan(&s.applicationID); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"collaborations", `SELECT id, phase, escrow_state, messaging_enabled, updated_at FROM collaborations ORDER BY updated_at DESC LIMIT 20`},
		{"reviews", `SELECT id, application_id, author_role, reveal_state, submitted_at FROM reviews ORDER BY submitted_at DESC LIMIT 50`},
		{"reveal_jobs", `SELECT application_id, state, attempts, run_at, completed_at FROM reveal_jobs ORDER BY created_at DESC LIMIT 50`},
		{"disputes", `SELECT id, collaboration_id, state, outcome, opened_at FROM disputes ORDER BY opened_at DESC LIMIT 50`},
		{"cancellation_requests", `SELECT id, collaboration_id, state, outcome, requested_at FROM cancellation_requests ORDER BY requested_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, collaboration_id, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
