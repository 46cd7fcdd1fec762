package review

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabflow/collaboration"
	"collabflow/obs"
)

// Scheduler fires the durable reveal timers. It is crash-recoverable by
// construction: due jobs live in the reveal_jobs table, so a restart picks up
// where the previous process stopped. The handler is idempotent: a pair
// already revealed by pairing leaves nothing hidden to flip.
type Scheduler struct {
	pool      TxBeginner
	repo      Repository
	timeline  collaboration.TimelineWriter
	outbox    collaboration.OutboxWriter
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewScheduler(pool *pgxpool.Pool, repo Repository, interval time.Duration) *Scheduler {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		pool:      pool,
		repo:      repo,
		timeline:  collaboration.Timeline{},
		outbox:    collaboration.Outbox{},
		interval:  interval,
		batchSize: 50,
		now:       time.Now,
	}
}

// NewSchedulerWithDeps wires explicit collaborators; used by tests.
func NewSchedulerWithDeps(pool TxBeginner, repo Repository, timeline collaboration.TimelineWriter, outbox collaboration.OutboxWriter) *Scheduler {
	return &Scheduler{
		pool:      pool,
		repo:      repo,
		timeline:  timeline,
		outbox:    outbox,
		interval:  time.Minute,
		batchSize: 50,
		now:       time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run polls for due jobs until the context is cancelled. Store failures are
// logged and retried on the next tick; the job row stays pending so nothing
// is lost.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil {
				log.Printf("review scheduler: %v", err)
			}
		}
	}
}

// RunDue processes one batch of due jobs and reports how many were handled.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("review: scheduler begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	jobs, err := s.repo.DueJobs(ctx, tx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	for _, job := range jobs {
		if err := s.fire(ctx, tx, job); err != nil {
			// Release the claim first: the batch transaction still holds the
			// FOR UPDATE lock on this job row, and the attempts update runs on
			// its own connection, so it must not wait on our own lock.
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Printf("review scheduler: rollback batch: %v", rbErr)
			}
			if bumpErr := s.repo.BumpJobAttempts(context.WithoutCancel(ctx), job.ApplicationID); bumpErr != nil {
				log.Printf("review scheduler: bump attempts: %v", bumpErr)
			}
			obs.ObserveRevealJob("error")
			return 0, fmt.Errorf("review: fire job %s: %w", job.ApplicationID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("review: scheduler commit: %w", err)
	}
	return len(jobs), nil
}

// fire applies one timer: any still-hidden review of the application is
// revealed unilaterally. Locking the application row first serializes the
// timer against a concurrent second submission, so exactly one of the two
// paths performs the reveal.
func (s *Scheduler) fire(ctx context.Context, tx pgx.Tx, job Job) error {
	actx, err := s.repo.GetApplicationContext(ctx, tx, job.ApplicationID)
	if err != nil {
		return err
	}

	revealed, err := s.repo.RevealHidden(ctx, tx, job.ApplicationID)
	if err != nil {
		return err
	}

	if err := s.repo.CompleteJob(ctx, tx, job.ApplicationID); err != nil {
		return err
	}

	if revealed == 0 {
		// Pair already revealed, or no review was ever submitted.
		obs.ObserveRevealJob("noop")
		return nil
	}

	if err := s.timeline.Append(ctx, tx, actx.CollaborationID, "REVIEW_REVEALED_BY_TIMEOUT", "", map[string]any{
		"application_id": job.ApplicationID,
		"reviews":        revealed,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, "review.timeout_revealed", map[string]any{
		"application_id":   job.ApplicationID,
		"collaboration_id": actx.CollaborationID,
	}); err != nil {
		return err
	}

	obs.ObserveRevealJob("revealed")
	return nil
}
