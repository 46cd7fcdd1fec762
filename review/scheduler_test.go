package review

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(repo *fakeRepo) (*Scheduler, *fakePool, *fakeTimeline, *fakeOutbox) {
	pool := &fakePool{}
	timeline := &fakeTimeline{}
	outbox := &fakeOutbox{}
	s := NewSchedulerWithDeps(pool, repo, timeline, outbox).
		WithClock(func() time.Time { return time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC) })
	return s, pool, timeline, outbox
}

func TestRunDue_NoJobsIsQuiet(t *testing.T) {
	s, pool, timeline, _ := newTestScheduler(&fakeRepo{})

	handled, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if handled != 0 {
		t.Errorf("expected 0 handled, got %d", handled)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on empty batch")
	}
	if len(timeline.events) != 0 {
		t.Errorf("expected no events, got %v", timeline.events)
	}
}

func TestRunDue_RevealsOverdueLoneReview(t *testing.T) {
	repo := &fakeRepo{
		actx:         applicationContext(),
		jobs:         []Job{{ApplicationID: "app-1"}},
		revealReturn: 1,
	}
	s, pool, timeline, outbox := newTestScheduler(repo)

	handled, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 handled, got %d", handled)
	}

	if repo.revealedCalls != 1 {
		t.Errorf("expected one reveal, got %d", repo.revealedCalls)
	}
	if len(repo.completedJobs) != 1 || repo.completedJobs[0] != "app-1" {
		t.Errorf("expected job completed, got %v", repo.completedJobs)
	}
	if len(timeline.events) != 1 || timeline.events[0] != "REVIEW_REVEALED_BY_TIMEOUT" {
		t.Errorf("expected REVIEW_REVEALED_BY_TIMEOUT, got %v", timeline.events)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "review.timeout_revealed" {
		t.Errorf("expected review.timeout_revealed, got %v", outbox.topics)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestRunDue_NoopWhenNothingHidden(t *testing.T) {
	repo := &fakeRepo{
		actx: applicationContext(),
		jobs: []Job{{ApplicationID: "app-1"}},
	}
	s, pool, timeline, outbox := newTestScheduler(repo)

	handled, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if handled != 1 {
		t.Errorf("expected job to count as handled, got %d", handled)
	}

	if len(repo.completedJobs) != 1 {
		t.Errorf("expected job marked done even when nothing was hidden")
	}
	if len(timeline.events) != 0 {
		t.Errorf("expected no timeline events, got %v", timeline.events)
	}
	if len(outbox.topics) != 0 {
		t.Errorf("expected no outbox messages, got %v", outbox.topics)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestRunDue_FailureBumpsAttemptsAndRollsBack(t *testing.T) {
	repo := &fakeRepo{
		ctxErr: ErrApplicationNotFound,
		jobs:   []Job{{ApplicationID: "app-1"}},
	}
	s, pool, _, _ := newTestScheduler(repo)

	if _, err := s.RunDue(context.Background()); err == nil {
		t.Fatalf("expected error")
	}

	if len(repo.bumped) != 1 || repo.bumped[0] != "app-1" {
		t.Errorf("expected attempts bumped for app-1, got %v", repo.bumped)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on failure")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback")
	}
}

// The batch transaction holds the FOR UPDATE claim on the job row, so the
// attempts update on its own connection must only run once that claim is
// released, or the scheduler deadlocks against itself.
func TestRunDue_FailureReleasesClaimBeforeBump(t *testing.T) {
	repo := &fakeRepo{
		ctxErr: ErrApplicationNotFound,
		jobs:   []Job{{ApplicationID: "app-1"}},
	}
	s, pool, _, _ := newTestScheduler(repo)
	repo.pool = pool

	if _, err := s.RunDue(context.Background()); err == nil {
		t.Fatalf("expected error")
	}

	if len(repo.bumpedTxOpen) != 1 {
		t.Fatalf("expected one bump, got %d", len(repo.bumpedTxOpen))
	}
	if repo.bumpedTxOpen[0] {
		t.Errorf("attempts bumped while the claiming transaction was still open")
	}
}
