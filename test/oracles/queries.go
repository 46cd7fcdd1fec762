package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_review_pair_revealed_together",
			SQL: `SELECT application_id FROM reviews
                  GROUP BY application_id
                  HAVING COUNT(*) >= 2 AND COUNT(*) FILTER (WHERE reveal_state = 'hidden') > 0`,
		},
		{
			Name: "O2_single_open_dispute",
			SQL: `SELECT collaboration_id, COUNT(*) FROM disputes
                  WHERE state = 'open'
                  GROUP BY collaboration_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_dispute_freeze",
			SQL: `SELECT id, escrow_state, messaging_enabled FROM collaborations
                  WHERE phase = 'disputed' AND (escrow_state <> 'held' OR messaging_enabled)`,
		},
		{
			Name: "O4_cancelled_means_refunded",
			SQL: `SELECT id, escrow_state FROM collaborations
                  WHERE phase = 'cancelled' AND escrow_state <> 'released_to_brand'`,
		},
		{
			Name: "O5_creator_payout_needs_completion",
			SQL: `SELECT id, phase FROM collaborations
                  WHERE escrow_state = 'released_to_creator' AND phase <> 'completed'`,
		},
		{
			Name: "O6_done_timer_leaves_nothing_hidden",
			SQL: `SELECT j.application_id FROM reveal_jobs j
                  JOIN reviews r ON r.application_id = j.application_id
                  WHERE j.state = 'done' AND r.reveal_state = 'hidden'`,
		},
		{
			Name: "O7_single_accepted_application",
			SQL: `SELECT collaboration_id, COUNT(*) FROM applications
                  WHERE state = 'accepted'
                  GROUP BY collaboration_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_single_pending_cancellation",
			SQL: `SELECT collaboration_id, COUNT(*) FROM cancellation_requests
                  WHERE state = 'pending'
                  GROUP BY collaboration_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_resolved_dispute_has_outcome",
			SQL: `SELECT id FROM disputes
                  WHERE state = 'resolved' AND (outcome IS NULL OR resolved_at IS NULL)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
