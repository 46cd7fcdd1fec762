package collaboration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TimelineWriter appends an immutable business event for a collaboration
// inside the caller's transaction. Timeline rows are never updated or
// deleted; they are the audit trail disputes are arbitrated against.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, collabID, eventType string, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a message for downstream delivery in the caller's
// transaction, so the write and the notification commit or roll back together.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Timeline is the PostgreSQL TimelineWriter.
type Timeline struct{}

func (Timeline) Append(ctx context.Context, tx pgx.Tx, collabID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("collaboration: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (collaboration_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)
	`
	if _, err := tx.Exec(ctx, q, collabID, eventType, body, actor); err != nil {
		return fmt.Errorf("collaboration: insert timeline event: %w", err)
	}
	return nil
}

// Outbox is the PostgreSQL OutboxWriter.
type Outbox struct{}

func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("collaboration: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("collaboration: enqueue outbox: %w", err)
	}
	return nil
}
