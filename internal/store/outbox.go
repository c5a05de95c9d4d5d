package store

import (
	"context"
	"fmt"
	"time"
)

// AppendOutbox queues an event for publication. A repeated msgID is
// ignored, so re-running a sync never queues the same event twice.
func (q *Queries) AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := q.now().UnixMilli()
	_, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id,
			next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", mapSQLError(err))
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due for an attempt
func (q *Queries) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, q.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (q *Queries) MarkPublished(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", mapSQLError(err))
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt
func (q *Queries) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, q.now().Add(backoff).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", mapSQLError(err))
	}
	return nil
}
