package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarkIfNew atomically records the (group, event) pair. The INSERT OR IGNORE
// plus RowsAffected pairing makes the first caller the only winner even with
// concurrent workers on the same database.
func (s *Store) MarkIfNew(ctx context.Context, consumerGroup, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(consumerGroup) == "" {
		return false, fmt.Errorf("consumer group is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"INSERT OR IGNORE INTO idempotency_marks (consumer_group, event_id, marked_at) VALUES (?, ?, ?)",
		consumerGroup, eventID, toMillis(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("mark event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark event rows affected: %w", err)
	}
	return affected == 1, nil
}
