package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/storage"
)

// RecordAttempt persists one worker processing outcome.
func (s *Store) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(attempt.EventID) == "" {
		return fmt.Errorf("attempt event id is required")
	}
	if strings.TrimSpace(attempt.Consumer) == "" {
		return fmt.Errorf("attempt consumer is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO worker_attempts (event_id, event_type, partition_key, consumer, outcome, attempt_count, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		attempt.EventID,
		attempt.EventType,
		attempt.PartitionKey,
		attempt.Consumer,
		attempt.Outcome,
		attempt.AttemptCount,
		attempt.LastError,
		toMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempt records.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event_id, event_type, partition_key, consumer, outcome, attempt_count, last_error, created_at
FROM worker_attempts
ORDER BY id DESC
LIMIT ?
`, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []storage.AttemptRecord
	for rows.Next() {
		var (
			attempt   storage.AttemptRecord
			createdAt int64
		)
		if err := rows.Scan(
			&attempt.ID,
			&attempt.EventID,
			&attempt.EventType,
			&attempt.PartitionKey,
			&attempt.Consumer,
			&attempt.Outcome,
			&attempt.AttemptCount,
			&attempt.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempt.CreatedAt = fromMillis(createdAt)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}
