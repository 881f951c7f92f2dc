package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// AppendEvent atomically appends an event and returns it with its partition
// sequence number set. Re-appending an event id already stored returns the
// stored event, making the append path safe under producer retries.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return event.Event{}, errors.New(errors.CodeValidationTenantMissing, "event tenant id is required")
	}
	if !evt.Type.IsValid() {
		return event.Event{}, errors.New(errors.CodeValidationEventTypeMissing, "event type is required")
	}
	if strings.TrimSpace(evt.PartitionKey) == "" {
		return event.Event{}, fmt.Errorf("event partition key is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_seq (partition_key, next_seq) VALUES (?, 1)",
		evt.PartitionKey,
	); err != nil {
		return event.Event{}, fmt.Errorf("init event seq: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM event_seq WHERE partition_key = ?",
		evt.PartitionKey,
	).Scan(&seq); err != nil {
		return event.Event{}, fmt.Errorf("get event seq: %w", err)
	}
	evt.Seq = uint64(seq)

	if _, err := tx.ExecContext(ctx,
		"UPDATE event_seq SET next_seq = next_seq + 1 WHERE partition_key = ?",
		evt.PartitionKey,
	); err != nil {
		return event.Event{}, fmt.Errorf("increment event seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (
	partition_key,
	seq,
	event_id,
	tenant_id,
	exception_id,
	timestamp,
	event_type,
	actor_type,
	actor_id,
	payload_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		evt.PartitionKey,
		seq,
		evt.ID,
		evt.TenantID,
		evt.ExceptionID,
		toMillis(evt.Timestamp),
		string(evt.Type),
		string(evt.ActorType),
		evt.ActorID,
		evt.PayloadJSON,
	); err != nil {
		if isConstraintError(err) {
			// Release the write transaction before the lookup so the
			// single pooled connection is free to serve it.
			_ = tx.Rollback()
			stored, lookupErr := s.getEventByID(ctx, evt.ID)
			if lookupErr == nil {
				return stored, nil
			}
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

// ListEvents returns events for a partition key ordered by sequence
// ascending, starting after afterSeq.
func (s *Store) ListEvents(ctx context.Context, partitionKey string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partitionKey) == "" {
		return nil, fmt.Errorf("partition key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT partition_key, seq, event_id, tenant_id, exception_id, timestamp, event_type, actor_type, actor_id, payload_json
FROM events
WHERE partition_key = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, partitionKey, int64(afterSeq), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListEventsForException returns the full ordered history of one exception.
func (s *Store) ListEventsForException(ctx context.Context, tenantID, exceptionID string) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(exceptionID) == "" {
		return nil, fmt.Errorf("exception id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT partition_key, seq, event_id, tenant_id, exception_id, timestamp, event_type, actor_type, actor_id, payload_json
FROM events
WHERE tenant_id = ? AND exception_id = ?
ORDER BY seq ASC
`, tenantID, exceptionID)
	if err != nil {
		return nil, fmt.Errorf("list events for exception: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the newest sequence number for a partition key.
func (s *Store) LatestSeq(ctx context.Context, partitionKey string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partitionKey) == "" {
		return 0, fmt.Errorf("partition key is required")
	}

	var seq sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE partition_key = ?",
		partitionKey,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// ListPartitionKeys returns every partition key with at least one event.
func (s *Store) ListPartitionKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT DISTINCT partition_key FROM events ORDER BY partition_key")
	if err != nil {
		return nil, fmt.Errorf("list partition keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan partition key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition keys: %w", err)
	}
	return keys, nil
}

func (s *Store) getEventByID(ctx context.Context, eventID string) (event.Event, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT partition_key, seq, event_id, tenant_id, exception_id, timestamp, event_type, actor_type, actor_id, payload_json
FROM events
WHERE event_id = ?
`, eventID)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		timestamp int64
		eventType string
		actorType string
	)
	if err := row.Scan(
		&evt.PartitionKey,
		&seq,
		&evt.ID,
		&evt.TenantID,
		&evt.ExceptionID,
		&timestamp,
		&eventType,
		&actorType,
		&evt.ActorID,
		&evt.PayloadJSON,
	); err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Seq = uint64(seq)
	evt.Timestamp = fromMillis(timestamp)
	evt.Type = event.Type(eventType)
	evt.ActorType = event.ActorType(actorType)
	return evt, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !stderrors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
