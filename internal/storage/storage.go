// Package storage defines the persistence contracts for the exception
// pipeline. The event journal is the only mutation surface; snapshot and
// playbook stores hold read models rebuildable from the journal.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/playbook"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// EventStore persists the append-only exception journal.
type EventStore interface {
	// AppendEvent atomically appends an event and returns it with its
	// partition sequence number set. Appends with a missing tenant id or
	// event type are rejected before any write.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// ListEvents returns events for a partition key ordered by sequence
	// ascending, starting after afterSeq.
	ListEvents(ctx context.Context, partitionKey string, afterSeq uint64, limit int) ([]event.Event, error)
	// ListEventsForException returns the full ordered history of one
	// exception.
	ListEventsForException(ctx context.Context, tenantID, exceptionID string) ([]event.Event, error)
	// LatestSeq returns the newest sequence number for a partition key,
	// or 0 when the partition has no events.
	LatestSeq(ctx context.Context, partitionKey string) (uint64, error)
	// ListPartitionKeys returns every partition key with at least one
	// event, for scheduler scans.
	ListPartitionKeys(ctx context.Context) ([]string, error)
}

// SnapshotStore caches derived exception snapshots. Snapshots are rebuilt
// from the journal and never authoritative for audit reads.
type SnapshotStore interface {
	PutException(ctx context.Context, exc exception.Exception) error
	GetException(ctx context.Context, tenantID, exceptionID string) (exception.Exception, error)
	ListExceptions(ctx context.Context, tenantID string, limit int) ([]exception.Exception, error)
}

// PlaybookStore persists approved playbook definitions so API and worker
// processes share one approved set.
type PlaybookStore interface {
	PutPlaybook(ctx context.Context, pb playbook.Playbook) error
	GetPlaybook(ctx context.Context, tenantID, playbookID string) (playbook.Playbook, error)
	ListPlaybooks(ctx context.Context, tenantID string) ([]playbook.Playbook, error)
}

// IdempotencyStore records which events each consumer group has processed.
type IdempotencyStore interface {
	// MarkIfNew atomically records the (group, event) pair. It returns
	// true exactly once per pair; repeats return false.
	MarkIfNew(ctx context.Context, consumerGroup, eventID string) (bool, error)
}

// AttemptRecord is one durable worker processing outcome record.
type AttemptRecord struct {
	ID           int64
	EventID      string
	EventType    string
	PartitionKey string
	Consumer     string
	Outcome      string
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

// AttemptStore persists worker processing attempt records.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	ListAttempts(ctx context.Context, limit int) ([]AttemptRecord, error)
}

// TelemetryEvent is one operational telemetry record.
type TelemetryEvent struct {
	ID        int64
	Severity  string
	Component string
	Message   string
	TenantID  string
	Timestamp time.Time
}

// TelemetryStore persists operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, evt TelemetryEvent) error
	ListTelemetryEvents(ctx context.Context, limit int) ([]TelemetryEvent, error)
}
