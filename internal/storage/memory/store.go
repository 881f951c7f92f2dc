// Package memory provides an in-memory implementation of every storage
// contract, used by tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/storage"
)

// Store is a mutex-guarded in-memory store implementing the event journal,
// snapshot, playbook, idempotency, attempt, and telemetry contracts.
type Store struct {
	mu sync.Mutex

	events     map[string][]event.Event // partition key -> ordered events
	seqs       map[string]uint64
	snapshots  map[string]exception.Exception // tenant:id -> snapshot
	playbooks  map[string]playbook.Playbook   // tenant|id -> playbook
	marks      map[string]struct{}            // group|event id
	attempts   []storage.AttemptRecord
	telemetry  []storage.TelemetryEvent
	nextRecord int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		events:    map[string][]event.Event{},
		seqs:      map[string]uint64{},
		snapshots: map[string]exception.Exception{},
		playbooks: map[string]playbook.Playbook{},
		marks:     map[string]struct{}{},
	}
}

// AppendEvent atomically appends an event and assigns its sequence number.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return event.Event{}, errors.New(errors.CodeValidationTenantMissing, "event tenant id is required")
	}
	if !evt.Type.IsValid() {
		return event.Event{}, errors.New(errors.CodeValidationEventTypeMissing, "event type is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := evt.PartitionKey
	s.seqs[key]++
	evt.Seq = s.seqs[key]
	s.events[key] = append(s.events[key], evt)
	return evt, nil
}

// ListEvents returns events after afterSeq in sequence order.
func (s *Store) ListEvents(ctx context.Context, partitionKey string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.Event
	for _, evt := range s.events[partitionKey] {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListEventsForException returns the full ordered history of one exception.
func (s *Store) ListEventsForException(ctx context.Context, tenantID, exceptionID string) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.Event
	for _, partition := range s.events {
		for _, evt := range partition {
			if evt.TenantID == tenantID && evt.ExceptionID == exceptionID {
				out = append(out, evt)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// LatestSeq returns the newest sequence number for a partition key.
func (s *Store) LatestSeq(ctx context.Context, partitionKey string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[partitionKey], nil
}

// ListPartitionKeys returns every partition key with at least one event.
func (s *Store) ListPartitionKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.events))
	for key := range s.events {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// PutException stores a derived snapshot.
func (s *Store) PutException(ctx context.Context, exc exception.Exception) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[exc.TenantID+":"+exc.ID] = exc
	return nil
}

// GetException loads a derived snapshot.
func (s *Store) GetException(ctx context.Context, tenantID, exceptionID string) (exception.Exception, error) {
	if err := ctx.Err(); err != nil {
		return exception.Exception{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exc, ok := s.snapshots[tenantID+":"+exceptionID]
	if !ok {
		return exception.Exception{}, storage.ErrNotFound
	}
	return exc, nil
}

// ListExceptions lists snapshots for a tenant ordered by id.
func (s *Store) ListExceptions(ctx context.Context, tenantID string, limit int) ([]exception.Exception, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []exception.Exception
	for _, exc := range s.snapshots {
		if exc.TenantID == tenantID {
			out = append(out, exc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutPlaybook stores an approved playbook definition.
func (s *Store) PutPlaybook(ctx context.Context, pb playbook.Playbook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pb.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbooks[pb.TenantID+"|"+pb.ID] = pb
	return nil
}

// GetPlaybook loads a playbook by tenant and id, falling back to the
// tenant-global scope.
func (s *Store) GetPlaybook(ctx context.Context, tenantID, playbookID string) (playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return playbook.Playbook{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if pb, ok := s.playbooks[tenantID+"|"+playbookID]; ok {
		return pb, nil
	}
	if pb, ok := s.playbooks["|"+playbookID]; ok {
		return pb, nil
	}
	return playbook.Playbook{}, storage.ErrNotFound
}

// ListPlaybooks lists playbooks visible to a tenant.
func (s *Store) ListPlaybooks(ctx context.Context, tenantID string) ([]playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []playbook.Playbook
	for _, pb := range s.playbooks {
		if pb.TenantID == "" || pb.TenantID == tenantID {
			out = append(out, pb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkIfNew atomically records the (group, event) pair.
func (s *Store) MarkIfNew(ctx context.Context, consumerGroup, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consumerGroup + "|" + eventID
	if _, seen := s.marks[key]; seen {
		return false, nil
	}
	s.marks[key] = struct{}{}
	return true, nil
}

// RecordAttempt persists one worker processing attempt.
func (s *Store) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecord++
	attempt.ID = s.nextRecord
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	s.attempts = append(s.attempts, attempt)
	return nil
}

// ListAttempts lists newest-first attempt records.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.AttemptRecord, len(s.attempts))
	copy(out, s.attempts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendTelemetryEvent records an operational telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecord++
	evt.ID = s.nextRecord
	s.telemetry = append(s.telemetry, evt)
	return nil
}

// ListTelemetryEvents lists newest-first telemetry events.
func (s *Store) ListTelemetryEvents(ctx context.Context, limit int) ([]storage.TelemetryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.TelemetryEvent, len(s.telemetry))
	copy(out, s.telemetry)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
