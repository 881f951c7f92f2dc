// Package idempotency gates event processing so each consumer group applies
// an event's effects at most once, no matter how often delivery retries.
package idempotency

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/storage"
)

// Tracker claims events for one consumer group.
type Tracker struct {
	group string
	store storage.IdempotencyStore
}

// NewTracker returns a tracker scoped to one consumer group. Groups are
// independent: the pipeline and audit consumers each see every event once.
func NewTracker(group string, store storage.IdempotencyStore) (*Tracker, error) {
	if strings.TrimSpace(group) == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	return &Tracker{group: group, store: store}, nil
}

// Group returns the consumer group this tracker claims for.
func (t *Tracker) Group() string {
	return t.group
}

// Claim attempts to claim an event for processing. It returns true exactly
// once per event id; callers must skip processing when it returns false.
//
// The claim is recorded before the handler runs, so a crash between claim
// and effect leaves the event unprocessed for this group. Handlers therefore
// stay idempotent at the journal level too: appends carry stable event ids
// the store deduplicates.
func (t *Tracker) Claim(ctx context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id is required")
	}
	fresh, err := t.store.MarkIfNew(ctx, t.group, eventID)
	if err != nil {
		return false, fmt.Errorf("claim event %s for %s: %w", eventID, t.group, err)
	}
	return fresh, nil
}
