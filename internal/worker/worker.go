// Package worker runs stateless event consumers over the partitioned
// journal. Events sharing a partition key apply strictly in sequence order;
// distinct keys process in parallel up to a configured degree. Effects are
// gated by the idempotency tracker and every terminal outcome is recorded as
// a durable attempt row.
package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/idempotency"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/storage"
	"github.com/driftline/exceptionflow/internal/telemetry"
)

// Attempt outcomes recorded per processed event.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// EventHandler applies the effects of one journal event.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt event.Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, evt event.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// Config tunes one dispatcher.
type Config struct {
	// Consumer names the consumer group for idempotency and attempt rows.
	Consumer string
	// Concurrency bounds how many partition keys process at once.
	Concurrency int
	// BatchSize bounds events read per partition key per scan.
	BatchSize int
	// PollInterval is the delay between journal scans.
	PollInterval time.Duration
	// AttemptTimeout bounds one handler attempt.
	AttemptTimeout time.Duration
	// MaxAttempts bounds retries for transient failures.
	MaxAttempts int
	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
}

// Dispatcher pulls partitioned events and applies them through a handler.
type Dispatcher struct {
	cfg      Config
	events   storage.EventStore
	attempts storage.AttemptStore
	tracker  *idempotency.Tracker
	handler  EventHandler
	logger   *log.Logger
	emitter  *telemetry.Emitter

	mu      sync.Mutex
	offsets map[string]uint64
}

// NewDispatcher builds a dispatcher for one consumer group.
func NewDispatcher(cfg Config, events storage.EventStore, attempts storage.AttemptStore, idem storage.IdempotencyStore, handler EventHandler, logger *log.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.Consumer) == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.applyDefaults()

	tracker, err := idempotency.NewTracker(cfg.Consumer, idem)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:      cfg,
		events:   events,
		attempts: attempts,
		tracker:  tracker,
		handler:  handler,
		logger:   logger,
		offsets:  make(map[string]uint64),
	}, nil
}

// WithTelemetry attaches an emitter that records rejected and failed
// dispatch outcomes as operational telemetry.
func (d *Dispatcher) WithTelemetry(emitter *telemetry.Emitter) *Dispatcher {
	d.emitter = emitter
	return d
}

// Run scans the journal until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Printf("dispatcher %s running (concurrency %d)", d.cfg.Consumer, d.cfg.Concurrency)
	for {
		if err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Printf("dispatcher %s scan: %v", d.cfg.Consumer, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one journal scan: each partition key with pending events
// is drained in order, keys in parallel up to the concurrency bound.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	keys, err := d.events.ListPartitionKeys(ctx)
	if err != nil {
		return fmt.Errorf("list partition keys: %w", err)
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, key := range keys {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(partitionKey string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.drainPartition(ctx, partitionKey); err != nil && ctx.Err() == nil {
				d.logger.Printf("dispatcher %s partition %s: %v", d.cfg.Consumer, partitionKey, err)
			}
		}(key)
	}
	wg.Wait()
	return ctx.Err()
}

// drainPartition applies pending events for one key strictly in order.
func (d *Dispatcher) drainPartition(ctx context.Context, partitionKey string) error {
	for {
		offset := d.offset(partitionKey)
		events, err := d.events.ListEvents(ctx, partitionKey, offset, d.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, evt := range events {
			// A sequence gap means a predecessor has not landed yet;
			// hold the partition here and pick it up next scan.
			if evt.Seq != offset+1 {
				d.logger.Printf("dispatcher %s holding %s at seq %d, waiting for %d", d.cfg.Consumer, partitionKey, evt.Seq, offset+1)
				return nil
			}
			if err := d.process(ctx, evt); err != nil {
				return err
			}
			offset = evt.Seq
			d.setOffset(partitionKey, offset)
		}
		if len(events) < d.cfg.BatchSize {
			return nil
		}
	}
}

// process applies one event: tenant isolation check, idempotency claim, then
// the handler under bounded retry. All outcomes are recorded.
func (d *Dispatcher) process(ctx context.Context, evt event.Event) error {
	if !tenantMatchesPartition(evt) {
		err := errors.WithMetadata(errors.CodeTenantMismatch,
			fmt.Sprintf("event %s tenant %q does not match partition %q", evt.ID, evt.TenantID, evt.PartitionKey),
			map[string]string{"event_id": evt.ID})
		d.record(ctx, evt, OutcomeRejected, 1, err)
		d.logger.Printf("dispatcher %s rejected event %s: %v", d.cfg.Consumer, evt.ID, err)
		if emitErr := d.emitter.Error(ctx, evt.TenantID, "rejected event %s: tenant does not match partition %s", evt.ID, evt.PartitionKey); emitErr != nil {
			d.logger.Printf("dispatcher %s telemetry: %v", d.cfg.Consumer, emitErr)
		}
		return nil
	}

	fresh, err := d.tracker.Claim(ctx, evt.ID)
	if err != nil {
		return err
	}
	if !fresh {
		d.record(ctx, evt, OutcomeSkipped, 0, nil)
		return nil
	}

	var attempts int
	operation := func() (struct{}, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()

		if err := d.handler.HandleEvent(attemptCtx, evt); err != nil {
			if errors.CodeOf(err).Retryable() {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInitialInterval
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
	)
	if err != nil {
		d.record(ctx, evt, OutcomeFailed, attempts, err)
		d.logger.Printf("dispatcher %s failed event %s after %d attempts: %v", d.cfg.Consumer, evt.ID, attempts, err)
		if emitErr := d.emitter.Error(ctx, evt.TenantID, "failed event %s after %d attempts: %v", evt.ID, attempts, err); emitErr != nil {
			d.logger.Printf("dispatcher %s telemetry: %v", d.cfg.Consumer, emitErr)
		}
		return nil
	}
	d.record(ctx, evt, OutcomeProcessed, attempts, nil)
	return nil
}

func (d *Dispatcher) record(ctx context.Context, evt event.Event, outcome string, attempts int, cause error) {
	record := storage.AttemptRecord{
		EventID:      evt.ID,
		EventType:    string(evt.Type),
		PartitionKey: evt.PartitionKey,
		Consumer:     d.cfg.Consumer,
		Outcome:      outcome,
		AttemptCount: attempts,
		CreatedAt:    time.Now().UTC(),
	}
	if cause != nil {
		record.LastError = cause.Error()
	}
	if err := d.attempts.RecordAttempt(ctx, record); err != nil && ctx.Err() == nil {
		d.logger.Printf("dispatcher %s record attempt for %s: %v", d.cfg.Consumer, evt.ID, err)
	}
}

func (d *Dispatcher) offset(partitionKey string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offsets[partitionKey]
}

func (d *Dispatcher) setOffset(partitionKey string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets[partitionKey] = seq
}

// tenantMatchesPartition verifies the event's tenant against the tenant
// segment of its partition key.
func tenantMatchesPartition(evt event.Event) bool {
	tenant, _, _ := strings.Cut(evt.PartitionKey, ":")
	return tenant == evt.TenantID
}
