package pipeline

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/projection"
	"github.com/driftline/exceptionflow/internal/storage"
)

var tracer = otel.Tracer("github.com/driftline/exceptionflow/internal/pipeline")

// Machine advances exceptions one stage at a time by appending events.
type Machine struct {
	events   storage.EventStore
	registry *Registry
	logger   *log.Logger
}

// NewMachine builds a stage machine over the event journal.
func NewMachine(events storage.EventStore, registry *Registry, logger *log.Logger) (*Machine, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Machine{events: events, registry: registry, logger: logger}, nil
}

// Advance folds the exception's history, runs the handler for the next
// stage, and appends exactly one event: the stage completion on success or a
// StageFailed record when the handler rejects its input. Transient handler
// failures append nothing and return a retryable error.
func (m *Machine) Advance(ctx context.Context, tenantID, exceptionID string) (event.Event, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Advance", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
	))
	defer span.End()

	exc, history, err := m.load(ctx, tenantID, exceptionID)
	if err != nil {
		return event.Event{}, err
	}

	if exc.Stage.Terminal() {
		return event.Event{}, errors.New(errors.CodeStageNotAdvancing,
			fmt.Sprintf("exception %s is terminal at %s", exceptionID, exc.Stage))
	}
	if exc.Status == exception.StatusEscalated {
		return event.Event{}, errors.New(errors.CodeStageNotAdvancing,
			fmt.Sprintf("exception %s is escalated, waiting for approval", exceptionID))
	}
	t, ok := transitions[exc.Stage]
	if !ok {
		return event.Event{}, errors.New(errors.CodeStageNotAdvancing,
			fmt.Sprintf("no transition from stage %s", exc.Stage))
	}
	span.SetAttributes(attribute.String("pipeline.stage", string(t.next)))

	handler, err := m.registry.Resolve(tenantID, exc.Domain, t.next)
	if err != nil {
		return m.recordFailure(ctx, exc, t.next, err)
	}

	payload, err := handler.Handle(ctx, Request{Exception: exc, History: history})
	if err != nil {
		if errors.CodeOf(err).Retryable() {
			return event.Event{}, err
		}
		return m.recordFailure(ctx, exc, t.next, err)
	}

	evt, err := event.New(tenantID, exceptionID, t.eventType, event.System, payload)
	if err != nil {
		return event.Event{}, err
	}
	stored, err := m.events.AppendEvent(ctx, evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("append %s: %w", t.eventType, err)
	}
	m.logger.Printf("advanced exception %s:%s to %s (seq %d)", tenantID, exceptionID, t.next, stored.Seq)
	return stored, nil
}

// Approve releases an escalated exception back into the pipeline. Only this
// explicit input moves ESCALATED to POLICY_EVALUATED.
func (m *Machine) Approve(ctx context.Context, tenantID, exceptionID string, actor event.Actor) (event.Event, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Approve", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
	))
	defer span.End()

	exc, _, err := m.load(ctx, tenantID, exceptionID)
	if err != nil {
		return event.Event{}, err
	}
	if exc.Status != exception.StatusEscalated {
		return event.Event{}, errors.New(errors.CodeStageNotAdvancing,
			fmt.Sprintf("exception %s is not escalated", exceptionID))
	}

	evt, err := event.New(tenantID, exceptionID, event.TypePolicyEvaluated, actor, event.PolicyEvaluatedPayload{
		Approved: true,
	})
	if err != nil {
		return event.Event{}, err
	}
	stored, err := m.events.AppendEvent(ctx, evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("append approval: %w", err)
	}
	m.logger.Printf("approved escalated exception %s:%s (actor %s)", tenantID, exceptionID, actor.ID)
	return stored, nil
}

func (m *Machine) load(ctx context.Context, tenantID, exceptionID string) (exception.Exception, []event.Event, error) {
	history, err := m.events.ListEventsForException(ctx, tenantID, exceptionID)
	if err != nil {
		return exception.Exception{}, nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return exception.Exception{}, nil, errors.New(errors.CodeExceptionNotFound,
			fmt.Sprintf("exception %s:%s has no history", tenantID, exceptionID))
	}
	exc, err := projection.Fold(history)
	if err != nil {
		return exception.Exception{}, nil, fmt.Errorf("fold history: %w", err)
	}
	return exc, history, nil
}

func (m *Machine) recordFailure(ctx context.Context, exc exception.Exception, stage exception.Stage, cause error) (event.Event, error) {
	evt, err := event.New(exc.TenantID, exc.ID, event.TypeStageFailed, event.System, event.StageFailedPayload{
		Stage:  string(stage),
		Reason: cause.Error(),
	})
	if err != nil {
		return event.Event{}, err
	}
	stored, err := m.events.AppendEvent(ctx, evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("append stage failure: %w", err)
	}
	m.logger.Printf("stage %s failed for exception %s:%s: %v", stage, exc.TenantID, exc.ID, cause)
	return stored, nil
}
