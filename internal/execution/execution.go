// Package execution runs assigned playbooks step by step. Every effect is an
// appended event; execution state (current step, completion) is derived by
// replaying the journal, never stored here.
package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftline/exceptionflow/internal/collaborator"
	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/partition"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/projection"
	"github.com/driftline/exceptionflow/internal/storage"
)

var tracer = otel.Tracer("github.com/driftline/exceptionflow/internal/execution")

// PlaybookSource resolves approved playbooks for a tenant. The in-memory
// Library satisfies it; storage-backed sources load the shared approved set.
type PlaybookSource interface {
	Get(tenantID, playbookID string) (playbook.Playbook, bool)
	Match(tenantID string, attrs playbook.Attributes) *playbook.Suggestion
}

// StepStatusReport is the derived execution view returned to callers.
type StepStatusReport struct {
	TenantID    string
	ExceptionID string
	PlaybookID  string
	CurrentStep int
	Completed   bool
	Steps       []projection.StepProgress
}

// Service orchestrates playbook assignment and step execution.
type Service struct {
	events        storage.EventStore
	playbooks     PlaybookSource
	collaborators *collaborator.Registry
	logger        *log.Logger
	now           func() time.Time

	// locks serializes recalculate and complete-step per partition key so
	// concurrent callers cannot interleave appends for one exception.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds an execution service.
func NewService(events storage.EventStore, playbooks PlaybookSource, collaborators *collaborator.Registry, logger *log.Logger) (*Service, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if playbooks == nil {
		return nil, fmt.Errorf("playbook source is required")
	}
	if collaborators == nil {
		return nil, fmt.Errorf("collaborator registry is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		events:        events,
		playbooks:     playbooks,
		collaborators: collaborators,
		logger:        logger,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) lock(partitionKey string) func() {
	s.mu.Lock()
	l, ok := s.locks[partitionKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[partitionKey] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Assign validates the playbook against the tenant's approved set and
// records the assignment. Execution starts at step 1.
func (s *Service) Assign(ctx context.Context, tenantID, exceptionID, playbookID string, actor event.Actor, reasoning string) (StepStatusReport, error) {
	ctx, span := tracer.Start(ctx, "execution.Assign", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
		attribute.String("playbook.id", playbookID),
	))
	defer span.End()

	unlock := s.lock(partition.Key(tenantID, exceptionID))
	defer unlock()

	if _, _, err := s.load(ctx, tenantID, exceptionID); err != nil {
		return StepStatusReport{}, err
	}
	pb, ok := s.playbooks.Get(tenantID, playbookID)
	if !ok {
		return StepStatusReport{}, errors.WithMetadata(errors.CodePlaybookNotFound,
			fmt.Sprintf("playbook %s is not in tenant %s's approved set", playbookID, tenantID),
			map[string]string{"playbook_id": playbookID, "tenant_id": tenantID})
	}

	assigned, err := event.New(tenantID, exceptionID, event.TypePlaybookAssigned, actor, event.PlaybookAssignedPayload{
		PlaybookID: pb.ID,
		StepCount:  pb.StepCount(),
		Reasoning:  reasoning,
	})
	if err != nil {
		return StepStatusReport{}, err
	}
	if _, err := s.events.AppendEvent(ctx, assigned); err != nil {
		return StepStatusReport{}, fmt.Errorf("append assignment: %w", err)
	}

	started, err := event.New(tenantID, exceptionID, event.TypePlaybookStarted, event.System, event.PlaybookStartedPayload{
		PlaybookID: pb.ID,
	})
	if err != nil {
		return StepStatusReport{}, err
	}
	if _, err := s.events.AppendEvent(ctx, started); err != nil {
		return StepStatusReport{}, fmt.Errorf("append start: %w", err)
	}

	s.logger.Printf("assigned playbook %s to exception %s:%s (%d steps)", pb.ID, tenantID, exceptionID, pb.StepCount())
	return s.report(ctx, tenantID, exceptionID)
}

// Recalculate re-runs the matcher against the exception's current
// attributes. A match is always recorded; execution position resets only
// when the playbook identity changed. No match leaves the journal untouched
// and returns nil.
func (s *Service) Recalculate(ctx context.Context, tenantID, exceptionID string) (*playbook.Suggestion, error) {
	ctx, span := tracer.Start(ctx, "execution.Recalculate", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
	))
	defer span.End()

	unlock := s.lock(partition.Key(tenantID, exceptionID))
	defer unlock()

	exc, _, err := s.load(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}

	suggestion := s.playbooks.Match(tenantID, playbook.Attributes{
		Domain:        exc.Domain,
		ExceptionType: exc.Type,
		Severity:      exc.Severity,
		MinutesToSLA:  exc.MinutesToSLA(s.now().UTC()),
		PolicyTags:    exc.PolicyTags,
	})
	if suggestion == nil {
		s.logger.Printf("recalculation found no playbook for exception %s:%s", tenantID, exceptionID)
		return nil, nil
	}

	reset := suggestion.PlaybookID != exc.PlaybookID
	evt, err := event.New(tenantID, exceptionID, event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculatedPayload{
		PreviousPlaybookID: exc.PlaybookID,
		PlaybookID:         suggestion.PlaybookID,
		StepCount:          suggestion.StepCount,
		Reasoning:          suggestion.Reasoning,
		CurrentStepReset:   reset,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("append recalculation: %w", err)
	}
	s.logger.Printf("recalculated playbook for exception %s:%s: %s (reset=%v)", tenantID, exceptionID, suggestion.PlaybookID, reset)
	return suggestion, nil
}

// CompleteStep performs and records one step. The ordinal must be exactly
// the current step; rejected requests append nothing. Completing the final
// step also records PlaybookCompleted exactly once and clears the current
// step.
func (s *Service) CompleteStep(ctx context.Context, tenantID, exceptionID string, ordinal int, actor event.Actor) (StepStatusReport, error) {
	ctx, span := tracer.Start(ctx, "execution.CompleteStep", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
		attribute.Int("step.ordinal", ordinal),
	))
	defer span.End()

	unlock := s.lock(partition.Key(tenantID, exceptionID))
	defer unlock()

	exc, history, err := s.load(ctx, tenantID, exceptionID)
	if err != nil {
		return StepStatusReport{}, err
	}
	if !exc.HasPlaybook() {
		return StepStatusReport{}, errors.New(errors.CodeStepNoPlaybookAssigned,
			fmt.Sprintf("exception %s has no playbook assigned", exceptionID))
	}
	pb, ok := s.playbooks.Get(tenantID, exc.PlaybookID)
	if !ok {
		return StepStatusReport{}, errors.WithMetadata(errors.CodePlaybookNotFound,
			fmt.Sprintf("assigned playbook %s is no longer in the approved set", exc.PlaybookID),
			map[string]string{"playbook_id": exc.PlaybookID})
	}
	if ordinal < 1 || ordinal > pb.StepCount() {
		return StepStatusReport{}, errors.WithMetadata(errors.CodeStepUnknownOrdinal,
			fmt.Sprintf("ordinal %d outside playbook %s's %d steps", ordinal, pb.ID, pb.StepCount()),
			map[string]string{"playbook_id": pb.ID})
	}
	if exc.CurrentStep == 0 {
		return StepStatusReport{}, errors.New(errors.CodeStepOutOfOrder,
			fmt.Sprintf("playbook %s already completed", pb.ID))
	}
	if ordinal != exc.CurrentStep {
		return StepStatusReport{}, errors.WithMetadata(errors.CodeStepOutOfOrder,
			fmt.Sprintf("ordinal %d requested but current step is %d", ordinal, exc.CurrentStep),
			map[string]string{"playbook_id": pb.ID})
	}

	step, ok := pb.StepByOrdinal(ordinal)
	if !ok {
		return StepStatusReport{}, errors.New(errors.CodeStepUnknownOrdinal,
			fmt.Sprintf("playbook %s has no step %d", pb.ID, ordinal))
	}

	params := playbook.ResolveParams(step.Params, exc)
	detail, err := s.perform(ctx, exc, step, params)
	if err != nil {
		return StepStatusReport{}, err
	}

	completed, err := event.New(tenantID, exceptionID, event.TypePlaybookStepCompleted, actor, event.PlaybookStepCompletedPayload{
		PlaybookID:  pb.ID,
		StepOrdinal: ordinal,
		Action:      string(step.Action),
		Detail:      detail,
	})
	if err != nil {
		return StepStatusReport{}, err
	}
	if _, err := s.events.AppendEvent(ctx, completed); err != nil {
		return StepStatusReport{}, fmt.Errorf("append step completion: %w", err)
	}

	if ordinal == pb.StepCount() {
		progress, err := projection.Progress(history, pb)
		if err != nil {
			return StepStatusReport{}, err
		}
		if !progress.Completed {
			done, err := event.New(tenantID, exceptionID, event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{
				PlaybookID: pb.ID,
				StepCount:  pb.StepCount(),
			})
			if err != nil {
				return StepStatusReport{}, err
			}
			if _, err := s.events.AppendEvent(ctx, done); err != nil {
				return StepStatusReport{}, fmt.Errorf("append playbook completion: %w", err)
			}
		}
	}

	s.logger.Printf("completed step %d of playbook %s for exception %s:%s (%s)", ordinal, pb.ID, tenantID, exceptionID, step.Action)
	return s.report(ctx, tenantID, exceptionID)
}

// Status derives the execution view by replay.
func (s *Service) Status(ctx context.Context, tenantID, exceptionID string) (StepStatusReport, error) {
	ctx, span := tracer.Start(ctx, "execution.Status", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("exception.id", exceptionID),
	))
	defer span.End()
	return s.report(ctx, tenantID, exceptionID)
}

// perform executes the step action. Tool calls and notifications go through
// collaborators; snapshot-affecting actions are recorded as details the fold
// and boundary layers interpret.
func (s *Service) perform(ctx context.Context, exc exception.Exception, step playbook.Step, params map[string]string) (string, error) {
	switch step.Action {
	case playbook.ActionCallTool:
		inv, err := s.collaborators.Resolve(exc.TenantID, exc.Domain, collaborator.CapabilityTool)
		if err != nil {
			return "", err
		}
		out, err := inv.Invoke(ctx, collaborator.Input{TenantID: exc.TenantID, Exception: exc, Params: params})
		if err != nil {
			return "", err
		}
		return out.Detail, nil

	case playbook.ActionNotify:
		inv, err := s.collaborators.Resolve(exc.TenantID, exc.Domain, collaborator.CapabilityNotify)
		if err != nil {
			return "", err
		}
		out, err := inv.Invoke(ctx, collaborator.Input{TenantID: exc.TenantID, Exception: exc, Params: params})
		if err != nil {
			return "", err
		}
		return out.Detail, nil

	case playbook.ActionSetStatus:
		return fmt.Sprintf("status set to %s", params["status"]), nil

	case playbook.ActionAssignOwner:
		return fmt.Sprintf("owner assigned to %s", params["owner"]), nil

	case playbook.ActionAddComment:
		return fmt.Sprintf("comment: %s", params["comment"]), nil

	case playbook.ActionEscalate:
		return fmt.Sprintf("escalated: %s", params["reason"]), nil

	default:
		return "", errors.New(errors.CodeValidationPlaybookInvalid,
			fmt.Sprintf("unknown action %q", step.Action))
	}
}

func (s *Service) load(ctx context.Context, tenantID, exceptionID string) (exception.Exception, []event.Event, error) {
	history, err := s.events.ListEventsForException(ctx, tenantID, exceptionID)
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

func (s *Service) report(ctx context.Context, tenantID, exceptionID string) (StepStatusReport, error) {
	exc, history, err := s.load(ctx, tenantID, exceptionID)
	if err != nil {
		return StepStatusReport{}, err
	}
	report := StepStatusReport{
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		PlaybookID:  exc.PlaybookID,
		CurrentStep: exc.CurrentStep,
	}
	if !exc.HasPlaybook() {
		return report, nil
	}
	pb, ok := s.playbooks.Get(tenantID, exc.PlaybookID)
	if !ok {
		return report, nil
	}
	progress, err := projection.Progress(history, pb)
	if err != nil {
		return StepStatusReport{}, err
	}
	report.Completed = progress.Completed
	report.CurrentStep = progress.CurrentStep
	report.Steps = progress.Steps
	return report, nil
}
