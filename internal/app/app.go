// Package app exposes the boundary operations of the exception pipeline:
// ingestion, playbook recalculation, step completion, and status reads. It
// is the only layer transports talk to; everything below works in events.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/execution"
	"github.com/driftline/exceptionflow/internal/pipeline"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/platform/id"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/projection"
	"github.com/driftline/exceptionflow/internal/storage"
)

// IngestRequest carries a raw inbound exception.
type IngestRequest struct {
	TenantID    string
	ExceptionID string
	Domain      string
	Type        string
	Severity    string
	SLADeadline time.Time
	PolicyTags  []string
	Attributes  map[string]string
}

// Service implements the boundary operations.
type Service struct {
	events    storage.EventStore
	snapshots storage.SnapshotStore
	executor  *execution.Service
	machine   *pipeline.Machine
	logger    *log.Logger
}

// NewService builds the boundary service. The snapshot store is optional;
// when present it is refreshed after each mutating operation as a read
// cache.
func NewService(events storage.EventStore, snapshots storage.SnapshotStore, executor *execution.Service, machine *pipeline.Machine, logger *log.Logger) (*Service, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("execution service is required")
	}
	if machine == nil {
		return nil, fmt.Errorf("pipeline machine is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		events:    events,
		snapshots: snapshots,
		executor:  executor,
		machine:   machine,
		logger:    logger,
	}, nil
}

// Ingest validates and records a new exception, returning its id. The only
// effect is one ExceptionIngested event; the pipeline picks it up from the
// journal.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	severity, ok := exception.ParseSeverity(req.Severity)
	if !ok {
		return "", errors.WithMetadata(errors.CodeValidationExceptionInvalid,
			fmt.Sprintf("unknown severity %q", req.Severity),
			map[string]string{"severity": req.Severity})
	}
	exceptionID := strings.TrimSpace(req.ExceptionID)
	if exceptionID == "" {
		exceptionID = id.NewID()
	}

	candidate := exception.Exception{
		ID:       exceptionID,
		TenantID: req.TenantID,
		Domain:   req.Domain,
		Type:     req.Type,
		Severity: severity,
	}
	if err := candidate.Validate(); err != nil {
		return "", err
	}

	evt, err := event.New(req.TenantID, exceptionID, event.TypeExceptionIngested, event.System, event.ExceptionIngestedPayload{
		Domain:        req.Domain,
		ExceptionType: req.Type,
		Severity:      severity.String(),
		SLADeadline:   req.SLADeadline,
		PolicyTags:    req.PolicyTags,
		Attributes:    req.Attributes,
	})
	if err != nil {
		return "", err
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		return "", fmt.Errorf("append ingestion: %w", err)
	}

	s.logger.Printf("ingested exception %s:%s (%s/%s %s)", req.TenantID, exceptionID, req.Domain, req.Type, severity)
	s.refreshSnapshot(ctx, req.TenantID, exceptionID)
	return exceptionID, nil
}

// RecalculatePlaybook re-matches the exception against the approved set.
func (s *Service) RecalculatePlaybook(ctx context.Context, tenantID, exceptionID string) (*playbook.Suggestion, error) {
	suggestion, err := s.executor.Recalculate(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	s.refreshSnapshot(ctx, tenantID, exceptionID)
	return suggestion, nil
}

// CompleteStep performs and records one playbook step.
func (s *Service) CompleteStep(ctx context.Context, tenantID, exceptionID string, ordinal int, actor event.Actor) (execution.StepStatusReport, error) {
	report, err := s.executor.CompleteStep(ctx, tenantID, exceptionID, ordinal, actor)
	if err != nil {
		return execution.StepStatusReport{}, err
	}
	s.refreshSnapshot(ctx, tenantID, exceptionID)
	return report, nil
}

// GetPlaybookStatus derives the execution view by replaying the journal.
func (s *Service) GetPlaybookStatus(ctx context.Context, tenantID, exceptionID string) (execution.StepStatusReport, error) {
	return s.executor.Status(ctx, tenantID, exceptionID)
}

// GetException folds the authoritative snapshot from the journal.
func (s *Service) GetException(ctx context.Context, tenantID, exceptionID string) (exception.Exception, error) {
	history, err := s.events.ListEventsForException(ctx, tenantID, exceptionID)
	if err != nil {
		return exception.Exception{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return exception.Exception{}, errors.New(errors.CodeExceptionNotFound,
			fmt.Sprintf("exception %s:%s not found", tenantID, exceptionID))
	}
	return projection.Fold(history)
}

// ListExceptions reads the cached snapshots for a tenant.
func (s *Service) ListExceptions(ctx context.Context, tenantID string, limit int) ([]exception.Exception, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("snapshot store is not configured")
	}
	return s.snapshots.ListExceptions(ctx, tenantID, limit)
}

// Approve releases an escalated exception back into the pipeline.
func (s *Service) Approve(ctx context.Context, tenantID, exceptionID string, actor event.Actor) error {
	if _, err := s.machine.Approve(ctx, tenantID, exceptionID, actor); err != nil {
		return err
	}
	s.refreshSnapshot(ctx, tenantID, exceptionID)
	return nil
}

// refreshSnapshot rebuilds the cached snapshot after a mutation. Cache
// failures are logged, never surfaced: the journal already holds the truth.
func (s *Service) refreshSnapshot(ctx context.Context, tenantID, exceptionID string) {
	if s.snapshots == nil {
		return
	}
	exc, err := s.GetException(ctx, tenantID, exceptionID)
	if err != nil {
		s.logger.Printf("refresh snapshot %s:%s: %v", tenantID, exceptionID, err)
		return
	}
	if err := s.snapshots.PutException(ctx, exc); err != nil {
		s.logger.Printf("refresh snapshot %s:%s: %v", tenantID, exceptionID, err)
	}
}
