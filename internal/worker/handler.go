package worker

import (
	"context"
	"log"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/execution"
	"github.com/driftline/exceptionflow/internal/pipeline"
	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// PipelineHandler advances exceptions through the stage machine as their
// journal events land. Each stage completion it appends comes back through
// the dispatcher, so the pipeline progresses one event at a time with full
// ordering and idempotency guarantees.
type PipelineHandler struct {
	machine  *pipeline.Machine
	executor *execution.Service
	logger   *log.Logger
}

// NewPipelineHandler builds the standard pipeline-advancing handler.
func NewPipelineHandler(machine *pipeline.Machine, executor *execution.Service, logger *log.Logger) *PipelineHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &PipelineHandler{machine: machine, executor: executor, logger: logger}
}

// HandleEvent reacts to one journal event. Stage completions trigger the
// next advance; triage suggestions trigger playbook assignment. Events the
// pipeline has nothing to do for are acknowledged untouched.
func (h *PipelineHandler) HandleEvent(ctx context.Context, evt event.Event) error {
	switch evt.Type {
	case event.TypeExceptionIngested,
		event.TypeExceptionCreated,
		event.TypeResolutionSuggested:
		return h.advance(ctx, evt)

	case event.TypePolicyEvaluated:
		// With a playbook in flight, resolution planning waits for the
		// PlaybookCompleted event.
		if h.executor != nil {
			report, err := h.executor.Status(ctx, evt.TenantID, evt.ExceptionID)
			if err != nil {
				return err
			}
			if report.PlaybookID != "" && !report.Completed {
				return nil
			}
		}
		return h.advance(ctx, evt)

	case event.TypeTriageCompleted:
		payload, err := event.DecodePayload[event.TriageCompletedPayload](evt)
		if err != nil {
			return err
		}
		if !payload.Escalated && payload.SuggestedPlaybookID != "" && h.executor != nil {
			if _, err := h.executor.Assign(ctx, evt.TenantID, evt.ExceptionID, payload.SuggestedPlaybookID, event.System, payload.Reasoning); err != nil {
				if errors.CodeOf(err).Retryable() {
					return err
				}
				h.logger.Printf("assign suggested playbook for %s:%s: %v", evt.TenantID, evt.ExceptionID, err)
			}
		}
		return h.advance(ctx, evt)

	case event.TypePlaybookCompleted:
		return h.advance(ctx, evt)

	default:
		return nil
	}
}

func (h *PipelineHandler) advance(ctx context.Context, evt event.Event) error {
	_, err := h.machine.Advance(ctx, evt.TenantID, evt.ExceptionID)
	if err == nil {
		return nil
	}
	// Escalated or terminal exceptions legitimately stop advancing.
	if errors.IsCode(err, errors.CodeStageNotAdvancing) {
		return nil
	}
	return err
}
