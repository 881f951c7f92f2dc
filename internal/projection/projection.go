// Package projection derives read models from the event journal. Every
// function here is a pure fold over an ordered event slice: same history in,
// same view out. Snapshots produced by folding are caches; the journal stays
// authoritative.
package projection

import (
	"fmt"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
)

// Fold replays an exception's ordered history into its derived snapshot.
// Unknown event types are rejected so a corrupted journal fails loudly
// instead of folding into a wrong view.
func Fold(events []event.Event) (exception.Exception, error) {
	if len(events) == 0 {
		return exception.Exception{}, fmt.Errorf("cannot fold an empty history")
	}

	var exc exception.Exception
	for i, evt := range events {
		if i == 0 {
			if evt.Type != event.TypeExceptionIngested {
				return exception.Exception{}, fmt.Errorf("history must begin with %s, got %s", event.TypeExceptionIngested, evt.Type)
			}
			exc.ID = evt.ExceptionID
			exc.TenantID = evt.TenantID
			exc.CreatedAt = evt.Timestamp
		}
		if evt.TenantID != exc.TenantID || evt.ExceptionID != exc.ID {
			return exception.Exception{}, fmt.Errorf("event %s belongs to %s:%s, not %s:%s", evt.ID, evt.TenantID, evt.ExceptionID, exc.TenantID, exc.ID)
		}
		next, err := apply(exc, evt)
		if err != nil {
			return exception.Exception{}, err
		}
		exc = next
		exc.UpdatedAt = evt.Timestamp
	}
	return exc, nil
}

func apply(exc exception.Exception, evt event.Event) (exception.Exception, error) {
	switch evt.Type {
	case event.TypeExceptionIngested:
		payload, err := event.DecodePayload[event.ExceptionIngestedPayload](evt)
		if err != nil {
			return exc, err
		}
		exc.Domain = payload.Domain
		exc.Type = payload.ExceptionType
		if sev, ok := exception.ParseSeverity(payload.Severity); ok {
			exc.Severity = sev
		}
		exc.SLADeadline = payload.SLADeadline
		exc.PolicyTags = payload.PolicyTags
		exc.Status = exception.StatusOpen
		exc.Stage = exception.StageIngested
		return exc, nil

	case event.TypeExceptionCreated:
		payload, err := event.DecodePayload[event.ExceptionCreatedPayload](evt)
		if err != nil {
			return exc, err
		}
		if payload.Domain != "" {
			exc.Domain = payload.Domain
		}
		if payload.ExceptionType != "" {
			exc.Type = payload.ExceptionType
		}
		if sev, ok := exception.ParseSeverity(payload.Severity); ok {
			exc.Severity = sev
		}
		if !payload.SLADeadline.IsZero() {
			exc.SLADeadline = payload.SLADeadline
		}
		if len(payload.PolicyTags) > 0 {
			exc.PolicyTags = payload.PolicyTags
		}
		exc.Status = exception.StatusAnalyzing
		exc.Stage = exception.StageNormalized
		return exc, nil

	case event.TypeTriageCompleted:
		payload, err := event.DecodePayload[event.TriageCompletedPayload](evt)
		if err != nil {
			return exc, err
		}
		if payload.Escalated {
			exc.Status = exception.StatusEscalated
			exc.Stage = exception.StageEscalated
			return exc, nil
		}
		exc.Stage = exception.StageTriaged
		return exc, nil

	case event.TypePolicyEvaluated:
		payload, err := event.DecodePayload[event.PolicyEvaluatedPayload](evt)
		if err != nil {
			return exc, err
		}
		if payload.Escalated {
			exc.Status = exception.StatusEscalated
			exc.Stage = exception.StageEscalated
			return exc, nil
		}
		if payload.Approved && exc.Status == exception.StatusEscalated {
			exc.Status = exception.StatusAnalyzing
		}
		exc.Stage = exception.StagePolicyEvaluated
		return exc, nil

	case event.TypeStageFailed:
		// The exception stays at its last good stage for human
		// intervention; the failure itself lives in the journal.
		return exc, nil

	case event.TypePlaybookAssigned:
		payload, err := event.DecodePayload[event.PlaybookAssignedPayload](evt)
		if err != nil {
			return exc, err
		}
		exc.PlaybookID = payload.PlaybookID
		exc.CurrentStep = 1
		return exc, nil

	case event.TypePlaybookRecalculated:
		payload, err := event.DecodePayload[event.PlaybookRecalculatedPayload](evt)
		if err != nil {
			return exc, err
		}
		exc.PlaybookID = payload.PlaybookID
		// Execution position resets only when the playbook identity
		// changed. Re-matching the current playbook preserves the
		// position, including the cleared position after completion.
		if payload.CurrentStepReset {
			exc.CurrentStep = 1
		}
		return exc, nil

	case event.TypePlaybookStarted:
		return exc, nil

	case event.TypePlaybookStepCompleted:
		payload, err := event.DecodePayload[event.PlaybookStepCompletedPayload](evt)
		if err != nil {
			return exc, err
		}
		exc.CurrentStep = payload.StepOrdinal + 1
		return exc, nil

	case event.TypePlaybookCompleted:
		exc.CurrentStep = 0
		return exc, nil

	case event.TypeResolutionSuggested:
		exc.Stage = exception.StageResolutionPlanned
		return exc, nil

	case event.TypeFeedbackCaptured:
		exc.Stage = exception.StageFeedbackCaptured
		exc.Status = exception.StatusResolved
		return exc, nil

	default:
		return exc, fmt.Errorf("unknown event type %q at seq %d", evt.Type, evt.Seq)
	}
}
