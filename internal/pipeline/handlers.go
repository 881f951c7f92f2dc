package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/exceptionflow/internal/collaborator"
	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/playbook"
)

// NormalizeHandler seeds the normalized snapshot from the ingested
// attributes. Ingestion already validated them; normalization records the
// canonical form the rest of the pipeline folds over.
func NormalizeHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (any, error) {
		exc := req.Exception
		if err := exc.Validate(); err != nil {
			return nil, err
		}
		return event.ExceptionCreatedPayload{
			Domain:        exc.Domain,
			ExceptionType: exc.Type,
			Severity:      exc.Severity.String(),
			SLADeadline:   exc.SLADeadline,
			PolicyTags:    exc.PolicyTags,
		}, nil
	})
}

// TriageHandler classifies the exception through the classify collaborator
// and suggests a playbook from the library. Confidence below the threshold
// escalates for human review.
func TriageHandler(collaborators *collaborator.Registry, library *playbook.Library, confidenceThreshold float64, now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return HandlerFunc(func(ctx context.Context, req Request) (any, error) {
		exc := req.Exception
		classifier, err := collaborators.Resolve(exc.TenantID, exc.Domain, collaborator.CapabilityClassify)
		if err != nil {
			return nil, err
		}
		out, err := classifier.Invoke(ctx, collaborator.Input{TenantID: exc.TenantID, Exception: exc})
		if err != nil {
			return nil, err
		}

		payload := event.TriageCompletedPayload{
			Classification: out.Classification,
			Confidence:     out.Confidence,
		}
		if out.Confidence < confidenceThreshold {
			payload.Escalated = true
			payload.Reasoning = fmt.Sprintf("confidence %.2f below threshold %.2f", out.Confidence, confidenceThreshold)
			return payload, nil
		}

		if suggestion := library.Match(exc.TenantID, playbook.Attributes{
			Domain:        exc.Domain,
			ExceptionType: exc.Type,
			Severity:      exc.Severity,
			MinutesToSLA:  exc.MinutesToSLA(now().UTC()),
			PolicyTags:    exc.PolicyTags,
		}); suggestion != nil {
			payload.SuggestedPlaybookID = suggestion.PlaybookID
			payload.Reasoning = suggestion.Reasoning
		}
		return payload, nil
	})
}

// PolicyHandler evaluates guardrails through the policy collaborator. A
// block escalates; approval lets the pipeline continue.
func PolicyHandler(collaborators *collaborator.Registry) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (any, error) {
		exc := req.Exception
		policy, err := collaborators.Resolve(exc.TenantID, exc.Domain, collaborator.CapabilityPolicy)
		if err != nil {
			return nil, err
		}
		out, err := policy.Invoke(ctx, collaborator.Input{TenantID: exc.TenantID, Exception: exc})
		if err != nil {
			return nil, err
		}
		return event.PolicyEvaluatedPayload{
			Approved:  out.Approved,
			Guardrail: out.Guardrail,
			Escalated: !out.Approved,
		}, nil
	})
}

// ResolutionHandler plans the resolution from the assigned playbook.
func ResolutionHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (any, error) {
		exc := req.Exception
		summary := "no playbook assigned, manual resolution required"
		if exc.HasPlaybook() {
			summary = fmt.Sprintf("resolve via playbook %s", exc.PlaybookID)
		}
		return event.ResolutionSuggestedPayload{
			PlaybookID: exc.PlaybookID,
			Summary:    summary,
		}, nil
	})
}

// FeedbackHandler derives terminal metrics from the history: steps
// completed, end-to-end duration, and whether resolution beat the SLA.
func FeedbackHandler(now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return HandlerFunc(func(ctx context.Context, req Request) (any, error) {
		exc := req.Exception

		var steps int
		for _, evt := range req.History {
			if evt.Type == event.TypePlaybookStepCompleted {
				steps++
			}
		}

		resolvedAt := now().UTC()
		withinSLA := exc.SLADeadline.IsZero() || resolvedAt.Before(exc.SLADeadline)

		var duration time.Duration
		if !exc.CreatedAt.IsZero() {
			duration = resolvedAt.Sub(exc.CreatedAt)
		}
		return event.FeedbackCapturedPayload{
			ResolvedWithinSLA: withinSLA,
			StepsCompleted:    steps,
			DurationMillis:    duration.Milliseconds(),
		}, nil
	})
}

// RegisterDefaultHandlers installs the standard handler set as global
// fallbacks on the registry.
func RegisterDefaultHandlers(registry *Registry, collaborators *collaborator.Registry, library *playbook.Library, confidenceThreshold float64) error {
	defaults := map[exception.Stage]Handler{
		exception.StageNormalized:        NormalizeHandler(),
		exception.StageTriaged:           TriageHandler(collaborators, library, confidenceThreshold, nil),
		exception.StagePolicyEvaluated:   PolicyHandler(collaborators),
		exception.StageResolutionPlanned: ResolutionHandler(),
		exception.StageFeedbackCaptured:  FeedbackHandler(nil),
	}
	for stage, handler := range defaults {
		if err := registry.Register("", "", stage, handler); err != nil {
			return fmt.Errorf("register %s handler: %w", stage, err)
		}
	}
	return nil
}
