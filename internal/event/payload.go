package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExceptionIngestedPayload carries the raw inbound exception attributes.
type ExceptionIngestedPayload struct {
	Domain        string            `json:"domain"`
	ExceptionType string            `json:"exception_type"`
	Severity      string            `json:"severity"`
	SLADeadline   time.Time         `json:"sla_deadline"`
	PolicyTags    []string          `json:"policy_tags,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// ExceptionCreatedPayload seeds the normalized exception snapshot.
type ExceptionCreatedPayload struct {
	Domain        string    `json:"domain"`
	ExceptionType string    `json:"exception_type"`
	Severity      string    `json:"severity"`
	SLADeadline   time.Time `json:"sla_deadline"`
	PolicyTags    []string  `json:"policy_tags,omitempty"`
}

// TriageCompletedPayload records the triage classification outcome.
type TriageCompletedPayload struct {
	Classification      string  `json:"classification"`
	Confidence          float64 `json:"confidence"`
	SuggestedPlaybookID string  `json:"suggested_playbook_id,omitempty"`
	Reasoning           string  `json:"reasoning,omitempty"`
	Escalated           bool    `json:"escalated,omitempty"`
}

// PolicyEvaluatedPayload records the guardrail evaluation outcome. A human
// actor emitting this payload with Approved set releases an escalated
// exception back into the pipeline.
type PolicyEvaluatedPayload struct {
	Approved  bool   `json:"approved"`
	Guardrail string `json:"guardrail,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
}

// StageFailedPayload records a stage handler rejecting its input.
type StageFailedPayload struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// PlaybookAssignedPayload records acceptance of a matched playbook.
type PlaybookAssignedPayload struct {
	PlaybookID string `json:"playbook_id"`
	StepCount  int    `json:"step_count"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// PlaybookRecalculatedPayload records a re-match. CurrentStepReset reports
// whether the playbook identity changed and execution restarted at step 1.
type PlaybookRecalculatedPayload struct {
	PreviousPlaybookID string `json:"previous_playbook_id,omitempty"`
	PlaybookID         string `json:"playbook_id"`
	StepCount          int    `json:"step_count"`
	Reasoning          string `json:"reasoning,omitempty"`
	CurrentStepReset   bool   `json:"current_step_reset"`
}

// PlaybookStartedPayload records the start of playbook execution.
type PlaybookStartedPayload struct {
	PlaybookID string `json:"playbook_id"`
}

// PlaybookStepCompletedPayload records completion of one ordered step.
type PlaybookStepCompletedPayload struct {
	PlaybookID  string `json:"playbook_id"`
	StepOrdinal int    `json:"step_ordinal"`
	Action      string `json:"action"`
	Detail      string `json:"detail,omitempty"`
}

// PlaybookCompletedPayload records completion of the final step.
type PlaybookCompletedPayload struct {
	PlaybookID string `json:"playbook_id"`
	StepCount  int    `json:"step_count"`
}

// ResolutionSuggestedPayload records the planned resolution.
type ResolutionSuggestedPayload struct {
	PlaybookID string `json:"playbook_id,omitempty"`
	Summary    string `json:"summary"`
}

// FeedbackCapturedPayload records terminal derived metrics.
type FeedbackCapturedPayload struct {
	ResolvedWithinSLA bool  `json:"resolved_within_sla"`
	StepsCompleted    int   `json:"steps_completed"`
	DurationMillis    int64 `json:"duration_millis"`
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals the event payload into the given type.
func DecodePayload[T any](evt Event) (T, error) {
	var payload T
	if len(evt.PayloadJSON) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return payload, nil
}
