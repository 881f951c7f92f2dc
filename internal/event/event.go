// Package event defines the closed set of domain events recorded in the
// exception journal. Events are immutable once appended; every derived view
// of an exception is a fold over its ordered event history.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/exceptionflow/internal/partition"
)

// Type identifies the type of a journal event.
type Type string

// Exception lifecycle events.
const (
	// TypeExceptionIngested records the raw inbound exception.
	TypeExceptionIngested Type = "exception.ingested"
	// TypeExceptionCreated records the normalized exception snapshot seed.
	TypeExceptionCreated Type = "exception.created"
)

// Pipeline stage events.
const (
	// TypeTriageCompleted records the triage stage outcome.
	TypeTriageCompleted Type = "pipeline.triage_completed"
	// TypePolicyEvaluated records the policy/guardrail stage outcome.
	TypePolicyEvaluated Type = "pipeline.policy_evaluated"
	// TypeResolutionSuggested records the planned resolution.
	TypeResolutionSuggested Type = "pipeline.resolution_suggested"
	// TypeFeedbackCaptured records terminal feedback metrics.
	TypeFeedbackCaptured Type = "pipeline.feedback_captured"
	// TypeStageFailed records a stage handler rejecting its input. The
	// exception stays at its last good stage for human intervention.
	TypeStageFailed Type = "pipeline.stage_failed"
)

// Playbook events.
const (
	// TypePlaybookAssigned records acceptance of a matched playbook.
	TypePlaybookAssigned Type = "playbook.assigned"
	// TypePlaybookRecalculated records a re-match of the playbook.
	TypePlaybookRecalculated Type = "playbook.recalculated"
	// TypePlaybookStarted records the start of playbook execution.
	TypePlaybookStarted Type = "playbook.started"
	// TypePlaybookStepCompleted records completion of one ordered step.
	TypePlaybookStepCompleted Type = "playbook.step_completed"
	// TypePlaybookCompleted records completion of the final step.
	TypePlaybookCompleted Type = "playbook.completed"
)

// types is the closed enumeration consumed and produced by the core.
var types = map[Type]struct{}{
	TypeExceptionIngested:     {},
	TypeExceptionCreated:      {},
	TypeTriageCompleted:       {},
	TypePolicyEvaluated:       {},
	TypeResolutionSuggested:   {},
	TypeFeedbackCaptured:      {},
	TypeStageFailed:           {},
	TypePlaybookAssigned:      {},
	TypePlaybookRecalculated:  {},
	TypePlaybookStarted:       {},
	TypePlaybookStepCompleted: {},
	TypePlaybookCompleted:     {},
}

// IsValid reports whether the event type belongs to the closed enumeration.
func (t Type) IsValid() bool {
	_, ok := types[t]
	return ok
}

// Domain returns the domain prefix of the event type (e.g., "pipeline").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// ActorType identifies who or what triggered an event.
type ActorType string

const (
	// ActorTypeSystem indicates the event was triggered by the pipeline itself.
	ActorTypeSystem ActorType = "system"
	// ActorTypeHuman indicates the event was triggered by a human operator.
	ActorTypeHuman ActorType = "human"
	// ActorTypeAgent indicates the event was triggered by an automated agent.
	ActorTypeAgent ActorType = "agent"
)

// Actor identifies the originator of an event.
type Actor struct {
	Type ActorType
	ID   string
}

// System is the default actor for pipeline-emitted events.
var System = Actor{Type: ActorTypeSystem}

// Event is an immutable record in the exception journal.
type Event struct {
	// ID is a globally unique identifier assigned at construction. It is
	// the identity used by idempotency tracking.
	ID string
	// TenantID scopes the event; events never cross tenants.
	TenantID string
	// ExceptionID is the exception this event belongs to.
	ExceptionID string
	// PartitionKey is the ordering unit, derived from tenant and exception.
	PartitionKey string
	// Seq is the sequence number within the partition key (starts at 1).
	// Assigned by storage on append.
	Seq uint64
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Type identifies the kind of event.
	Type Type
	// ActorType identifies who triggered the event.
	ActorType ActorType
	// ActorID names the human or agent when the actor is not the system.
	ActorID string
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// New builds an unsequenced event envelope with the given typed payload.
// The store assigns Seq on append.
func New(tenantID, exceptionID string, t Type, actor Actor, payload any) (Event, error) {
	tenantID = strings.TrimSpace(tenantID)
	exceptionID = strings.TrimSpace(exceptionID)

	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ExceptionID:  exceptionID,
		PartitionKey: partition.Key(tenantID, exceptionID),
		Timestamp:    time.Now().UTC(),
		Type:         t,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		PayloadJSON:  raw,
	}, nil
}
