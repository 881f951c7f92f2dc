// Package exception defines the exception aggregate: severity and lifecycle
// enums, pipeline stages, and the derived snapshot. Snapshot fields are
// caches rebuilt from the event journal; the journal is authoritative.
package exception

import (
	"strings"
	"time"

	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// Severity orders exceptions by operational impact.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// String returns the canonical severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid reports whether the severity is a known rank.
func (s Severity) IsValid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity maps a severity name onto its rank.
func ParseSeverity(name string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "LOW":
		return SeverityLow, true
	case "MEDIUM":
		return SeverityMedium, true
	case "HIGH":
		return SeverityHigh, true
	case "CRITICAL":
		return SeverityCritical, true
	default:
		return 0, false
	}
}

// Status is the exception lifecycle status.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusAnalyzing Status = "ANALYZING"
	StatusResolved  Status = "RESOLVED"
	StatusEscalated Status = "ESCALATED"
)

// IsValid reports whether the status is one of the lifecycle values.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusAnalyzing, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

// Stage is a pipeline processing stage.
type Stage string

const (
	StageIngested          Stage = "INGESTED"
	StageNormalized        Stage = "NORMALIZED"
	StageTriaged           Stage = "TRIAGED"
	StagePolicyEvaluated   Stage = "POLICY_EVALUATED"
	StageResolutionPlanned Stage = "RESOLUTION_PLANNED"
	StageFeedbackCaptured  Stage = "FEEDBACK_CAPTURED"
	StageEscalated         Stage = "ESCALATED"
)

// Terminal reports whether the pipeline stops advancing at this stage.
// ESCALATED is not terminal: it waits indefinitely for human approval.
func (s Stage) Terminal() bool {
	return s == StageFeedbackCaptured
}

// Exception is the derived snapshot of one unit of work. It is mutated only
// by appending events and refolding; never written directly.
type Exception struct {
	ID          string
	TenantID    string
	Domain      string
	Type        string
	Severity    Severity
	Status      Status
	SLADeadline time.Time
	Stage       Stage
	// PlaybookID is the currently assigned playbook, empty when none.
	PlaybookID string
	// CurrentStep is the 1-based next step ordinal; 0 once all steps are
	// complete or while no playbook is assigned.
	CurrentStep int
	Owner       string
	PolicyTags  []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the fields required at ingestion time.
func (e Exception) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New(errors.CodeValidationTenantMissing, "tenant id is required")
	}
	if strings.TrimSpace(e.Domain) == "" {
		return errors.New(errors.CodeValidationExceptionInvalid, "exception domain is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New(errors.CodeValidationExceptionInvalid, "exception type is required")
	}
	if !e.Severity.IsValid() {
		return errors.WithMetadata(errors.CodeValidationExceptionInvalid, "unknown severity", map[string]string{
			"severity": e.Severity.String(),
		})
	}
	return nil
}

// MinutesToSLA returns whole minutes remaining until the SLA deadline at the
// given instant. Negative values mean the deadline has passed; exceptions
// without a deadline report a large horizon so SLA conditions stay inert.
func (e Exception) MinutesToSLA(now time.Time) int {
	if e.SLADeadline.IsZero() {
		return int(time.Duration(1<<62) / time.Minute)
	}
	return int(e.SLADeadline.Sub(now) / time.Minute)
}

// HasPlaybook reports whether a playbook is currently assigned.
func (e Exception) HasPlaybook() bool {
	return strings.TrimSpace(e.PlaybookID) != ""
}
