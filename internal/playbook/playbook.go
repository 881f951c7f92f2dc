// Package playbook models remediation runbooks: ordered steps guarded by
// ranked match conditions. Playbooks are configuration, loaded into explicit
// per-tenant libraries; execution state lives in the event journal, never
// here.
package playbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// ActionKind is the closed set of step actions.
type ActionKind string

const (
	ActionNotify      ActionKind = "notify"
	ActionAssignOwner ActionKind = "assign_owner"
	ActionSetStatus   ActionKind = "set_status"
	ActionAddComment  ActionKind = "add_comment"
	ActionCallTool    ActionKind = "call_tool"
	ActionEscalate    ActionKind = "escalate"
)

// IsValid reports whether the action kind is known.
func (a ActionKind) IsValid() bool {
	switch a {
	case ActionNotify, ActionAssignOwner, ActionSetStatus, ActionAddComment, ActionCallTool, ActionEscalate:
		return true
	}
	return false
}

// Step is one ordered remediation action. Steps are referenced by ordinal so
// step identity stays stable when later steps are edited.
type Step struct {
	Ordinal int               `yaml:"ordinal"`
	Action  ActionKind        `yaml:"action"`
	Params  map[string]string `yaml:"params"`
}

// Conditions guard when a playbook applies. Zero-valued fields are
// wildcards; a playbook matches only when every specified condition holds.
type Conditions struct {
	Domain        string   `yaml:"domain"`
	ExceptionType string   `yaml:"exception_type"`
	Severities    []string `yaml:"severities"`
	// MaxMinutesToSLA matches when the remaining SLA budget is at or below
	// the threshold, i.e. the exception is urgent enough.
	MaxMinutesToSLA *int     `yaml:"max_minutes_to_sla"`
	PolicyTags      []string `yaml:"policy_tags"`
}

// Playbook is a named, ordered remediation sequence.
type Playbook struct {
	ID string `yaml:"id"`
	// TenantID scopes the playbook to one tenant; empty means the playbook
	// is visible to every tenant in its domain.
	TenantID   string     `yaml:"tenant"`
	Domain     string     `yaml:"domain"`
	Name       string     `yaml:"name"`
	Priority   int        `yaml:"priority"`
	Active     bool       `yaml:"active"`
	CreatedAt  time.Time  `yaml:"created_at"`
	Conditions Conditions `yaml:"conditions"`
	Steps      []Step     `yaml:"steps"`
}

// StepCount returns the number of ordered steps.
func (p Playbook) StepCount() int {
	return len(p.Steps)
}

// StepByOrdinal returns the step with the given 1-based ordinal.
func (p Playbook) StepByOrdinal(ordinal int) (Step, bool) {
	for _, step := range p.Steps {
		if step.Ordinal == ordinal {
			return step, true
		}
	}
	return Step{}, false
}

// Validate checks structural invariants: a stable id, at least one step,
// contiguous ordinals from 1, known action kinds, and known severity names.
func (p Playbook) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New(errors.CodeValidationPlaybookInvalid, "playbook id is required")
	}
	if len(p.Steps) == 0 {
		return validationError(p.ID, "playbook has no steps")
	}
	for i, step := range p.Steps {
		if step.Ordinal != i+1 {
			return validationError(p.ID, fmt.Sprintf("step %d has ordinal %d, ordinals must be contiguous from 1", i+1, step.Ordinal))
		}
		if !step.Action.IsValid() {
			return validationError(p.ID, fmt.Sprintf("step %d has unknown action %q", step.Ordinal, step.Action))
		}
	}
	for _, name := range p.Conditions.Severities {
		if _, ok := exception.ParseSeverity(name); !ok {
			return validationError(p.ID, fmt.Sprintf("unknown severity %q in conditions", name))
		}
	}
	return nil
}

func validationError(playbookID, message string) error {
	return errors.WithMetadata(errors.CodeValidationPlaybookInvalid, message, map[string]string{
		"playbook_id": playbookID,
	})
}
