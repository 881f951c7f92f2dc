package playbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/driftline/exceptionflow/internal/exception"
)

// Attributes are the exception facts evaluated against match conditions.
type Attributes struct {
	Domain        string
	ExceptionType string
	Severity      exception.Severity
	MinutesToSLA  int
	PolicyTags    []string
}

// Suggestion is the outcome of a successful match.
type Suggestion struct {
	PlaybookID string
	StepCount  int
	Reasoning  string
}

// Library holds the playbooks visible to one deployment. Libraries are
// explicit values passed into worker construction so tests can build
// isolated instances; there is no process-wide registry.
type Library struct {
	playbooks []Playbook
}

// NewLibrary validates and collects playbooks into a library.
func NewLibrary(playbooks ...Playbook) (*Library, error) {
	for _, pb := range playbooks {
		if err := pb.Validate(); err != nil {
			return nil, err
		}
	}
	collected := make([]Playbook, len(playbooks))
	copy(collected, playbooks)
	return &Library{playbooks: collected}, nil
}

// Playbooks returns the library contents.
func (l *Library) Playbooks() []Playbook {
	if l == nil {
		return nil
	}
	out := make([]Playbook, len(l.playbooks))
	copy(out, l.playbooks)
	return out
}

// Get returns an active playbook visible to the tenant by id.
func (l *Library) Get(tenantID, playbookID string) (Playbook, bool) {
	if l == nil {
		return Playbook{}, false
	}
	for _, pb := range l.playbooks {
		if pb.ID == playbookID && pb.Active && visibleTo(pb, tenantID) {
			return pb, true
		}
	}
	return Playbook{}, false
}

// Match evaluates every active playbook visible to the tenant and returns
// the top-ranked match, or nil when nothing matches. Ranking is declared
// priority descending, then creation recency descending. Match is read-only;
// recording the suggestion is the caller's responsibility.
func (l *Library) Match(tenantID string, attrs Attributes) *Suggestion {
	if l == nil {
		return nil
	}

	type candidate struct {
		playbook Playbook
		matched  []string
	}
	var candidates []candidate
	for _, pb := range l.playbooks {
		if !pb.Active || !visibleTo(pb, tenantID) {
			continue
		}
		matched, ok := evaluate(pb.Conditions, attrs)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{playbook: pb, matched: matched})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].playbook, candidates[j].playbook
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	best := candidates[0]
	return &Suggestion{
		PlaybookID: best.playbook.ID,
		StepCount:  best.playbook.StepCount(),
		Reasoning:  reasoning(best.playbook, best.matched),
	}
}

func visibleTo(pb Playbook, tenantID string) bool {
	return pb.TenantID == "" || pb.TenantID == tenantID
}

// evaluate reports whether all specified conditions hold and which ones
// matched. Unspecified conditions are wildcards and do not appear in the
// matched list.
func evaluate(c Conditions, attrs Attributes) ([]string, bool) {
	var matched []string

	if c.Domain != "" {
		if !strings.EqualFold(c.Domain, attrs.Domain) {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("domain=%s", attrs.Domain))
	}
	if c.ExceptionType != "" {
		if !strings.EqualFold(c.ExceptionType, attrs.ExceptionType) {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("type=%s", attrs.ExceptionType))
	}
	if len(c.Severities) > 0 {
		if !severityIn(attrs.Severity, c.Severities) {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("severity=%s in {%s}", attrs.Severity, strings.Join(c.Severities, ", ")))
	}
	if c.MaxMinutesToSLA != nil {
		if attrs.MinutesToSLA > *c.MaxMinutesToSLA {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("minutes_to_sla=%d <= %d", attrs.MinutesToSLA, *c.MaxMinutesToSLA))
	}
	if len(c.PolicyTags) > 0 {
		if !tagsSubset(c.PolicyTags, attrs.PolicyTags) {
			return nil, false
		}
		matched = append(matched, fmt.Sprintf("policy_tags include {%s}", strings.Join(c.PolicyTags, ", ")))
	}
	return matched, true
}

func severityIn(severity exception.Severity, names []string) bool {
	for _, name := range names {
		if parsed, ok := exception.ParseSeverity(name); ok && parsed == severity {
			return true
		}
	}
	return false
}

func tagsSubset(required, present []string) bool {
	set := make(map[string]struct{}, len(present))
	for _, tag := range present {
		set[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
	}
	for _, tag := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(tag))]; !ok {
			return false
		}
	}
	return true
}

func reasoning(pb Playbook, matched []string) string {
	if len(matched) == 0 {
		return fmt.Sprintf("playbook %s matched: no conditions specified (wildcard)", pb.ID)
	}
	return fmt.Sprintf("playbook %s matched: %s", pb.ID, strings.Join(matched, "; "))
}
