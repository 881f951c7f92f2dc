package playbook

import (
	"strings"
	"testing"
	"time"

	"github.com/driftline/exceptionflow/internal/exception"
)

func intPtr(v int) *int { return &v }

func financeAttrs() Attributes {
	return Attributes{
		Domain:        "Finance",
		ExceptionType: "PaymentFailure",
		Severity:      exception.SeverityHigh,
		MinutesToSLA:  120,
		PolicyTags:    []string{"pci", "payments"},
	}
}

func TestMatchPrefersHigherPriority(t *testing.T) {
	high := threeStepPlaybook("PB-1")
	high.Priority = 10
	low := threeStepPlaybook("PB-2")
	low.Priority = 1

	library, err := NewLibrary(low, high)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	suggestion := library.Match("T1", financeAttrs())
	if suggestion == nil {
		t.Fatal("expected a match")
	}
	if suggestion.PlaybookID != "PB-1" {
		t.Fatalf("expected PB-1, got %s", suggestion.PlaybookID)
	}
	if suggestion.StepCount != 3 {
		t.Fatalf("expected 3 steps, got %d", suggestion.StepCount)
	}
}

func TestMatchTieBreaksOnRecency(t *testing.T) {
	older := threeStepPlaybook("PB-OLD")
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := threeStepPlaybook("PB-NEW")
	newer.CreatedAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	library, err := NewLibrary(older, newer)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	suggestion := library.Match("T1", financeAttrs())
	if suggestion == nil || suggestion.PlaybookID != "PB-NEW" {
		t.Fatalf("expected newest playbook to win the tie, got %+v", suggestion)
	}
}

func TestMatchEvaluatesAllConditions(t *testing.T) {
	pb := threeStepPlaybook("PB-1")
	pb.Conditions = Conditions{
		Domain:          "Finance",
		ExceptionType:   "PaymentFailure",
		Severities:      []string{"HIGH", "CRITICAL"},
		MaxMinutesToSLA: intPtr(240),
		PolicyTags:      []string{"pci"},
	}
	library, err := NewLibrary(pb)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	suggestion := library.Match("T1", financeAttrs())
	if suggestion == nil {
		t.Fatal("expected all conditions to hold")
	}
	for _, fragment := range []string{"domain=Finance", "type=PaymentFailure", "severity=HIGH", "minutes_to_sla=120", "policy_tags include {pci}"} {
		if !strings.Contains(suggestion.Reasoning, fragment) {
			t.Fatalf("reasoning missing %q: %s", fragment, suggestion.Reasoning)
		}
	}

	cold := financeAttrs()
	cold.MinutesToSLA = 600
	if library.Match("T1", cold) != nil {
		t.Fatal("expected SLA threshold to exclude the playbook")
	}

	wrongSeverity := financeAttrs()
	wrongSeverity.Severity = exception.SeverityLow
	if library.Match("T1", wrongSeverity) != nil {
		t.Fatal("expected severity set to exclude the playbook")
	}

	missingTag := financeAttrs()
	missingTag.PolicyTags = []string{"payments"}
	if library.Match("T1", missingTag) != nil {
		t.Fatal("expected required policy tag to exclude the playbook")
	}
}

func TestMatchUnspecifiedConditionsAreWildcards(t *testing.T) {
	pb := threeStepPlaybook("PB-ANY")
	pb.Conditions = Conditions{}
	library, err := NewLibrary(pb)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	suggestion := library.Match("T1", Attributes{Domain: "Anything", Severity: exception.SeverityLow})
	if suggestion == nil {
		t.Fatal("expected wildcard playbook to match")
	}
	if !strings.Contains(suggestion.Reasoning, "wildcard") {
		t.Fatalf("expected wildcard reasoning, got %s", suggestion.Reasoning)
	}
}

func TestMatchReturnsNilWhenNothingMatches(t *testing.T) {
	pb := threeStepPlaybook("PB-1")
	pb.Conditions.Domain = "Logistics"
	library, err := NewLibrary(pb)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}
	if got := library.Match("T1", financeAttrs()); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestMatchRespectsTenantVisibilityAndActivation(t *testing.T) {
	otherTenant := threeStepPlaybook("PB-OTHER")
	otherTenant.TenantID = "T2"
	inactive := threeStepPlaybook("PB-INACTIVE")
	inactive.Active = false
	global := threeStepPlaybook("PB-GLOBAL")
	global.TenantID = ""

	library, err := NewLibrary(otherTenant, inactive, global)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	suggestion := library.Match("T1", financeAttrs())
	if suggestion == nil || suggestion.PlaybookID != "PB-GLOBAL" {
		t.Fatalf("expected the global playbook only, got %+v", suggestion)
	}

	if _, ok := library.Get("T1", "PB-OTHER"); ok {
		t.Fatal("expected other tenant's playbook to be invisible")
	}
	if _, ok := library.Get("T1", "PB-INACTIVE"); ok {
		t.Fatal("expected inactive playbook to be invisible")
	}
	if _, ok := library.Get("T1", "PB-GLOBAL"); !ok {
		t.Fatal("expected global playbook to be visible")
	}
}
