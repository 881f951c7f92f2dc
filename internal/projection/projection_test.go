package projection

import (
	"reflect"
	"testing"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
)

func mustEvent(t *testing.T, tenantID, exceptionID string, typ event.Type, actor event.Actor, payload any) event.Event {
	t.Helper()
	evt, err := event.New(tenantID, exceptionID, typ, actor, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return evt
}

func ingestedHistory(t *testing.T) []event.Event {
	t.Helper()
	return []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypeExceptionIngested, event.System, event.ExceptionIngestedPayload{
			Domain:        "payments",
			ExceptionType: "settlement_mismatch",
			Severity:      "HIGH",
			SLADeadline:   time.Now().UTC().Add(time.Hour),
			PolicyTags:    []string{"pci"},
		}),
	}
}

func TestFoldEmptyHistory(t *testing.T) {
	if _, err := Fold(nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestFoldRequiresIngestedFirst(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypeTriageCompleted, event.System, nil),
	}
	if _, err := Fold(events); err == nil {
		t.Fatal("expected error when history does not begin with ingestion")
	}
}

func TestFoldRejectsMixedHistories(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events, mustEvent(t, "T1", "EXC-2", event.TypeTriageCompleted, event.System, nil))
	if _, err := Fold(events); err == nil {
		t.Fatal("expected error for a history spanning two exceptions")
	}
}

func TestFoldIngestion(t *testing.T) {
	exc, err := Fold(ingestedHistory(t))
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.ID != "EXC-1" || exc.TenantID != "T1" {
		t.Fatalf("unexpected identity %+v", exc)
	}
	if exc.Status != exception.StatusOpen || exc.Stage != exception.StageIngested {
		t.Fatalf("expected OPEN/INGESTED, got %s/%s", exc.Status, exc.Stage)
	}
	if exc.Severity != exception.SeverityHigh || exc.Domain != "payments" {
		t.Fatalf("unexpected attributes %+v", exc)
	}
}

func TestFoldFullPipeline(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypeExceptionCreated, event.System, event.ExceptionCreatedPayload{}),
		mustEvent(t, "T1", "EXC-1", event.TypeTriageCompleted, event.System, event.TriageCompletedPayload{Classification: "known_issue", Confidence: 0.94}),
		mustEvent(t, "T1", "EXC-1", event.TypePolicyEvaluated, event.System, event.PolicyEvaluatedPayload{Approved: true}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStarted, event.System, event.PlaybookStartedPayload{PlaybookID: "pb-1"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 2, Action: "set_status"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypeResolutionSuggested, event.System, event.ResolutionSuggestedPayload{PlaybookID: "pb-1", Summary: "retried settlement"}),
		mustEvent(t, "T1", "EXC-1", event.TypeFeedbackCaptured, event.System, event.FeedbackCapturedPayload{ResolvedWithinSLA: true, StepsCompleted: 2}),
	)

	exc, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.Stage != exception.StageFeedbackCaptured || exc.Status != exception.StatusResolved {
		t.Fatalf("expected terminal RESOLVED snapshot, got %s/%s", exc.Stage, exc.Status)
	}
	if exc.PlaybookID != "pb-1" || exc.CurrentStep != 0 {
		t.Fatalf("expected completed playbook with cleared step, got %+v", exc)
	}
}

func TestFoldEscalationAndHumanRelease(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypeExceptionCreated, event.System, event.ExceptionCreatedPayload{}),
		mustEvent(t, "T1", "EXC-1", event.TypeTriageCompleted, event.System, event.TriageCompletedPayload{Classification: "novel", Confidence: 0.2, Escalated: true}),
	)

	exc, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.Status != exception.StatusEscalated || exc.Stage != exception.StageEscalated {
		t.Fatalf("expected escalation, got %s/%s", exc.Status, exc.Stage)
	}

	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypePolicyEvaluated, event.Actor{Type: event.ActorTypeHuman, ID: "ops-alice"}, event.PolicyEvaluatedPayload{Approved: true}),
	)
	exc, err = Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.Status != exception.StatusAnalyzing || exc.Stage != exception.StagePolicyEvaluated {
		t.Fatalf("expected human approval to release escalation, got %s/%s", exc.Status, exc.Stage)
	}
}

func TestFoldStageFailedKeepsLastGoodStage(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypeExceptionCreated, event.System, event.ExceptionCreatedPayload{}),
		mustEvent(t, "T1", "EXC-1", event.TypeStageFailed, event.System, event.StageFailedPayload{Stage: "TRIAGED", Reason: "classifier unavailable"}),
	)

	exc, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.Stage != exception.StageNormalized {
		t.Fatalf("expected failure to keep last good stage, got %s", exc.Stage)
	}
}

func TestFoldRecalculation(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 3}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculatedPayload{PreviousPlaybookID: "pb-1", PlaybookID: "pb-1", StepCount: 3, CurrentStepReset: false}),
	)

	exc, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.PlaybookID != "pb-1" || exc.CurrentStep != 2 {
		t.Fatalf("expected same-playbook recalculation to preserve position, got %+v", exc)
	}

	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculatedPayload{PreviousPlaybookID: "pb-1", PlaybookID: "pb-2", StepCount: 2, CurrentStepReset: true}),
	)
	exc, err = Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.PlaybookID != "pb-2" || exc.CurrentStep != 1 {
		t.Fatalf("expected identity change to reset execution, got %+v", exc)
	}
}

func TestFoldRecalculationAfterCompletionKeepsClearedStep(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 2, Action: "set_status"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculatedPayload{PreviousPlaybookID: "pb-1", PlaybookID: "pb-1", StepCount: 2, CurrentStepReset: false}),
	)

	exc, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if exc.PlaybookID != "pb-1" || exc.CurrentStep != 0 {
		t.Fatalf("expected re-matching the completed playbook to keep the cleared step, got %+v", exc)
	}
}

func TestFoldIsDeterministic(t *testing.T) {
	events := ingestedHistory(t)
	events = append(events,
		mustEvent(t, "T1", "EXC-1", event.TypeExceptionCreated, event.System, event.ExceptionCreatedPayload{}),
		mustEvent(t, "T1", "EXC-1", event.TypeTriageCompleted, event.System, event.TriageCompletedPayload{Classification: "known_issue", Confidence: 0.9}),
	)

	first, err := Fold(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Fold(events)
		if err != nil {
			t.Fatalf("fold: %v", err)
		}
		if !equalSnapshots(again, first) {
			t.Fatalf("replay diverged: %+v vs %+v", again, first)
		}
	}
}

func equalSnapshots(a, b exception.Exception) bool {
	if len(a.PolicyTags) != len(b.PolicyTags) {
		return false
	}
	for i := range a.PolicyTags {
		if a.PolicyTags[i] != b.PolicyTags[i] {
			return false
		}
	}
	a.PolicyTags, b.PolicyTags = nil, nil
	return reflect.DeepEqual(a, b)
}
