package projection

import (
	"testing"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/playbook"
)

func twoStepPlaybook() playbook.Playbook {
	return playbook.Playbook{
		ID:       "pb-1",
		TenantID: "T1",
		Active:   true,
		Steps: []playbook.Step{
			{Ordinal: 1, Action: playbook.ActionNotify},
			{Ordinal: 2, Action: playbook.ActionSetStatus},
		},
	}
}

func TestProgressNoExecution(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Completed || progress.CurrentStep != 1 {
		t.Fatalf("expected pending execution at step 1, got %+v", progress)
	}
	for _, step := range progress.Steps {
		if step.State != StepStatePending {
			t.Fatalf("expected all steps pending, got %+v", step)
		}
	}
}

func TestProgressPartialExecution(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify", Detail: "paged ops"}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Steps[0].State != StepStateCompleted || progress.Steps[0].Detail != "paged ops" {
		t.Fatalf("expected step 1 completed, got %+v", progress.Steps[0])
	}
	if progress.Steps[1].State != StepStatePending {
		t.Fatalf("expected step 2 pending, got %+v", progress.Steps[1])
	}
	if progress.CurrentStep != 2 || progress.StepsCompleted() != 1 {
		t.Fatalf("unexpected position %+v", progress)
	}

	next, err := progress.NextOrdinal()
	if err != nil {
		t.Fatalf("next ordinal: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected next ordinal 2, got %d", next)
	}
}

func TestProgressCompletion(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 2, Action: "set_status"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{PlaybookID: "pb-1", StepCount: 2}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !progress.Completed || progress.CurrentStep != 0 {
		t.Fatalf("expected completed execution, got %+v", progress)
	}
	if progress.CompletedAt.IsZero() {
		t.Fatal("expected completion timestamp from the journal")
	}
	if _, err := progress.NextOrdinal(); err == nil {
		t.Fatal("expected error when requesting a step after completion")
	}
}

func TestProgressCompletionMarkerCoversSteps(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{PlaybookID: "pb-1", StepCount: 2}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !progress.Completed || progress.CurrentStep != 0 {
		t.Fatalf("expected completed execution, got %+v", progress)
	}
	for _, step := range progress.Steps {
		if step.State != StepStateCompleted {
			t.Fatalf("expected completion marker to cover step %d, got %+v", step.Ordinal, step)
		}
		if !step.CompletedAt.Equal(progress.CompletedAt) {
			t.Fatalf("expected step %d to carry the completion timestamp, got %+v", step.Ordinal, step)
		}
	}
	if progress.StepsCompleted() != 2 {
		t.Fatalf("expected 2 completed steps, got %d", progress.StepsCompleted())
	}
}

func TestProgressResetOnReassignment(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-1", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculatedPayload{PreviousPlaybookID: "pb-1", PlaybookID: "pb-1", StepCount: 2, CurrentStepReset: true}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Steps[0].State != StepStatePending || progress.CurrentStep != 1 {
		t.Fatalf("expected reset to discard prior completions, got %+v", progress)
	}
}

func TestProgressIgnoresOtherPlaybooks(t *testing.T) {
	events := []event.Event{
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-other", StepCount: 1}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookStepCompleted, event.System, event.PlaybookStepCompletedPayload{PlaybookID: "pb-other", StepOrdinal: 1, Action: "notify"}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookCompleted, event.System, event.PlaybookCompletedPayload{PlaybookID: "pb-other", StepCount: 1}),
		mustEvent(t, "T1", "EXC-1", event.TypePlaybookAssigned, event.System, event.PlaybookAssignedPayload{PlaybookID: "pb-1", StepCount: 2}),
	}

	progress, err := Progress(events, twoStepPlaybook())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Completed || progress.StepsCompleted() != 0 {
		t.Fatalf("expected other playbook's history to be ignored, got %+v", progress)
	}
}
