package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "exceptionflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func appendEvent(t *testing.T, store *Store, tenantID, exceptionID string, typ event.Type) event.Event {
	t.Helper()
	evt, err := event.New(tenantID, exceptionID, typ, event.System, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	stored, err := store.AppendEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return stored
}

func TestAppendEventAssignsIncreasingSequences(t *testing.T) {
	store := openTestStore(t)

	first := appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionIngested)
	second := appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionCreated)
	other := appendEvent(t, store, "T1", "EXC-2", event.TypeExceptionIngested)

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected sequences 1,2 within a partition, got %d,%d", first.Seq, second.Seq)
	}
	if other.Seq != 1 {
		t.Fatalf("expected independent sequence per partition, got %d", other.Seq)
	}
}

func TestAppendEventIdempotentOnEventID(t *testing.T) {
	store := openTestStore(t)

	evt, err := event.New("T1", "EXC-1", event.TypeExceptionIngested, event.System, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	first, err := store.AppendEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	second, err := store.AppendEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("re-append event: %v", err)
	}
	if second.Seq != first.Seq || second.ID != first.ID {
		t.Fatalf("expected stored event back on duplicate append, got %+v vs %+v", second, first)
	}

	latest, err := store.LatestSeq(context.Background(), evt.PartitionKey)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != first.Seq {
		t.Fatalf("expected no new row after duplicate append, latest seq %d", latest)
	}
}

func TestListEventsRange(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionIngested)
	}

	events, err := store.ListEvents(context.Background(), "T1:EXC-1", 2, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("expected sequences 3,4, got %+v", events)
	}
}

func TestListEventsForException(t *testing.T) {
	store := openTestStore(t)
	appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionIngested)
	appendEvent(t, store, "T1", "EXC-2", event.TypeExceptionIngested)
	appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionCreated)

	events, err := store.ListEventsForException(context.Background(), "T1", "EXC-1")
	if err != nil {
		t.Fatalf("list events for exception: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("expected ordered history of 2 events, got %+v", events)
	}
	if events[0].Type != event.TypeExceptionIngested {
		t.Fatalf("expected ingested first, got %s", events[0].Type)
	}
}

func TestListPartitionKeys(t *testing.T) {
	store := openTestStore(t)
	appendEvent(t, store, "T1", "EXC-1", event.TypeExceptionIngested)
	appendEvent(t, store, "T2", "EXC-9", event.TypeExceptionIngested)

	keys, err := store.ListPartitionKeys(context.Background())
	if err != nil {
		t.Fatalf("list partition keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "T1:EXC-1" || keys[1] != "T2:EXC-9" {
		t.Fatalf("unexpected partition keys %v", keys)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetException(context.Background(), "T1", "EXC-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	exc := exception.Exception{
		ID:          "EXC-1",
		TenantID:    "T1",
		Domain:      "payments",
		Type:        "settlement_mismatch",
		Severity:    exception.SeverityHigh,
		Status:      exception.StatusAnalyzing,
		SLADeadline: now.Add(30 * time.Minute),
		Stage:       exception.StageTriaged,
		PlaybookID:  "pb-retry",
		CurrentStep: 2,
		Owner:       "ops-alice",
		PolicyTags:  []string{"pci", "high_value"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.PutException(context.Background(), exc); err != nil {
		t.Fatalf("put exception: %v", err)
	}

	got, err := store.GetException(context.Background(), "T1", "EXC-1")
	if err != nil {
		t.Fatalf("get exception: %v", err)
	}
	if got.Severity != exception.SeverityHigh || got.Stage != exception.StageTriaged || got.CurrentStep != 2 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if len(got.PolicyTags) != 2 || got.PolicyTags[0] != "pci" {
		t.Fatalf("unexpected policy tags %v", got.PolicyTags)
	}
	if !got.SLADeadline.Equal(exc.SLADeadline) {
		t.Fatalf("sla deadline drifted: %v vs %v", got.SLADeadline, exc.SLADeadline)
	}

	exc.Status = exception.StatusResolved
	exc.Stage = exception.StageFeedbackCaptured
	exc.CurrentStep = 0
	if err := store.PutException(context.Background(), exc); err != nil {
		t.Fatalf("update exception: %v", err)
	}
	got, err = store.GetException(context.Background(), "T1", "EXC-1")
	if err != nil {
		t.Fatalf("get exception: %v", err)
	}
	if got.Status != exception.StatusResolved || got.CurrentStep != 0 {
		t.Fatalf("expected upsert to replace snapshot, got %+v", got)
	}
}

func TestListExceptionsScopedToTenant(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	for _, exc := range []exception.Exception{
		{ID: "EXC-1", TenantID: "T1", Domain: "payments", Type: "a", Severity: exception.SeverityLow, Status: exception.StatusOpen, Stage: exception.StageIngested, CreatedAt: now, UpdatedAt: now},
		{ID: "EXC-2", TenantID: "T2", Domain: "payments", Type: "b", Severity: exception.SeverityLow, Status: exception.StatusOpen, Stage: exception.StageIngested, CreatedAt: now, UpdatedAt: now},
	} {
		if err := store.PutException(context.Background(), exc); err != nil {
			t.Fatalf("put exception: %v", err)
		}
	}

	excs, err := store.ListExceptions(context.Background(), "T1", 10)
	if err != nil {
		t.Fatalf("list exceptions: %v", err)
	}
	if len(excs) != 1 || excs[0].ID != "EXC-1" {
		t.Fatalf("expected tenant-scoped list, got %+v", excs)
	}
}

func TestPlaybookRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetPlaybook(context.Background(), "T1", "pb-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pb := playbook.Playbook{
		ID:        "pb-1",
		TenantID:  "T1",
		Domain:    "payments",
		Name:      "Retry settlement",
		Priority:  10,
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Conditions: playbook.Conditions{
			Domain:     "payments",
			Severities: []string{"HIGH", "CRITICAL"},
		},
		Steps: []playbook.Step{
			{Ordinal: 1, Action: playbook.ActionNotify, Params: map[string]string{"channel": "ops"}},
			{Ordinal: 2, Action: playbook.ActionSetStatus, Params: map[string]string{"status": "RESOLVED"}},
		},
	}
	if err := store.PutPlaybook(context.Background(), pb); err != nil {
		t.Fatalf("put playbook: %v", err)
	}

	got, err := store.GetPlaybook(context.Background(), "T1", "pb-1")
	if err != nil {
		t.Fatalf("get playbook: %v", err)
	}
	if got.StepCount() != 2 || got.Steps[0].Params["channel"] != "ops" {
		t.Fatalf("unexpected playbook %+v", got)
	}
	if got.Priority != 10 || !got.Active {
		t.Fatalf("unexpected ranking fields %+v", got)
	}
}

func TestListPlaybooksOrdering(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for _, pb := range []playbook.Playbook{
		{ID: "pb-low", TenantID: "T1", Priority: 1, Active: true, CreatedAt: base, Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
		{ID: "pb-high", TenantID: "T1", Priority: 9, Active: true, CreatedAt: base, Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
		{ID: "pb-newer", TenantID: "T1", Priority: 9, Active: true, CreatedAt: base.Add(time.Minute), Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
	} {
		if err := store.PutPlaybook(context.Background(), pb); err != nil {
			t.Fatalf("put playbook: %v", err)
		}
	}

	pbs, err := store.ListPlaybooks(context.Background(), "T1")
	if err != nil {
		t.Fatalf("list playbooks: %v", err)
	}
	if len(pbs) != 3 || pbs[0].ID != "pb-newer" || pbs[1].ID != "pb-high" || pbs[2].ID != "pb-low" {
		t.Fatalf("unexpected order: %s %s %s", pbs[0].ID, pbs[1].ID, pbs[2].ID)
	}
}

func TestListAllPlaybooksCrossesTenants(t *testing.T) {
	store := openTestStore(t)

	for _, pb := range []playbook.Playbook{
		{ID: "pb-t1", TenantID: "T1", Priority: 1, Active: true, Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
		{ID: "pb-t2", TenantID: "T2", Priority: 1, Active: true, Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
		{ID: "pb-global", Priority: 1, Active: true, Steps: []playbook.Step{{Ordinal: 1, Action: playbook.ActionNotify}}},
	} {
		if err := store.PutPlaybook(context.Background(), pb); err != nil {
			t.Fatalf("put playbook: %v", err)
		}
	}

	pbs, err := store.ListAllPlaybooks(context.Background())
	if err != nil {
		t.Fatalf("list all playbooks: %v", err)
	}
	if len(pbs) != 3 {
		t.Fatalf("expected 3 playbooks, got %d", len(pbs))
	}
	ids := make(map[string]bool, len(pbs))
	for _, pb := range pbs {
		ids[pb.ID] = true
	}
	if !ids["pb-t1"] || !ids["pb-t2"] || !ids["pb-global"] {
		t.Fatalf("missing playbooks in %v", ids)
	}
}

func TestMarkIfNew(t *testing.T) {
	store := openTestStore(t)

	first, err := store.MarkIfNew(context.Background(), "pipeline", "evt-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	second, err := store.MarkIfNew(context.Background(), "pipeline", "evt-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first || second {
		t.Fatalf("expected true then false, got %v then %v", first, second)
	}

	otherGroup, err := store.MarkIfNew(context.Background(), "audit", "evt-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !otherGroup {
		t.Fatal("expected independent marks per consumer group")
	}
}

func TestAttemptRecords(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i := 1; i <= 3; i++ {
		attempt := storage.AttemptRecord{
			EventID:      "evt-1",
			EventType:    string(event.TypeExceptionIngested),
			PartitionKey: "T1:EXC-1",
			Consumer:     "pipeline",
			Outcome:      "retried",
			AttemptCount: i,
			LastError:    "collaborator timeout",
			CreatedAt:    now,
		}
		if i == 3 {
			attempt.Outcome = "processed"
			attempt.LastError = ""
		}
		if err := store.RecordAttempt(context.Background(), attempt); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	attempts, err := store.ListAttempts(context.Background(), 2)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(attempts))
	}
	if attempts[0].Outcome != "processed" || attempts[0].AttemptCount != 3 {
		t.Fatalf("expected newest first, got %+v", attempts[0])
	}
}

func TestTelemetryEvents(t *testing.T) {
	store := openTestStore(t)

	evt := storage.TelemetryEvent{
		Severity:  "warn",
		Component: "worker",
		Message:   "partition lag above threshold",
		TenantID:  "T1",
	}
	if err := store.AppendTelemetryEvent(context.Background(), evt); err != nil {
		t.Fatalf("append telemetry: %v", err)
	}

	events, err := store.ListTelemetryEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list telemetry: %v", err)
	}
	if len(events) != 1 || events[0].Component != "worker" {
		t.Fatalf("unexpected telemetry %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected a default timestamp on append")
	}
}
