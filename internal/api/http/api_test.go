package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/driftline/exceptionflow/internal/app"
	"github.com/driftline/exceptionflow/internal/collaborator"
	"github.com/driftline/exceptionflow/internal/execution"
	"github.com/driftline/exceptionflow/internal/pipeline"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/storage/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := log.New(os.Stderr, "api-test ", log.LstdFlags)
	store := memory.NewStore()

	library, err := playbook.NewLibrary(playbook.Playbook{
		ID:       "pb-retry",
		Domain:   "payments",
		Priority: 5,
		Active:   true,
		Conditions: playbook.Conditions{
			Domain: "payments",
		},
		Steps: []playbook.Step{
			{Ordinal: 1, Action: playbook.ActionNotify, Params: map[string]string{"channel": "ops"}},
			{Ordinal: 2, Action: playbook.ActionSetStatus, Params: map[string]string{"status": "RESOLVED"}},
		},
	})
	if err != nil {
		t.Fatalf("new library: %v", err)
	}

	collaborators := collaborator.NewRegistry()
	classifier, err := collaborator.NewRulesClassifier("rules", []collaborator.ClassificationRule{
		{Domain: "payments", Classification: "known_issue", Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	if err := collaborators.Register("", "", collaborator.CapabilityClassify, classifier); err != nil {
		t.Fatalf("register: %v", err)
	}
	guardrail, err := collaborator.NewGuardrailPolicy("guard", nil, 0)
	if err != nil {
		t.Fatalf("new guardrail: %v", err)
	}
	if err := collaborators.Register("", "", collaborator.CapabilityPolicy, guardrail); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := collaborators.Register("", "", collaborator.CapabilityNotify, collaborator.NewLogNotifier("notify", logger)); err != nil {
		t.Fatalf("register: %v", err)
	}

	handlers := pipeline.NewRegistry()
	if err := pipeline.RegisterDefaultHandlers(handlers, collaborators, library, 0.5); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	machine, err := pipeline.NewMachine(store, handlers, logger)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	executor, err := execution.NewService(store, library, collaborators, logger)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	service, err := app.NewService(store, store, executor, machine, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewServer(service, logger).Router()
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(context.Background())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIngestAndGet(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions",
		`{"exception_id":"EXC-1","domain":"payments","type":"settlement_mismatch","severity":"HIGH"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["exception_id"] != "EXC-1" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/tenants/T1/exceptions/EXC-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["stage"] != "INGESTED" || body["severity"] != "HIGH" {
		t.Fatalf("unexpected exception body %v", body)
	}
}

func TestIngestValidationError(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions",
		`{"domain":"payments","type":"settlement_mismatch","severity":"IMPOSSIBLE"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "VALIDATION_EXCEPTION_INVALID" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestGetMissingException(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/tenants/T1/exceptions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "EXCEPTION_NOT_FOUND" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestCompleteStepConflict(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions",
		`{"exception_id":"EXC-1","domain":"payments","type":"settlement_mismatch","severity":"HIGH"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", rec.Code)
	}

	// No playbook assigned yet.
	rec = doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions/EXC-1/steps/1/complete",
		`{"actor_type":"human","actor_id":"ops-alice"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != "STEP_NO_PLAYBOOK_ASSIGNED" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestRecalculateEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions",
		`{"exception_id":"EXC-1","domain":"payments","type":"settlement_mismatch","severity":"HIGH"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/tenants/T1/exceptions/EXC-1/recalculate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	suggestion, ok := body["suggestion"].(map[string]any)
	if !ok || suggestion["playbook_id"] != "pb-retry" {
		t.Fatalf("unexpected suggestion body %v", body)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/tenants/T1/exceptions/EXC-1/playbook", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	status := decodeBody(t, rec)
	if status["playbook_id"] != "pb-retry" || status["completed"] != false {
		t.Fatalf("unexpected status body %v", status)
	}
}
