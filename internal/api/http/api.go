// Package http exposes the boundary operations over a chi HTTP router.
// Errors carry the structured {code, message} body mapped from the domain
// error taxonomy.
package http

import (
	"encoding/json"
	stderrors "errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftline/exceptionflow/internal/app"
	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/execution"
	"github.com/driftline/exceptionflow/internal/platform/errors"
	"github.com/driftline/exceptionflow/internal/projection"
)

// Server routes API requests to the boundary service.
type Server struct {
	service *app.Service
	logger  *log.Logger
}

// NewServer builds the HTTP server over the boundary service.
func NewServer(service *app.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{service: service, logger: logger}
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/tenants/{tenant}/exceptions", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/", s.handleList)
		r.Route("/{exception}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/recalculate", s.handleRecalculate)
			r.Post("/approve", s.handleApprove)
			r.Get("/playbook", s.handlePlaybookStatus)
			r.Post("/steps/{ordinal}/complete", s.handleCompleteStep)
		})
	})
	return r
}

type ingestRequest struct {
	ExceptionID string            `json:"exception_id,omitempty"`
	Domain      string            `json:"domain"`
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	SLADeadline time.Time         `json:"sla_deadline,omitempty"`
	PolicyTags  []string          `json:"policy_tags,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type ingestResponse struct {
	ExceptionID string `json:"exception_id"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeValidationExceptionInvalid, "malformed request body", err))
		return
	}

	exceptionID, err := s.service.Ingest(r.Context(), app.IngestRequest{
		TenantID:    chi.URLParam(r, "tenant"),
		ExceptionID: req.ExceptionID,
		Domain:      req.Domain,
		Type:        req.Type,
		Severity:    req.Severity,
		SLADeadline: req.SLADeadline,
		PolicyTags:  req.PolicyTags,
		Attributes:  req.Attributes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ingestResponse{ExceptionID: exceptionID})
}

type exceptionResponse struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Domain      string     `json:"domain"`
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty"`
	PlaybookID  string     `json:"playbook_id,omitempty"`
	CurrentStep int        `json:"current_step,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	PolicyTags  []string   `json:"policy_tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toExceptionResponse(exc exception.Exception) exceptionResponse {
	resp := exceptionResponse{
		ID:          exc.ID,
		TenantID:    exc.TenantID,
		Domain:      exc.Domain,
		Type:        exc.Type,
		Severity:    exc.Severity.String(),
		Status:      string(exc.Status),
		Stage:       string(exc.Stage),
		PlaybookID:  exc.PlaybookID,
		CurrentStep: exc.CurrentStep,
		Owner:       exc.Owner,
		PolicyTags:  exc.PolicyTags,
		CreatedAt:   exc.CreatedAt,
		UpdatedAt:   exc.UpdatedAt,
	}
	if !exc.SLADeadline.IsZero() {
		deadline := exc.SLADeadline
		resp.SLADeadline = &deadline
	}
	return resp
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	exc, err := s.service.GetException(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionResponse(exc))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.New(errors.CodeValidationExceptionInvalid, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	excs, err := s.service.ListExceptions(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]exceptionResponse, 0, len(excs))
	for _, exc := range excs {
		out = append(out, toExceptionResponse(exc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": out})
}

type suggestionResponse struct {
	PlaybookID string `json:"playbook_id"`
	StepCount  int    `json:"step_count"`
	Reasoning  string `json:"reasoning"`
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	suggestion, err := s.service.RecalculatePlaybook(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"))
	if err != nil {
		writeError(w, err)
		return
	}
	if suggestion == nil {
		writeJSON(w, http.StatusOK, map[string]any{"suggestion": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestionResponse{
		PlaybookID: suggestion.PlaybookID,
		StepCount:  suggestion.StepCount,
		Reasoning:  suggestion.Reasoning,
	}})
}

type actorRequest struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
}

func (a actorRequest) toActor() event.Actor {
	actorType := event.ActorType(a.ActorType)
	switch actorType {
	case event.ActorTypeHuman, event.ActorTypeAgent, event.ActorTypeSystem:
	default:
		actorType = event.ActorTypeHuman
	}
	return event.Actor{Type: actorType, ID: a.ActorID}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeValidationExceptionInvalid, "malformed request body", err))
		return
	}
	if err := s.service.Approve(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"), req.toActor()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type stepResponse struct {
	Ordinal     int        `json:"ordinal"`
	Action      string     `json:"action"`
	State       string     `json:"state"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

type statusResponse struct {
	ExceptionID string         `json:"exception_id"`
	PlaybookID  string         `json:"playbook_id,omitempty"`
	CurrentStep int            `json:"current_step,omitempty"`
	Completed   bool           `json:"completed"`
	Steps       []stepResponse `json:"steps"`
}

func toStatusResponse(report execution.StepStatusReport) statusResponse {
	resp := statusResponse{
		ExceptionID: report.ExceptionID,
		PlaybookID:  report.PlaybookID,
		CurrentStep: report.CurrentStep,
		Completed:   report.Completed,
		Steps:       make([]stepResponse, 0, len(report.Steps)),
	}
	for _, step := range report.Steps {
		sr := stepResponse{
			Ordinal: step.Ordinal,
			Action:  string(step.Action),
			State:   string(step.State),
			Detail:  step.Detail,
		}
		if step.State == projection.StepStateCompleted && !step.CompletedAt.IsZero() {
			at := step.CompletedAt
			sr.CompletedAt = &at
		}
		resp.Steps = append(resp.Steps, sr)
	}
	return resp
}

func (s *Server) handlePlaybookStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.GetPlaybookStatus(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(report))
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(chi.URLParam(r, "ordinal"))
	if err != nil {
		writeError(w, errors.New(errors.CodeStepUnknownOrdinal, "ordinal must be an integer"))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeValidationExceptionInvalid, "malformed request body", err))
		return
	}

	report, err := s.service.CompleteStep(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"), ordinal, req.toActor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(report))
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	resp := errorResponse{Code: string(code), Message: err.Error()}
	var domainErr *errors.Error
	if stderrors.As(err, &domainErr) {
		resp.Details = domainErr.Metadata
	}
	writeJSON(w, code.HTTPStatus(), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
