package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// Request carries everything a stage handler may consult: the folded
// snapshot and the full ordered history behind it.
type Request struct {
	Exception exception.Exception
	History   []event.Event
}

// Handler produces the payload for one stage-completion event. Returning a
// TransientFailure error defers the advance for retry; any other error
// records a StageFailed event and holds the exception at its current stage.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

type handlerKey struct {
	tenant string
	domain string
	stage  exception.Stage
}

// Registry resolves stage handlers per tenant and domain so tenants can
// carry custom triage or policy behavior without touching orchestration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

// Register binds a handler to a tenant/domain/stage scope. Empty tenant or
// domain registers a fallback for that stage.
func (r *Registry) Register(tenantID, domain string, stage exception.Stage, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	if strings.TrimSpace(string(stage)) == "" {
		return fmt.Errorf("stage is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{tenant: tenantID, domain: domain, stage: stage}] = h
	return nil
}

// Resolve finds the most specific handler for the scope, exact match first,
// then tenant-wide, domain-wide, and global fallbacks.
func (r *Registry) Resolve(tenantID, domain string, stage exception.Stage) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []handlerKey{
		{tenant: tenantID, domain: domain, stage: stage},
		{tenant: tenantID, domain: "", stage: stage},
		{tenant: "", domain: domain, stage: stage},
		{tenant: "", domain: "", stage: stage},
	} {
		if h, ok := r.handlers[key]; ok {
			return h, nil
		}
	}
	return nil, errors.WithMetadata(errors.CodeStageFailed,
		fmt.Sprintf("no handler for stage %s, tenant %q, domain %q", stage, tenantID, domain),
		map[string]string{"stage": string(stage), "tenant_id": tenantID, "domain": domain})
}
