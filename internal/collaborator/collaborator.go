// Package collaborator defines the external capabilities the pipeline calls
// out to: classification, policy evaluation, tool invocation, and
// notification dispatch. Orchestration code depends only on the Invoker
// contract; concrete collaborators are swapped per tenant and domain at
// construction time.
package collaborator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// Capability names the role a collaborator fills in the pipeline.
type Capability string

const (
	CapabilityClassify Capability = "classify"
	CapabilityPolicy   Capability = "policy"
	CapabilityTool     Capability = "tool"
	CapabilityNotify   Capability = "notify"
)

// Input carries the exception context and resolved step parameters into a
// collaborator call.
type Input struct {
	TenantID  string
	Exception exception.Exception
	Params    map[string]string
}

// Output carries a collaborator result. Fields are capability-specific:
// classifiers fill Classification/Confidence, policy evaluators fill
// Approved/Guardrail, tools and notifiers fill Detail.
type Output struct {
	Classification string
	Confidence     float64
	Approved       bool
	Guardrail      string
	Detail         string
}

// Invoker is a named external capability.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Output, error)
}

// registryKey scopes a registration. Empty tenant or domain acts as a
// wildcard consulted after exact matches.
type registryKey struct {
	tenant     string
	domain     string
	capability Capability
}

// Registry resolves collaborators per tenant and domain.
type Registry struct {
	mu       sync.RWMutex
	invokers map[registryKey]Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[registryKey]Invoker)}
}

// Register binds an invoker to a tenant/domain/capability scope. Empty
// tenant or domain registers a fallback for that capability. Later
// registrations for the same scope replace earlier ones.
func (r *Registry) Register(tenantID, domain string, capability Capability, inv Invoker) error {
	if inv == nil {
		return fmt.Errorf("invoker is required")
	}
	if strings.TrimSpace(string(capability)) == "" {
		return fmt.Errorf("capability is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[registryKey{tenant: tenantID, domain: domain, capability: capability}] = inv
	return nil
}

// Resolve finds the most specific invoker for the scope: exact
// tenant+domain, then tenant-wide, then domain-wide, then global fallback.
func (r *Registry) Resolve(tenantID, domain string, capability Capability) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []registryKey{
		{tenant: tenantID, domain: domain, capability: capability},
		{tenant: tenantID, domain: "", capability: capability},
		{tenant: "", domain: domain, capability: capability},
		{tenant: "", domain: "", capability: capability},
	} {
		if inv, ok := r.invokers[key]; ok {
			return inv, nil
		}
	}
	return nil, errors.WithMetadata(errors.CodeCollaboratorNotFound,
		fmt.Sprintf("no %s collaborator for tenant %q domain %q", capability, tenantID, domain),
		map[string]string{"capability": string(capability), "tenant_id": tenantID, "domain": domain})
}
