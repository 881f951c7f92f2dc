package collaborator

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/exception"
)

// GuardrailPolicy blocks automated handling of exceptions that must go
// through a human. An exception is blocked when it carries any blocked
// policy tag or meets the block severity floor.
type GuardrailPolicy struct {
	name string
	// blockedTags index; membership blocks regardless of severity.
	blockedTags map[string]struct{}
	// blockAtSeverity blocks at or above this rank; 0 disables.
	blockAtSeverity exception.Severity
}

// NewGuardrailPolicy builds a policy evaluator.
func NewGuardrailPolicy(name string, blockedTags []string, blockAtSeverity exception.Severity) (*GuardrailPolicy, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("guardrail name is required")
	}
	if blockAtSeverity != 0 && !blockAtSeverity.IsValid() {
		return nil, fmt.Errorf("unknown block severity %d", blockAtSeverity)
	}
	index := make(map[string]struct{}, len(blockedTags))
	for _, tag := range blockedTags {
		index[tag] = struct{}{}
	}
	return &GuardrailPolicy{name: name, blockedTags: index, blockAtSeverity: blockAtSeverity}, nil
}

func (g *GuardrailPolicy) Name() string {
	return g.name
}

func (g *GuardrailPolicy) Invoke(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	for _, tag := range in.Exception.PolicyTags {
		if _, blocked := g.blockedTags[tag]; blocked {
			return Output{Approved: false, Guardrail: fmt.Sprintf("policy tag %q requires human approval", tag)}, nil
		}
	}
	if g.blockAtSeverity != 0 && in.Exception.Severity >= g.blockAtSeverity {
		return Output{Approved: false, Guardrail: fmt.Sprintf("severity %s requires human approval", in.Exception.Severity)}, nil
	}
	return Output{Approved: true}, nil
}
