package collaborator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/driftline/exceptionflow/internal/platform/errors"
)

// ToolFunc executes one named tool with resolved parameters and returns a
// human-readable result detail.
type ToolFunc func(ctx context.Context, params map[string]string) (string, error)

// ToolInvoker dispatches call_tool steps to registered tool functions. The
// step's "tool" parameter selects the function.
type ToolInvoker struct {
	name  string
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewToolInvoker returns an empty tool invoker.
func NewToolInvoker(name string) *ToolInvoker {
	return &ToolInvoker{name: name, tools: make(map[string]ToolFunc)}
}

// RegisterTool binds a tool function to a name.
func (t *ToolInvoker) RegisterTool(name string, fn ToolFunc) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return fmt.Errorf("tool function is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = fn
	return nil
}

func (t *ToolInvoker) Name() string {
	return t.name
}

func (t *ToolInvoker) Invoke(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	toolName := strings.TrimSpace(in.Params["tool"])
	if toolName == "" {
		return Output{}, errors.New(errors.CodeCollaboratorNotFound, "step params do not name a tool")
	}

	t.mu.RLock()
	fn, ok := t.tools[toolName]
	t.mu.RUnlock()
	if !ok {
		return Output{}, errors.WithMetadata(errors.CodeCollaboratorNotFound,
			fmt.Sprintf("unknown tool %q", toolName),
			map[string]string{"tool": toolName})
	}

	detail, err := fn(ctx, in.Params)
	if err != nil {
		return Output{}, fmt.Errorf("tool %s: %w", toolName, err)
	}
	return Output{Detail: detail}, nil
}
