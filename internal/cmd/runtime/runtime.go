// Package runtime assembles the shared process components: storage, the
// playbook library, collaborators, the pipeline machine, the execution
// service, and the boundary service. Both the server and worker commands
// build from here so the two processes agree on one approved configuration.
package runtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/driftline/exceptionflow/internal/app"
	"github.com/driftline/exceptionflow/internal/collaborator"
	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/execution"
	"github.com/driftline/exceptionflow/internal/pipeline"
	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/storage/sqlite"
	"github.com/driftline/exceptionflow/internal/telemetry"
)

// Options configures component assembly.
type Options struct {
	// DBPath locates the SQLite database file.
	DBPath string
	// PlaybookDir holds YAML playbook packs synced into the store at startup.
	PlaybookDir string
	// RulesPath locates the YAML classification rule file.
	RulesPath string
	// ConfidenceThreshold escalates triage classifications below it.
	ConfidenceThreshold float64
	// BlockedPolicyTags lists policy tags the guardrail routes to a human.
	BlockedPolicyTags []string
	// BlockSeverity names the severity floor the guardrail blocks at; empty
	// disables the floor.
	BlockSeverity string
	// CollaboratorTimeout bounds each collaborator call.
	CollaboratorTimeout time.Duration
	// Tools maps tool names to functions for call_tool steps.
	Tools map[string]collaborator.ToolFunc

	Logger *log.Logger
}

// Components holds the assembled process dependencies.
type Components struct {
	Store         *sqlite.Store
	Library       *playbook.Library
	Collaborators *collaborator.Registry
	Machine       *pipeline.Machine
	Executor      *execution.Service
	App           *app.Service
	Telemetry     *telemetry.Emitter
}

// Close releases held resources.
func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// Build opens storage, syncs playbook packs, and wires the full component
// graph for one process.
func Build(ctx context.Context, component string, opts Options) (*Components, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	store, err := sqlite.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	library, err := loadLibrary(ctx, store, opts.PlaybookDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	collaborators, err := buildCollaborators(opts, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handlers := pipeline.NewRegistry()
	if err := pipeline.RegisterDefaultHandlers(handlers, collaborators, library, opts.ConfidenceThreshold); err != nil {
		_ = store.Close()
		return nil, err
	}
	machine, err := pipeline.NewMachine(store, handlers, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	executor, err := execution.NewService(store, library, collaborators, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	boundary, err := app.NewService(store, store, executor, machine, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Components{
		Store:         store,
		Library:       library,
		Collaborators: collaborators,
		Machine:       machine,
		Executor:      executor,
		App:           boundary,
		Telemetry:     telemetry.NewEmitter(store, component),
	}, nil
}

// loadLibrary syncs on-disk playbook packs into the store and builds the
// library from the stored set, so every process sees one approved set even
// when only the server ships the pack directory.
func loadLibrary(ctx context.Context, store *sqlite.Store, dir string, logger *log.Logger) (*playbook.Library, error) {
	if dir != "" {
		packs, err := playbook.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, pb := range packs.Playbooks() {
			if err := store.PutPlaybook(ctx, pb); err != nil {
				return nil, fmt.Errorf("sync playbook %s: %w", pb.ID, err)
			}
		}
		if count := len(packs.Playbooks()); count > 0 {
			logger.Printf("synced %d playbooks from %s", count, dir)
		}
	}

	stored, err := store.ListAllPlaybooks(ctx)
	if err != nil {
		return nil, err
	}
	return playbook.NewLibrary(stored...)
}

func buildCollaborators(opts Options, logger *log.Logger) (*collaborator.Registry, error) {
	registry := collaborator.NewRegistry()

	rules, err := collaborator.LoadRulesFile(opts.RulesPath)
	if err != nil {
		return nil, err
	}
	classifier, err := collaborator.NewRulesClassifier("rules", rules)
	if err != nil {
		return nil, err
	}

	var blockAt exception.Severity
	if opts.BlockSeverity != "" {
		parsed, ok := exception.ParseSeverity(opts.BlockSeverity)
		if !ok {
			return nil, fmt.Errorf("unknown block severity %q", opts.BlockSeverity)
		}
		blockAt = parsed
	}
	guardrail, err := collaborator.NewGuardrailPolicy("guardrail", opts.BlockedPolicyTags, blockAt)
	if err != nil {
		return nil, err
	}

	tools := collaborator.NewToolInvoker("tools")
	for name, fn := range opts.Tools {
		if err := tools.RegisterTool(name, fn); err != nil {
			return nil, err
		}
	}

	for capability, invoker := range map[collaborator.Capability]collaborator.Invoker{
		collaborator.CapabilityClassify: classifier,
		collaborator.CapabilityPolicy:   guardrail,
		collaborator.CapabilityTool:     tools,
		collaborator.CapabilityNotify:   collaborator.NewLogNotifier("notify", logger),
	} {
		wrapped := collaborator.WithTimeout(invoker, opts.CollaboratorTimeout)
		if err := registry.Register("", "", capability, wrapped); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
