// Package worker parses worker command flags and launches the standalone
// event consumer loop over the shared journal.
package worker

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/driftline/exceptionflow/internal/cmd/runtime"
	entrypoint "github.com/driftline/exceptionflow/internal/platform/cmd"
	"github.com/driftline/exceptionflow/internal/worker"
)

// Config holds worker command configuration.
type Config struct {
	DBPath              string        `env:"EXCEPTIONFLOW_WORKER_DB_PATH" envDefault:"data/exceptionflow.db"`
	PlaybookDir         string        `env:"EXCEPTIONFLOW_WORKER_PLAYBOOK_DIR"`
	RulesPath           string        `env:"EXCEPTIONFLOW_WORKER_RULES_PATH" envDefault:"config/rules.yaml"`
	ConfidenceThreshold float64       `env:"EXCEPTIONFLOW_WORKER_CONFIDENCE_THRESHOLD" envDefault:"0.7"`
	BlockedPolicyTags   []string      `env:"EXCEPTIONFLOW_WORKER_BLOCKED_TAGS" envSeparator:","`
	BlockSeverity       string        `env:"EXCEPTIONFLOW_WORKER_BLOCK_SEVERITY"`
	CollaboratorTimeout time.Duration `env:"EXCEPTIONFLOW_WORKER_COLLABORATOR_TIMEOUT" envDefault:"5s"`
	Consumer            string        `env:"EXCEPTIONFLOW_WORKER_CONSUMER" envDefault:"pipeline"`
	Concurrency         int           `env:"EXCEPTIONFLOW_WORKER_CONCURRENCY" envDefault:"4"`
	BatchSize           int           `env:"EXCEPTIONFLOW_WORKER_BATCH_SIZE" envDefault:"100"`
	PollInterval        time.Duration `env:"EXCEPTIONFLOW_WORKER_POLL_INTERVAL" envDefault:"250ms"`
	AttemptTimeout      time.Duration `env:"EXCEPTIONFLOW_WORKER_ATTEMPT_TIMEOUT" envDefault:"10s"`
	MaxAttempts         int           `env:"EXCEPTIONFLOW_WORKER_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff        time.Duration `env:"EXCEPTIONFLOW_WORKER_RETRY_BACKOFF" envDefault:"500ms"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.PlaybookDir, "playbook-dir", cfg.PlaybookDir, "Directory of YAML playbook packs")
	fs.StringVar(&cfg.RulesPath, "rules-path", cfg.RulesPath, "YAML classification rules file")
	fs.Float64Var(&cfg.ConfidenceThreshold, "confidence-threshold", cfg.ConfidenceThreshold, "Escalate triage classifications below this confidence")
	fs.StringVar(&cfg.BlockSeverity, "block-severity", cfg.BlockSeverity, "Severity floor the policy guardrail blocks at")
	fs.DurationVar(&cfg.CollaboratorTimeout, "collaborator-timeout", cfg.CollaboratorTimeout, "Per-call collaborator deadline")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Dispatcher consumer group name")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent partition keys")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Events read per partition per scan")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Journal scan interval")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", cfg.AttemptTimeout, "Per-attempt handler deadline")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts before a transient failure is recorded as failed")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(ctx context.Context) error {
		logger := log.Default()
		components, err := runtime.Build(ctx, entrypoint.ServiceWorker, runtime.Options{
			DBPath:              cfg.DBPath,
			PlaybookDir:         cfg.PlaybookDir,
			RulesPath:           cfg.RulesPath,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			BlockedPolicyTags:   cfg.BlockedPolicyTags,
			BlockSeverity:       cfg.BlockSeverity,
			CollaboratorTimeout: cfg.CollaboratorTimeout,
			Logger:              logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := components.Close(); err != nil {
				logger.Printf("close storage: %v", err)
			}
		}()

		handler := worker.NewPipelineHandler(components.Machine, components.Executor, logger)
		dispatcher, err := worker.NewDispatcher(worker.Config{
			Consumer:             cfg.Consumer,
			Concurrency:          cfg.Concurrency,
			BatchSize:            cfg.BatchSize,
			PollInterval:         cfg.PollInterval,
			AttemptTimeout:       cfg.AttemptTimeout,
			MaxAttempts:          cfg.MaxAttempts,
			RetryInitialInterval: cfg.RetryBackoff,
		}, components.Store, components.Store, components.Store, handler, logger)
		if err != nil {
			return err
		}
		dispatcher.WithTelemetry(components.Telemetry)

		_ = components.Telemetry.Info(ctx, "", "worker consuming as %s", cfg.Consumer)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
