// Package server parses server command flags and launches the HTTP API
// process: the chi router over the boundary service, plus an in-process
// dispatcher that advances the pipeline.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	apihttp "github.com/driftline/exceptionflow/internal/api/http"
	"github.com/driftline/exceptionflow/internal/cmd/runtime"
	entrypoint "github.com/driftline/exceptionflow/internal/platform/cmd"
	"github.com/driftline/exceptionflow/internal/worker"
)

// Config holds server command configuration.
type Config struct {
	Port                int           `env:"EXCEPTIONFLOW_SERVER_PORT" envDefault:"8080"`
	DBPath              string        `env:"EXCEPTIONFLOW_SERVER_DB_PATH" envDefault:"data/exceptionflow.db"`
	PlaybookDir         string        `env:"EXCEPTIONFLOW_SERVER_PLAYBOOK_DIR" envDefault:"config/playbooks"`
	RulesPath           string        `env:"EXCEPTIONFLOW_SERVER_RULES_PATH" envDefault:"config/rules.yaml"`
	ConfidenceThreshold float64       `env:"EXCEPTIONFLOW_SERVER_CONFIDENCE_THRESHOLD" envDefault:"0.7"`
	BlockedPolicyTags   []string      `env:"EXCEPTIONFLOW_SERVER_BLOCKED_TAGS" envSeparator:","`
	BlockSeverity       string        `env:"EXCEPTIONFLOW_SERVER_BLOCK_SEVERITY"`
	CollaboratorTimeout time.Duration `env:"EXCEPTIONFLOW_SERVER_COLLABORATOR_TIMEOUT" envDefault:"5s"`
	Consumer            string        `env:"EXCEPTIONFLOW_SERVER_CONSUMER" envDefault:"pipeline"`
	PollInterval        time.Duration `env:"EXCEPTIONFLOW_SERVER_POLL_INTERVAL" envDefault:"250ms"`
	Concurrency         int           `env:"EXCEPTIONFLOW_SERVER_CONCURRENCY" envDefault:"4"`
	ShutdownTimeout     time.Duration `env:"EXCEPTIONFLOW_SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The HTTP API port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.PlaybookDir, "playbook-dir", cfg.PlaybookDir, "Directory of YAML playbook packs")
	fs.StringVar(&cfg.RulesPath, "rules-path", cfg.RulesPath, "YAML classification rules file")
	fs.Float64Var(&cfg.ConfidenceThreshold, "confidence-threshold", cfg.ConfidenceThreshold, "Escalate triage classifications below this confidence")
	fs.StringVar(&cfg.BlockSeverity, "block-severity", cfg.BlockSeverity, "Severity floor the policy guardrail blocks at")
	fs.DurationVar(&cfg.CollaboratorTimeout, "collaborator-timeout", cfg.CollaboratorTimeout, "Per-call collaborator deadline")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Dispatcher consumer group name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Journal scan interval")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent partition keys")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful HTTP shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the server runtime: components, the in-process dispatcher, and
// the HTTP listener. It returns when the context is cancelled and the
// listener has drained.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		logger := log.Default()
		components, err := runtime.Build(ctx, entrypoint.ServiceServer, runtime.Options{
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
			Consumer:     cfg.Consumer,
			Concurrency:  cfg.Concurrency,
			PollInterval: cfg.PollInterval,
		}, components.Store, components.Store, components.Store, handler, logger)
		if err != nil {
			return err
		}
		dispatcher.WithTelemetry(components.Telemetry)

		dispatchDone := make(chan error, 1)
		dispatchCtx, stopDispatch := context.WithCancel(ctx)
		defer stopDispatch()
		go func() {
			dispatchDone <- dispatcher.Run(dispatchCtx)
		}()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           apihttp.NewServer(components.App, logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		serveDone := make(chan error, 1)
		go func() {
			logger.Printf("http api listening on %s", srv.Addr)
			_ = components.Telemetry.Info(ctx, "", "http api listening on %s", srv.Addr)
			serveDone <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-serveDone:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}

		stopDispatch()
		if err := <-dispatchDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
