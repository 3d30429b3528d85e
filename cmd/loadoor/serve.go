package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/loadoor/pkg/api"
	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/ethpandaops/loadoor/pkg/database"
	"github.com/ethpandaops/loadoor/pkg/docker"
	"github.com/ethpandaops/loadoor/pkg/launcher"
	"github.com/ethpandaops/loadoor/pkg/reports"
	"github.com/ethpandaops/loadoor/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the scheduler, the run launcher and the HTTP API. Cron jobs
persisted by a previous process are re-armed on startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stopper is a named shutdown step.
type stopper struct {
	name string
	stop func() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Components are stopped in reverse start order.
	var started []stopper

	shutdown := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].stop(); err != nil {
				log.WithError(err).WithField("component", started[i].name).
					Warn("Shutdown error")
			}
		}
	}
	defer shutdown()

	db := database.NewClient(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}

	started = append(started, stopper{"database", db.Stop})

	reportService := reports.NewService(log, &cfg.Reports, reports.NewStore(log, db))
	if err := reportService.Start(ctx); err != nil {
		return fmt.Errorf("starting report service: %w", err)
	}

	started = append(started, stopper{"reports", reportService.Stop})

	backend, stopBackend, err := newBackend(ctx, log, &cfg.Backend)
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", cfg.Backend.Kind, err)
	}

	if stopBackend != nil {
		started = append(started, stopper{"backend", stopBackend})
	}

	runLauncher, err := launcher.New(log, &cfg.Backend, backend, reportService)
	if err != nil {
		return fmt.Errorf("creating launcher: %w", err)
	}

	jobs := scheduler.New(log, scheduler.NewStore(log, db), runLauncher, reportService)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	started = append(started, stopper{"scheduler", jobs.Stop})

	srv := api.NewServer(log, &cfg.Server, jobs, reportService)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	started = append(started, stopper{"api", srv.Stop})

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return nil
}

// newBackend builds the configured job runner backend. The returned stop
// function is nil when the backend holds no resources.
func newBackend(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.BackendConfig,
) (launcher.Backend, func() error, error) {
	switch cfg.Kind {
	case config.BackendKubernetes:
		clientset, err := launcher.NewKubernetesClient(&cfg.Kubernetes)
		if err != nil {
			return nil, nil, err
		}

		backend, err := launcher.NewKubernetesBackend(log, &cfg.Kubernetes, clientset)

		return backend, nil, err
	case config.BackendDocker:
		manager, err := docker.NewManager(log)
		if err != nil {
			return nil, nil, err
		}

		if err := manager.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("starting docker manager: %w", err)
		}

		backend, err := launcher.NewDockerBackend(log, &cfg.Docker, manager)
		if err != nil {
			_ = manager.Stop()

			return nil, nil, err
		}

		return backend, manager.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
