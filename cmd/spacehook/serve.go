package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spacehook/spacehook/internal/config"
	"github.com/spacehook/spacehook/internal/events"
	"github.com/spacehook/spacehook/internal/gitrepo"
	"github.com/spacehook/spacehook/internal/logging"
	"github.com/spacehook/spacehook/internal/metrics"
	"github.com/spacehook/spacehook/internal/orchestrator"
	"github.com/spacehook/spacehook/internal/preflight"
	"github.com/spacehook/spacehook/internal/repoconfig"
	"github.com/spacehook/spacehook/internal/runner"
	"github.com/spacehook/spacehook/internal/state"
	"github.com/spacehook/spacehook/internal/supervisor"
	"github.com/spacehook/spacehook/internal/telemetry"
	"github.com/spacehook/spacehook/internal/webhook"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownSlack is added to the stop grace period when stopping the
// managed process on exit, leaving room for the forced kill.
const shutdownSlack = 5 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Clone, build, and run the repository, then redeploy on every push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("apply flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	runtimeLogger, err := logging.New(
		logging.WithLevel(cfg.LogLevel),
		logging.WithFormat(cfg.LogFormat),
		logging.WithFile(cfg.LogFile),
		logging.WithOutput(stderr),
		logging.WithRunID(uuid.NewString()),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	appLog := runtimeLogger.Component("app")

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTelEndpoint,
		Version:  Version,
		Logger:   runtimeLogger.Component("telemetry"),
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			appLog.Warn("flush telemetry", "err", err)
		}
	}()

	if _, err := preflight.Check(); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	shell := runner.Traced(runner.New(runner.Options{Stdout: os.Stdout, Stderr: os.Stderr}))
	repo, err := gitrepo.New(cfg.GitURL, cfg.WorkDir, shell)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)

	procs := supervisor.New(supervisor.Options{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		GracePeriod: cfg.StopGracePeriod,
		Logger:      runtimeLogger.Component("supervisor"),
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Repository: repo,
		Configs:    repoconfig.NewStore(repo.Dir(), cfg.RepoConfigFile),
		Runner:     shell,
		Supervisor: procs,
		Machine:    state.NewMachine(),
		Logger:     runtimeLogger.Component("orchestrator"),
		Metrics:    collector,
		QueueSize:  cfg.QueueSize,
	})
	if err != nil {
		return err
	}

	bus := events.New(events.WithLogger(runtimeLogger.Component("events")))
	bus.SubscribeAll(orch.HandleEvent)

	hook, err := webhook.NewHandler([]byte(cfg.WebhookSecret), bus,
		webhook.WithLogger(runtimeLogger.Component("webhook")),
		webhook.WithMetrics(collector),
		webhook.WithRateLimit(cfg.WebhookRateLimit, 0),
	)
	if err != nil {
		return err
	}
	httpLog := runtimeLogger.Component("http")
	router, err := webhook.NewRouter(webhook.RouterConfig{
		Path:     cfg.WebhookPath,
		Webhook:  hook,
		Status:   orch,
		Gatherer: registry,
		Logger:   httpLog,
	})
	if err != nil {
		return err
	}
	ln, err := webhook.Listen(cfg.Addr())
	if err != nil {
		return err
	}

	appLog.Info("starting daemon", "repository", repo.URL(), "dir", repo.Dir(), "addr", cfg.Addr(), "webhook_path", cfg.WebhookPath)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return orch.Run(groupCtx)
	})
	group.Go(func() error {
		return webhook.NewServer(router, httpLog).Serve(groupCtx, ln)
	})
	group.Go(func() error {
		if err := orch.Bootstrap(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("bootstrap failed; waiting for the next trigger", "err", err)
		}
		return nil
	})

	runErr := group.Wait()
	appLog.Info("shutting down")
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+shutdownSlack)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("stop managed process", "err", err)
	}
	return runErr
}
