// pce-service is the HTTP API server of a PCE: it installs modules and runs
// jobs on the local batch scheduler on behalf of the Server.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"pce/internal/api"
	"pce/internal/config"
	"pce/internal/dispatcher"
	"pce/internal/health"
	"pce/internal/job"
	"pce/internal/module"
	"pce/internal/observability"
	"pce/internal/scheduler"
	"pce/internal/scriptexec"
	"pce/internal/statestore"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(os.Getenv("PCE_CONFIG"))
	if err != nil {
		return err
	}
	slog.SetDefault(config.NewLogger(cfg.LogLevel))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, err := statestore.New(cfg.StateDir())
	if err != nil {
		return err
	}
	slog.Info("State store opened", "dir", cfg.StateDir())

	sched, err := scheduler.DefaultRegistry().New(cfg.Scheduler.Backend, scheduler.Options{
		CommandTimeout: cfg.Scheduler.CommandTimeout,
		SGEParallelEnv: cfg.Scheduler.SGEParallelEnv,
		DockerImage:    cfg.Scheduler.DockerImage,
	})
	if err != nil {
		return err
	}
	if c, ok := sched.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("Scheduler backend selected", "backend", sched.Name())

	// Postprocess worker pool
	postprocess := dispatcher.NewMemory(dispatcher.ConfigFrom(cfg), metrics)

	runner := scriptexec.NewExecRunner(cfg.ScriptTimeout)
	modules, err := module.NewOrchestrator(module.Config{
		Store:         store,
		Runner:        runner,
		ModulesDir:    cfg.ModulesDir(),
		ScriptTimeout: cfg.ScriptTimeout,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	jobs, err := job.NewOrchestrator(job.Config{
		Store:         store,
		Modules:       modules,
		Scheduler:     sched,
		Dispatcher:    postprocess,
		Runner:        runner,
		UsersDir:      cfg.UsersDir(),
		ScriptTimeout: cfg.ScriptTimeout,
		NotifyEmail:   cfg.Scheduler.NotifyEmail,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	// Recover jobs a restart left mid-stage.
	if n, err := jobs.Resume(ctx); err != nil {
		slog.Warn("Failed to resume jobs", "error", err)
	} else if n > 0 {
		slog.Info("Resumed jobs", "jobs", n)
	}

	// Create health checker
	checks := []health.Check{{Name: "statestore", Checker: store}}
	if rc, ok := sched.(health.ReadinessChecker); ok {
		checks = append(checks, health.Check{Name: "scheduler", Checker: rc, Optional: true})
	}
	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Modules:       modules,
		Jobs:          jobs,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no api_key_file configured")
	}

	// Create API server. Launch and deploy run module scripts synchronously,
	// so the write timeout follows the script bound.
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ScriptTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port, "root", cfg.Root)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain postprocess workers. Jobs still in Postprocessing are
	// resumed on the next start.
	slog.Info("Draining postprocess workers")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer dispatcherCancel()
	if err := postprocess.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := postprocess.Stats()
	slog.Info("Dispatcher stats",
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Scheduled jobs keep running in the batch scheduler; their state is
	// picked up by the next status request.
	slog.Info("Shutdown complete")
	return nil
}
