package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/db"
	"github.com/austindbirch/hookloop/internal/dispatch"
	"github.com/austindbirch/hookloop/internal/executor"
	"github.com/austindbirch/hookloop/internal/health"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
	"github.com/austindbirch/hookloop/internal/notify"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/tenant"
	"github.com/austindbirch/hookloop/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New("hookloop-worker")
	logging.SetDefaultService("hookloop-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "hookloop-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	var tenants tenant.Store = tenant.NewPostgres(pool)
	if cfg.Tenants.Source == "file" {
		// ingest mirrors the file into Postgres; the worker only reads it
		fs, err := tenant.NewFileStore(ctx, cfg.Tenants.File, logger, nil)
		if err != nil {
			logger.Plain().WithError(err).Fatal("tenant file load failed")
		}
		go func() {
			if err := fs.Watch(ctx); err != nil {
				logger.Plain().WithError(err).Error("tenant file watch stopped")
			}
		}()
		tenants = fs
	}

	exec, err := buildExecutor(cfg.Executor, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("executor setup failed")
	}

	pub, err := notify.NewPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("notify publisher failed")
	}
	defer pub.Close()

	sub, err := notify.NewSubscriber(ctx, cfg, logger)
	if err != nil {
		// wake-ups only shorten idle sleeps; polling still finds work
		logger.Plain().WithError(err).Warn("wake-up subscription failed, polling only")
		sub = notify.Nop{}
	}
	defer sub.Close()

	lease, err := claimLease(cfg.Dispatcher)
	if err != nil {
		logger.Plain().WithError(err).Fatal("claim lease invalid")
	}
	tasks := queue.NewPostgres(pool)
	tasks.SetLease(lease)

	d, err := buildDispatcher(cfg.Dispatcher, tasks, tenant.NewResolver(tenants), exec, pub, sub.Wakeups(), logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("dispatcher setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.Dispatcher.HTTPPort).Info("worker metrics listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("metrics server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"workers":      cfg.Dispatcher.Workers,
		"max_attempts": cfg.Dispatcher.MaxAttempts,
		"backoff":      cfg.Dispatcher.BackoffStrategy,
		"notify":       cfg.Notify.Backend,
		"tenant_scope": cfg.Dispatcher.TenantScope,
		"claim_lease":  lease.String(),
	}).Info("worker started")

	if err := d.Run(ctx, cfg.Dispatcher.Workers); err != nil {
		logger.Plain().WithError(err).Error("dispatcher stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}

// buildExecutor wires the quality loop handlers into a dispatch table
func buildExecutor(cfg config.Executor, log *logging.Logger) (*executor.Router, error) {
	repos, err := executor.NewGitHubAPI(cfg.GitHubBaseURL)
	if err != nil {
		return nil, err
	}
	ws := executor.NewGitWorkspace(cfg.WorkDir, cfg.CloneBaseURL)
	runner := executor.ShellRunner{
		Command:   cfg.Command,
		Timeout:   cfg.CommandTimeout,
		TailBytes: cfg.OutputTailBytes,
	}
	return executor.NewRouter(executor.NewQualityLoop(repos, ws, runner, log).Handlers())
}

// claimLease must outlast the executor deadline, or a live attempt could be
// reclaimed by another worker
func claimLease(cfg config.Dispatcher) (time.Duration, error) {
	if cfg.ClaimLease <= 0 {
		if cfg.ExecTimeout <= 0 {
			return queue.DefaultLease, nil
		}
		return cfg.ExecTimeout + 5*time.Minute, nil
	}
	if cfg.ExecTimeout > 0 && cfg.ClaimLease <= cfg.ExecTimeout {
		return 0, fmt.Errorf("CLAIM_LEASE %s must exceed EXEC_TIMEOUT %s", cfg.ClaimLease, cfg.ExecTimeout)
	}
	return cfg.ClaimLease, nil
}

func buildDispatcher(cfg config.Dispatcher, q queue.Queue, resolver dispatch.TenantResolver, exec executor.Executor, pub notify.Publisher, wake <-chan struct{}, log *logging.Logger) (*dispatch.Dispatcher, error) {
	policy, err := dispatch.PolicyFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	scope := queue.Global()
	if cfg.TenantScope != "" {
		scope = queue.ForTenant(cfg.TenantScope)
	}
	return dispatch.New(q, resolver, exec, dispatch.Options{
		Policy:      policy,
		Publisher:   pub,
		Wakeups:     wake,
		Scope:       scope,
		ExecTimeout: cfg.ExecTimeout,
		PublishDLQ:  cfg.PublishDLQ,
		IdleMin:     cfg.IdleMin,
		IdleMax:     cfg.IdleMax,
		Logger:      log,
	}), nil
}
