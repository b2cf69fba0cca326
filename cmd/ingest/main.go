package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookloop/internal/auth"
	"github.com/austindbirch/hookloop/internal/classify"
	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/db"
	"github.com/austindbirch/hookloop/internal/health"
	"github.com/austindbirch/hookloop/internal/ingest"
	"github.com/austindbirch/hookloop/internal/ledger"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
	"github.com/austindbirch/hookloop/internal/notify"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/status"
	"github.com/austindbirch/hookloop/internal/tenant"
	"github.com/austindbirch/hookloop/internal/tracing"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	tenantSourcePostgres = "postgres"
	tenantSourceFile     = "file"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("hookloop-ingest")
	logging.SetDefaultService("hookloop-ingest")

	shutdown, err := tracing.InitTracing(ctx, "hookloop-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if cfg.DB.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
	}

	tenants, files, err := newTenantStore(ctx, cfg.Tenants, tenant.NewPostgres(pool), logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("tenant store failed")
	}
	if files != nil {
		go func() {
			if err := files.Watch(ctx); err != nil {
				logger.Plain().WithError(err).Error("tenant file watch stopped")
			}
		}()
	}

	pub, err := notify.NewPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("notify publisher failed")
	}
	defer pub.Close()

	l := ledger.NewPostgres(pool)
	q := queue.NewPostgres(pool)
	svc := ingest.NewService(tenants, l, q, classify.New(logger), pub, logger)

	validator, err := loadValidator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator failed")
	}
	if validator == nil {
		logger.Plain().Warn("JWT_PUBLIC_KEY_PATH not set, status API disabled")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	router := newRouter(svc, status.New(q, l, svc, logger), validator, cfg.Webhook, pool, reg, logger)

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, pool, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}

// newTenantStore picks the tenant source. The file source mirrors every
// successful load into Postgres so task foreign keys resolve.
func newTenantStore(ctx context.Context, cfg config.Tenants, pg *tenant.Postgres, log *logging.Logger) (tenant.Store, *tenant.FileStore, error) {
	switch cfg.Source {
	case tenantSourcePostgres, "":
		if pg == nil {
			return nil, nil, errors.New("postgres tenant source needs a database")
		}
		return pg, nil, nil
	case tenantSourceFile:
		var hook tenant.ReloadFunc
		if pg != nil {
			hook = func(ctx context.Context, ts []tenant.Tenant) error {
				return pg.Upsert(ctx, ts...)
			}
		}
		fs, err := tenant.NewFileStore(ctx, cfg.File, log, hook)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	}
	return nil, nil, fmt.Errorf("unknown tenant source %q", cfg.Source)
}

// loadValidator returns nil when no public key is configured
func loadValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if cfg.PublicKeyPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return auth.NewJWTValidator(string(pem), cfg.Issuer, cfg.Audience)
}

func newRouter(svc *ingest.Service, api *status.API, validator *auth.JWTValidator, webhook config.Webhook, pinger health.Pinger, reg *prometheus.Registry, log *logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.HTTPHandler(pinger))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ingest.NewHandler(svc, webhook, log).Routes(r)
	if validator != nil && api != nil {
		api.Mount(r, validator.HTTPMiddleware)
	}
	return r
}
