// Command listingsd runs the Builder, Tracker and Sweeper on cron schedules
// and serves gRPC health and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/listings-pipeline/internal/app"
	"github.com/joseph-ayodele/listings-pipeline/internal/common"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
	"github.com/joseph-ayodele/listings-pipeline/internal/scheduler"
)

const (
	serviceName     = "listings.Pipeline"
	shutdownTimeout = 30 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("listingsd.exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{LLM: true, Spool: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("listingsd.close.failed", "error", err)
		}
	}()

	sched := scheduler.New(a.Leaser, cfg.Batch.JobLeaseTTL, a.Metrics, logger)
	tasks := []scheduler.Task{
		{Name: "builder", Spec: cfg.Schedule.Build, Run: func(ctx context.Context) error {
			_, err := a.Builder.Run(ctx)
			return err
		}},
		{Name: "tracker", Spec: cfg.Schedule.Track, Run: func(ctx context.Context) error {
			_, err := a.Tracker.Reconcile(ctx)
			return err
		}},
		{Name: "sweeper", Spec: cfg.Schedule.Sweep, Run: func(ctx context.Context) error {
			_, err := a.Sweeper.Sweep(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return err
		}
	}

	// gRPC health
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc.serve.failed", "error", err)
			stop()
		}
	}()
	logger.Info("grpc.serving", "addr", cfg.Server.GRPCAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics.serve.failed", "error", err)
			stop()
		}
	}()
	logger.Info("metrics.serving", "addr", cfg.Server.MetricsAddr)

	go watchDatabase(ctx, a, hs, logger)
	sched.Start()

	<-ctx.Done()
	logger.Info("listingsd.shutdown")
	hs.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler.stop.timeout", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics.shutdown.failed", "error", err)
	}
	grpcServer.GracefulStop()
	return nil
}

// watchDatabase flips the health status with the record store's reachability.
func watchDatabase(ctx context.Context, a *app.App, hs *health.Server, logger *slog.Logger) {
	set := func(st healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}
	set(healthpb.HealthCheckResponse_SERVING)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repository.HealthCheck(ctx, a.Pool, 3*time.Second, logger); err != nil {
				if ctx.Err() == nil {
					logger.Warn("health.db.down", "error", err)
					set(healthpb.HealthCheckResponse_NOT_SERVING)
				}
				continue
			}
			set(healthpb.HealthCheckResponse_SERVING)
		}
	}
}
