package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samims/concierge/internal/app"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/logger"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/internal/scheduler"
	"github.com/samims/concierge/pkg/observability"
	"github.com/samims/concierge/pkg/tracing"
)

func main() {
	l := logger.NewLogger()
	slog.SetDefault(l)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		_, shutdownTracing, err := observability.NewTracerProvider(ctx, &tracing.Config{
			ServiceName:          cfg.AppCfg.ServiceName,
			ServiceVersion:       cfg.Tracing.Version,
			Environment:          cfg.Tracing.Environment,
			InstanceID:           cfg.Tracing.InstanceID,
			OTLPExporterEndpoint: cfg.Tracing.Endpoint,
			OTLPExporterInsecure: cfg.Tracing.Insecure,
			SamplingRatio:        cfg.Tracing.SamplingRatio,
			SamplingType:         cfg.Tracing.Sampler,
		}, l)
		if err != nil {
			l.Error("Failed to initialize tracing", slog.Any("error", err))
			os.Exit(1)
		}
		defer shutdownTracing()
	}

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		a.Close()
		l.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	var wg sync.WaitGroup

	if cfg.AppCfg.SchedulerEnabled {
		sched := scheduler.New(l, a.Jobs()...)
		sched.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Wait()
		}()
	}

	if consumer := a.Consumer(); consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("Kafka consumer stopped with error", slog.Any("error", err))
			}
		}()
	}

	server := &http.Server{
		Addr:              ":" + cfg.AppCfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info("Server started", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error("Server shutdown failed", slog.Any("error", err))
	}

	wg.Wait()
	l.Info("Service shut down gracefully")
}
