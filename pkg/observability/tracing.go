package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/samims/concierge/pkg/tracing"
)

// TracerProvider holds the configured OpenTelemetry TracerProvider.
type TracerProvider struct {
	provider *trace.TracerProvider
	logger   *slog.Logger
}

// NewTracerProvider initializes and returns a new TracerProvider.
// The returned function should be called during application shutdown.
func NewTracerProvider(
	ctx context.Context,
	cfg *tracing.Config,
	logger *slog.Logger,
) (*TracerProvider, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger.Info("Initializing OpenTelemetry Tracer", "service", cfg.ServiceName, "collector", cfg.OTLPExporterEndpoint)

	dialOpts := []grpc.DialOption{}
	if cfg.OTLPExporterInsecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.OTLPExporterEndpoint, dialOpts...)
	if err != nil {
		logger.Error("Failed to create gRPC connection to collector", slog.Any("error", err))
		return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		logger.Error("Failed to create OTLP trace exporter", slog.Any("error", err))
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		semconv.ServiceInstanceID(cfg.InstanceID),
	)

	bsp := trace.NewBatchSpanProcessor(exporter)
	tp := trace.NewTracerProvider(
		trace.WithSampler(sampler(cfg)),
		trace.WithResource(res),
		trace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	logger.Info("TracerProvider initialized", slog.String("service", cfg.ServiceName))

	cleanup := func() {
		logger.Info("Shutting down TracerProvider")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown TracerProvider", slog.Any("error", err))
		} else {
			logger.Info("TracerProvider shut down successfully")
		}

		if err := conn.Close(); err != nil {
			logger.Error("Failed to close gRPC connection", slog.Any("error", err))
		}
	}

	return &TracerProvider{provider: tp, logger: logger}, cleanup, nil
}

func sampler(cfg *tracing.Config) trace.Sampler {
	switch cfg.SamplingType {
	case tracing.SamplerAlwaysOn:
		return trace.AlwaysSample()
	case tracing.SamplerAlwaysOff:
		return trace.NeverSample()
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplingRatio))
	}
}

// Provider returns the underlying *trace.TracerProvider.
func (t *TracerProvider) Provider() *trace.TracerProvider {
	return t.provider
}
