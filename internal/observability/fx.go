package observability

import (
	"github.com/smallbiznis/rebill/internal/observability/logger"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
	),
	fx.Invoke(ensureTracingProvider),
	fx.Invoke(ensureBillingMetrics),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func ensureBillingMetrics(cfg Config) {
	metrics.BillingWithConfig(metrics.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
}

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}
