package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/teemow/inboxrank/internal/logging"
)

// Resource attributes describing how this inboxrank process is deployed.
// They are constant for the process lifetime, so they live on the resource
// instead of on every data point.
const (
	ResourceAttrTransport        = "inboxrank.transport"
	ResourceAttrRiskStrategy     = "inboxrank.risk_strategy"
	ResourceAttrTokenEncryption  = "inboxrank.token_encryption"
	ResourceAttrFetchConcurrency = "inboxrank.fetch_concurrency"
	ResourceAttrRefreshOnExpiry  = "inboxrank.refresh_on_expiry"
)

// Provider owns the meter and tracer providers of the process and the
// Metrics recorder built on them.
type Provider struct {
	config         Config
	resource       *resource.Resource
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	prometheus     *prometheus.Exporter
	metrics        *Metrics
	logger         *slog.Logger
}

// NewProvider validates config and sets up exporters. A disabled config
// yields a provider whose Metrics recorder does nothing.
//
// The tracer provider is installed globally so that StartSpan and friends
// pick it up without a handle on the Provider.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config:  config,
		metrics: &Metrics{},
		logger:  logging.WithComponent(config.Logger, "instrumentation"),
	}
	if !config.Enabled {
		return p, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(config)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	p.resource = res

	reader, err := p.metricReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}
	p.meterProvider = metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))

	if p.tracerProvider, err = p.newTracerProvider(ctx, res); err != nil {
		if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown meter provider during cleanup: %w", shutdownErr))
		}
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}

	otel.SetMeterProvider(p.meterProvider)
	otel.SetTracerProvider(p.tracerProvider)

	if p.metrics, err = NewMetrics(p.meterProvider.Meter(config.ServiceName), config.DetailedLabels); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics recorder: %w", err)
	}

	p.logger.Debug("Instrumentation enabled",
		"metrics_exporter", config.MetricsExporter,
		"tracing_exporter", config.TracingExporter,
		"transport", config.Deployment.Transport)
	return p, nil
}

// resourceAttributes identifies the service instance and its deployment.
func resourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.ServiceInstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(config.ServiceInstanceID))
	} else if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceID(hostname))
	}

	d := config.Deployment
	if d.Transport != "" {
		attrs = append(attrs, attribute.String(ResourceAttrTransport, d.Transport))
	}
	if d.RiskStrategy != "" {
		attrs = append(attrs, attribute.String(ResourceAttrRiskStrategy, d.RiskStrategy))
	}
	if d.FetchConcurrency > 0 {
		attrs = append(attrs, attribute.Int(ResourceAttrFetchConcurrency, d.FetchConcurrency))
	}
	return append(attrs,
		attribute.Bool(ResourceAttrTokenEncryption, d.TokenEncryption),
		attribute.Bool(ResourceAttrRefreshOnExpiry, d.RefreshOnExpiry),
	)
}

// metricReader returns the reader for the configured metrics exporter. The
// Prometheus exporter is kept so the metrics server can gather from it.
func (p *Provider) metricReader(ctx context.Context) (metric.Reader, error) {
	switch p.config.MetricsExporter {
	case "", ExporterPrometheus:
		var opts []prometheus.Option
		if p.config.PrometheusRegistry != nil {
			opts = append(opts, prometheus.WithRegisterer(p.config.PrometheusRegistry))
		}
		exporter, err := prometheus.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		p.prometheus = exporter
		return exporter, nil

	case ExporterOTLP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		return metric.NewPeriodicReader(exporter), nil

	case ExporterStdout:
		p.logger.Warn("stdout metrics exporter enabled, for development only")
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metrics exporter: %w", err)
		}
		return metric.NewPeriodicReader(exporter), nil
	}
	return nil, fmt.Errorf("unsupported metrics exporter: %s", p.config.MetricsExporter)
}

// newTracerProvider samples nothing when tracing is off, so spans stay
// cheap no-ops while trace context still propagates.
func (p *Provider) newTracerProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch p.config.TracingExporter {
	case "", ExporterNone:
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		), nil

	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.OTLPInsecure {
			// Spans carry hashed identities and message counts.
			p.logger.Warn("OTLP insecure transport enabled for traces", "endpoint", p.config.OTLPEndpoint)
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if exporter, err = otlptracehttp.New(ctx, opts...); err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}

	case ExporterStdout:
		p.logger.Warn("stdout trace exporter enabled, for development only")
		if exporter, err = stdouttrace.New(); err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", p.config.TracingExporter)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.config.TraceSamplingRate))),
	), nil
}

// Metrics returns the recorder. It is never nil.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Resource returns the telemetry resource, nil when disabled.
func (p *Provider) Resource() *resource.Resource {
	return p.resource
}

// PrometheusEnabled reports whether metrics are exported through the
// Prometheus registry served by the metrics server.
func (p *Provider) PrometheusEnabled() bool {
	return p.prometheus != nil
}

// Gatherer returns the registry the Prometheus exporter registered with.
func (p *Provider) Gatherer() promclient.Gatherer {
	if p.config.PrometheusRegistry != nil {
		return p.config.PrometheusRegistry
	}
	return promclient.DefaultGatherer
}

// Shutdown flushes pending telemetry and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether metrics and tracing are active.
func (p *Provider) Enabled() bool {
	return p.config.Enabled
}
