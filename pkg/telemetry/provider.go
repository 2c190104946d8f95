// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for slabkv telemetry
// ABOUTME: Handles provider lifecycle, resource attributes, instrument caching, and sampling configuration

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/slabkv"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource

	registry      *prometheus.Registry
	metricsServer *http.Server

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	readers, registry, err := createMetricReaders(cfg)
	if err != nil {
		return nil, err
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	spanExporters, err := createTraceExporters(cfg)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range spanExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	p := &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		resource:       res,
		registry:       registry,
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}

	if registry != nil && cfg.PrometheusPort > 0 {
		p.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler: p.MetricsHandler(),
		}
		go func() {
			_ = p.metricsServer.ListenAndServe()
		}()
	}

	return p, nil
}

// RecordHistogram records a value in the named float64 histogram.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, ok := p.histogram(name)
	if !ok {
		return
	}
	h.Record(orBackground(ctx), value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named int64 counter.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, ok := p.counter(name)
	if !ok {
		return
	}
	c.Add(orBackground(ctx), value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(orBackground(ctx), name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the trace and metric pipelines.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.metricsServer != nil {
		errs = append(errs, p.metricsServer.Shutdown(ctx))
	}
	errs = append(errs, p.tracerProvider.Shutdown(ctx))
	errs = append(errs, p.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}

// MetricsHandler serves the Prometheus exposition format, or nil when the
// Prometheus exporter is not configured.
func (p *TelemetryProvider) MetricsHandler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *TelemetryProvider) histogram(name string) (metric.Float64Histogram, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h, true
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, false
	}
	p.histograms[name] = h
	return h, true
}

func (p *TelemetryProvider) counter(name string) (metric.Int64Counter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c, true
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, false
	}
	p.counters[name] = c
	return c, true
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
