// ABOUTME: OpenTelemetry exporter factory for creating metric readers and trace exporters (Prometheus, OTLP, stdout)
// ABOUTME: Handles configuration and creation of the telemetry export destinations

package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders creates metric readers based on configuration. The
// returned registry is non-nil when the Prometheus exporter is enabled.
func createMetricReaders(cfg Config) ([]metric.Reader, *prometheus.Registry, error) {
	var readers []metric.Reader
	var registry *prometheus.Registry

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "prometheus":
			registry = prometheus.NewRegistry()
			reader, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, reader)

		case "stdout":
			reader, err := createStdoutMetricReader(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, reader)

		default:
			// otlp carries traces only in this setup
			continue
		}
	}

	if len(readers) == 0 {
		// Default to stdout if no valid metric exporters configured
		reader, err := createStdoutMetricReader(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create default stdout metric exporter: %w", err)
		}
		readers = append(readers, reader)
	}

	return readers, registry, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "otlp":
			exporter, err := createOTLPTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := createStdoutTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// Skip unsupported trace exporters (prometheus doesn't support traces)
			continue
		}
	}

	if len(exporters) == 0 {
		// Default to stdout if no valid trace exporters configured
		exporter, err := createStdoutTraceExporter(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create default stdout trace exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}

	return exporters, nil
}

// createStdoutMetricReader creates a periodic reader over a stdout metrics exporter.
func createStdoutMetricReader(cfg Config) (metric.Reader, error) {
	exporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(cfg.output()),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	return metric.NewPeriodicReader(exporter,
		metric.WithInterval(cfg.BatchTimeout),
		metric.WithTimeout(cfg.ExportTimeout),
	), nil
}

// createOTLPTraceExporter creates an OTLP trace exporter.
func createOTLPTraceExporter(cfg Config) (trace.SpanExporter, error) {
	ctx := context.Background()
	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
		otlptracegrpc.WithInsecure(), // Use insecure connection for development
	)
}

// createStdoutTraceExporter creates a stdout trace exporter.
func createStdoutTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(cfg.output()),
		stdouttrace.WithPrettyPrint(),
	)
}
