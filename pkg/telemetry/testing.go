// ABOUTME: Telemetry implementations for tests: disabled telemetry and an in-memory recorder
// ABOUTME: The recorder only stores what components report, it does not mock any component behaviour

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
// This allows testing real components with telemetry completely disabled.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewDisabled is an alias for NewNoop for testing scenarios where
// telemetry should be explicitly disabled.
func NewDisabled() Telemetry {
	return NewNoop()
}

// Recorder keeps counter totals, histogram samples and span names in memory.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
	spans      []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]int64),
		histograms: make(map[string][]float64),
	}
}

// RecordHistogram appends a sample.
func (r *Recorder) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = append(r.histograms[name], value)
}

// RecordCounter adds to a counter total.
func (r *Recorder) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

// StartSpan records the span name and returns a non-recording span.
func (r *Recorder) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return nil
}

// Counter returns the total of a counter.
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Histogram returns a copy of the samples recorded for a histogram.
func (r *Recorder) Histogram(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.histograms[name]...)
}

// Spans returns the names of started spans in order.
func (r *Recorder) Spans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}
