// ABOUTME: Engine-level telemetry coordination for batch operations, kernel dispatches and slab occupancy
// ABOUTME: Wraps the telemetry interface with named instruments and swallows telemetry panics

package engine

import (
	"context"
	"time"

	"github.com/KevoDB/slabkv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// Operation tracing
	RecordOperation(ctx context.Context, operation string, duration time.Duration, batchSize int, success bool)
	RecordRejection(ctx context.Context, operation, reason string)

	// Device interaction
	RecordDispatch(ctx context.Context, kernel string, groups uint32)
	RecordTransfer(ctx context.Context, direction string, bytes int64)

	// Slab occupancy
	RecordOccupancy(ctx context.Context, used, live, capacity uint32)

	// Error tracking
	RecordError(ctx context.Context, errorType, component string, severity string)

	// Resource cleanup
	Close() error
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	return &engineMetrics{
		tel: tel,
	}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// RecordOperation records the duration, count and batch size of a store operation
func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, batchSize int, success bool) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrOperation, Value: attribute.StringValue(operation)},
		{Key: telemetry.AttrSuccess, Value: attribute.StringValue(boolToString(success))},
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentEngine)},
	}
	m.tel.RecordHistogram(ctx, "slabkv.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "slabkv.engine.operation.count", 1, attrs[:2]...)

	sizeAttrs := []attribute.KeyValue{
		{Key: telemetry.AttrOperation, Value: attribute.StringValue(operation)},
	}
	m.tel.RecordHistogram(ctx, "slabkv.engine.batch.size", float64(batchSize), sizeAttrs...)
}

// RecordRejection records a batch rejected by validation before reaching the device
func (m *engineMetrics) RecordRejection(ctx context.Context, operation, reason string) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrOperation, Value: attribute.StringValue(operation)},
		{Key: telemetry.AttrReason, Value: attribute.StringValue(reason)},
	}
	m.tel.RecordCounter(ctx, "slabkv.engine.rejections.total", 1, attrs...)
}

// RecordDispatch records a kernel dispatch and its workgroup count
func (m *engineMetrics) RecordDispatch(ctx context.Context, kernel string, groups uint32) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrKernel, Value: attribute.StringValue(kernel)},
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentKernel)},
	}
	m.tel.RecordCounter(ctx, "slabkv.kernel.dispatches.total", 1, attrs...)
	m.tel.RecordCounter(ctx, "slabkv.kernel.workgroups.total", int64(groups), attrs...)
}

// RecordTransfer records bytes staged to ("upload") or read back from ("readback") the device
func (m *engineMetrics) RecordTransfer(ctx context.Context, direction string, bytes int64) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: "transfer.direction", Value: attribute.StringValue(direction)},
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentStaging)},
	}
	telemetry.RecordBytes(ctx, m.tel, "slabkv.staging.bytes", bytes, attrs...)
}

// RecordOccupancy records the slab fill level after a mutation
func (m *engineMetrics) RecordOccupancy(ctx context.Context, used, live, capacity uint32) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentSlab)},
	}
	m.tel.RecordHistogram(ctx, "slabkv.slab.used", float64(used), attrs...)
	m.tel.RecordHistogram(ctx, "slabkv.slab.live", float64(live), attrs...)

	if capacity > 0 {
		utilization := float64(used) / float64(capacity) * 100.0
		m.tel.RecordHistogram(ctx, "slabkv.slab.utilization", utilization, attrs...)
	}
}

// RecordError records engine errors with categorization
func (m *engineMetrics) RecordError(ctx context.Context, errorType, component string, severity string) {
	if m.tel == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrErrorType, Value: attribute.StringValue(errorType)},
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(component)},
		{Key: "error.severity", Value: attribute.StringValue(severity)},
	}

	m.tel.RecordCounter(ctx, "slabkv.engine.errors.total", 1, attrs...)
}

// Close closes the metrics and cleans up resources
func (m *engineMetrics) Close() error {
	// Engine metrics doesn't own the telemetry instance, so we don't close it
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, batchSize int, success bool) {
}
func (n *noopEngineMetrics) RecordRejection(ctx context.Context, operation, reason string)      {}
func (n *noopEngineMetrics) RecordDispatch(ctx context.Context, kernel string, groups uint32)  {}
func (n *noopEngineMetrics) RecordTransfer(ctx context.Context, direction string, bytes int64) {}
func (n *noopEngineMetrics) RecordOccupancy(ctx context.Context, used, live, capacity uint32)   {}
func (n *noopEngineMetrics) RecordError(ctx context.Context, errorType, component string, severity string) {
}
func (n *noopEngineMetrics) Close() error { return nil }

// boolToString converts boolean to string for telemetry attributes
func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
