package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpBulkPut    OperationType = "bulk_put"
	OpBulkGet    OperationType = "bulk_get"
	OpBulkDelete OperationType = "bulk_delete"
	OpRange      OperationType = "range"
	OpChecksum   OperationType = "checksum"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex // Only used for timestamp updates

	// Slab occupancy
	slabUsed     atomic.Uint64
	slabLive     atomic.Uint64
	slabCapacity atomic.Uint64

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	// Error tracking
	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex // Only used when creating new error entries

	// Kernel dispatch counters
	dispatches   map[string]*atomic.Uint64
	dispatchesMu sync.RWMutex

	// Batch sizes per operation
	batches   map[OperationType]*BatchTracker
	batchesMu sync.RWMutex

	// Latency tracking
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex // Only used when creating new latency trackers
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, zero until the first sample
}

// BatchTracker maintains running statistics about batch sizes
type BatchTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64
	max   atomic.Uint64
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		dispatches: make(map[string]*atomic.Uint64),
		batches:    make(map[OperationType]*BatchTracker),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)
	storeMax(&tracker.max, latencyNs)

	// Update min (using compare-and-swap pattern)
	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	getOrCreate(&c.errorsMu, c.errors, errorType).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackBatch records the size of a batch handled by op
func (c *AtomicCollector) TrackBatch(op OperationType, size uint64) {
	c.batchesMu.RLock()
	tracker, exists := c.batches[op]
	c.batchesMu.RUnlock()

	if !exists {
		c.batchesMu.Lock()
		if tracker, exists = c.batches[op]; !exists {
			tracker = &BatchTracker{}
			c.batches[op] = tracker
		}
		c.batchesMu.Unlock()
	}

	tracker.count.Add(1)
	tracker.sum.Add(size)
	storeMax(&tracker.max, size)
}

// TrackDispatch increments the dispatch counter of a kernel
func (c *AtomicCollector) TrackDispatch(kernel string) {
	getOrCreate(&c.dispatchesMu, c.dispatches, kernel).Add(1)
}

// TrackSlab records the current slab occupancy
func (c *AtomicCollector) TrackSlab(used, live, capacity uint64) {
	c.slabUsed.Store(used)
	c.slabLive.Store(live)
	c.slabCapacity.Store(capacity)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	used, live := c.slabUsed.Load(), c.slabLive.Load()
	stats["slab_used"] = used
	stats["slab_live"] = live
	stats["slab_tombstones"] = used - live
	stats["slab_capacity"] = c.slabCapacity.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	c.dispatchesMu.RLock()
	dispatchStats := make(map[string]uint64)
	for kernel, counter := range c.dispatches {
		dispatchStats[kernel] = counter.Load()
	}
	c.dispatchesMu.RUnlock()
	stats["dispatches"] = dispatchStats

	c.batchesMu.RLock()
	for op, tracker := range c.batches {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}
		stats[string(op)+"_batch"] = map[string]interface{}{
			"count": count,
			"avg":   tracker.sum.Load() / count,
			"max":   tracker.max.Load(),
			"total": tracker.sum.Load(),
		}
	}
	c.batchesMu.RUnlock()

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}

		// Only include min/max if we have values
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	return getOrCreate(&c.countsMu, c.counts, op)
}

// getOrCreateLatencyTracker gets or creates a latency tracker for the operation
func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	// Try read lock first (fast path)
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		// Slow path with write lock
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

func getOrCreate[K comparable](mu *sync.RWMutex, m map[K]*atomic.Uint64, key K) *atomic.Uint64 {
	mu.RLock()
	counter, exists := m[key]
	mu.RUnlock()

	if !exists {
		mu.Lock()
		if counter, exists = m[key]; !exists {
			counter = &atomic.Uint64{}
			m[key] = counter
		}
		mu.Unlock()
	}

	return counter
}

func storeMax(v *atomic.Uint64, sample uint64) {
	for {
		current := v.Load()
		if sample <= current {
			return
		}
		if v.CompareAndSwap(current, sample) {
			return
		}
	}
}
