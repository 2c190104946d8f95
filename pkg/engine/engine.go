// Package engine orchestrates the slab, the staging regions and the kernels
// behind the batched store operations.
//
// Device work of one Engine is strictly sequential: every operation first
// waits for the work the previous one left in flight. Mutations that return
// no data are submitted without waiting. An Engine must not be used from
// several goroutines at once; callers serialize access.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/slabkv/pkg/common/iterator"
	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
	"github.com/KevoDB/slabkv/pkg/kernel"
	"github.com/KevoDB/slabkv/pkg/slab"
	"github.com/KevoDB/slabkv/pkg/sorter"
	"github.com/KevoDB/slabkv/pkg/staging"
	"github.com/KevoDB/slabkv/pkg/stats"
	"github.com/KevoDB/slabkv/pkg/telemetry"
)

// Lookup is the result for one key of a batched get
type Lookup struct {
	Value entry.Value
	Found bool
}

// Engine is a sorted key/value store whose operations run as kernel
// dispatches over a device-resident slab
type Engine struct {
	dev     device.Device
	slab    *slab.Slab
	staging *staging.Staging
	sorter  sorter.Sorter

	workgroupSize   uint32
	maxDispatchKeys int

	logger  log.Logger
	tel     telemetry.Telemetry
	metrics EngineMetrics
	stats   stats.Collector

	// Work submitted without waiting, and the params region holding the
	// tombstone counter of an unapplied delete
	inflight      []device.Fence
	pendingDelete *staging.Region

	// First fatal error; the store is undefined afterwards
	broken error

	closed atomic.Bool
}

// Create allocates a store of the given capacity on dev. The device stays
// owned by the caller and must outlive the Engine.
func Create(dev device.Device, capacity uint32, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, fmt.Errorf("engine: %w", o.err)
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}

	info := dev.Info()
	if o.workgroupSize == 0 || o.workgroupSize > info.Limits.MaxWorkgroupSize {
		return nil, fmt.Errorf("engine: workgroup size %d outside [1, %d]", o.workgroupSize, info.Limits.MaxWorkgroupSize)
	}
	if o.maxDispatchKeys <= 0 {
		return nil, fmt.Errorf("engine: max dispatch keys must be positive, got %d", o.maxDispatchKeys)
	}

	ctx, span := o.tel.StartSpan(context.Background(), "slabkv.engine.create",
		attribute.Int64("capacity", int64(capacity)),
		attribute.String("device", info.Name))
	defer span.End()

	s, err := slab.Create(dev, capacity)
	if err != nil {
		o.logger.Error("Failed to allocate slab of %d entries on %s: %v", capacity, info.Name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	st := staging.New(dev, o.stagingMaxWords)
	// a key chunk needs two result words per key
	if limit := st.MaxWords() / 2; o.maxDispatchKeys > limit {
		o.maxDispatchKeys = limit
	}

	e := &Engine{
		dev:             dev,
		slab:            s,
		staging:         st,
		sorter:          o.sorter,
		workgroupSize:   o.workgroupSize,
		maxDispatchKeys: o.maxDispatchKeys,
		logger:          o.logger.WithField("component", telemetry.ComponentEngine),
		tel:             o.tel,
		metrics:         NewEngineMetrics(o.tel),
		stats:           o.stats,
	}
	e.trackSlab(ctx)

	e.logger.Info("Created store with capacity %d on %s (workgroup %d, sorter %s)",
		capacity, info.Name, e.workgroupSize, e.sorter.Name())
	return e, nil
}

// BulkPut inserts or overwrites a batch of entries. The batch is validated as
// a whole before any device mutation: a reserved value or a repeated key
// fails it, checked in batch order, and so does a batch whose new keys would
// not fit. A failed batch leaves the store unchanged.
func (e *Engine) BulkPut(ctx context.Context, entries []entry.Entry) (err error) {
	if err := e.check(); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "slabkv.engine.bulk_put", attribute.Int(telemetry.AttrBatchSize, len(entries)))
	defer func() { e.finish(ctx, span, stats.OpBulkPut, start, len(entries), err) }()

	if err := e.await(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	if err := validateBatch(entries); err != nil {
		return e.reject(ctx, telemetry.OpTypeBulkPut, len(entries), err)
	}

	n := len(entries)
	if 2*n > e.staging.MaxWords() {
		return fmt.Errorf("%w: %d entries", staging.ErrBatchTooLarge, n)
	}

	sorted := slices.Clone(entries)
	e.sorter.Sort(sorted)
	keys := make([]entry.Key, n)
	for i := range sorted {
		keys[i] = sorted[i].Key
	}

	status, err := e.probe(ctx, keys)
	if err != nil {
		return err
	}

	// prefix[j] counts batch keys before j that are new to the slab
	prefix := make([]uint32, n+1)
	var absent, revived uint32
	for j, st := range status {
		prefix[j+1] = prefix[j]
		switch st {
		case kernel.StatusAbsent:
			prefix[j+1]++
			absent++
		case kernel.StatusTombstoned:
			revived++
		}
	}

	used := e.slab.UsedLength()
	requested := uint64(used) + uint64(absent)
	if requested > uint64(e.slab.Capacity()) {
		return e.reject(ctx, telemetry.OpTypeBulkPut, n,
			&CapacityExceededError{Capacity: e.slab.Capacity(), Requested: requested})
	}

	er, err := e.staging.StageEntries(sorted)
	if err != nil {
		return e.fail(err)
	}
	ar, err := e.staging.StageWords(prefix)
	if err != nil {
		return e.fail(err)
	}
	pr, err := e.staging.StageParams(uint32(n))
	if err != nil {
		return e.fail(err)
	}
	e.metrics.RecordTransfer(ctx, "upload", int64(n*entry.Size+len(prefix)*4))

	f := e.dispatch(ctx, kernel.Merge{Width: e.workgroupSize}, used+uint32(n),
		e.slab.Primary(), e.slab.Meta(), er.Buffer, ar.Buffer, pr.Buffer, e.slab.Scratch())
	e.inflight = append(e.inflight, f)

	if err := e.slab.Commit(uint32(requested), int64(absent)+int64(revived)); err != nil {
		return e.fail(err)
	}
	e.stats.TrackBytes(true, uint64(n*entry.Size))
	return nil
}

// BulkGet looks up a batch of keys. Results follow the order of keys;
// tombstoned and missing keys are reported as not found.
func (e *Engine) BulkGet(ctx context.Context, keys []entry.Key) (results []Lookup, err error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "slabkv.engine.bulk_get", attribute.Int(telemetry.AttrBatchSize, len(keys)))
	defer func() { e.finish(ctx, span, stats.OpBulkGet, start, len(keys), err) }()

	if err := e.await(ctx); err != nil {
		return nil, err
	}

	results = make([]Lookup, len(keys))
	if len(keys) == 0 || e.slab.UsedLength() == 0 {
		return results, nil
	}

	var found uint64
	for off := 0; off < len(keys); off += e.maxDispatchKeys {
		end := min(off+e.maxDispatchKeys, len(keys))
		if err := e.lookup(ctx, keys[off:end], results[off:end]); err != nil {
			return nil, err
		}
	}
	for _, r := range results {
		if r.Found {
			found++
		}
	}
	e.stats.TrackBytes(false, found*entry.Size)
	return results, nil
}

// BulkDelete tombstones every live entry whose key is in keys. Absent and
// already deleted keys are ignored. The work is submitted without waiting;
// the live count catches up before the next operation.
func (e *Engine) BulkDelete(ctx context.Context, keys []entry.Key) (err error) {
	if err := e.check(); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "slabkv.engine.bulk_delete", attribute.Int(telemetry.AttrBatchSize, len(keys)))
	defer func() { e.finish(ctx, span, stats.OpBulkDelete, start, len(keys), err) }()

	if err := e.await(ctx); err != nil {
		return err
	}
	if len(keys) == 0 || e.slab.UsedLength() == 0 {
		return nil
	}

	// Two lanes must never tombstone the same slot
	set := roaring.New()
	for _, k := range keys {
		set.Add(uint32(k))
	}
	unique := set.ToArray()

	var params staging.Region
	for off := 0; off < len(unique); off += e.maxDispatchKeys {
		chunk := unique[off:min(off+e.maxDispatchKeys, len(unique))]

		kr, err := e.staging.Stage(staging.Keys, chunk)
		if err != nil {
			return e.fail(err)
		}
		if off == 0 {
			params, err = e.staging.StageParams(uint32(len(chunk)), 0)
		} else {
			// keep the tombstone counter accumulating across chunks
			err = e.dev.Queue().WriteBuffer(params.Buffer, 0, []uint32{uint32(len(chunk))})
		}
		if err != nil {
			return e.fail(err)
		}
		e.metrics.RecordTransfer(ctx, "upload", int64(len(chunk)*entry.KeySize))

		f := e.dispatch(ctx, kernel.Delete{Width: e.workgroupSize}, uint32(len(chunk)),
			e.slab.Primary(), e.slab.Meta(), kr.Buffer, params.Buffer)
		e.inflight = append(e.inflight, f)
	}
	e.pendingDelete = &params
	return nil
}

// Range returns the live entries with from <= key < to in key order
func (e *Engine) Range(ctx context.Context, from, to entry.Key) (result []entry.Entry, err error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "slabkv.engine.range",
		attribute.Int64("range.from", int64(from)), attribute.Int64("range.to", int64(to)))
	defer func() { e.finish(ctx, span, stats.OpRange, start, len(result), err) }()

	if err := e.await(ctx); err != nil {
		return nil, err
	}
	if from >= to || e.slab.UsedLength() == 0 {
		return []entry.Entry{}, nil
	}

	pr, err := e.staging.StageParams(uint32(from), uint32(to))
	if err != nil {
		return nil, e.fail(err)
	}
	rr, err := e.staging.Results(2)
	if err != nil {
		return nil, e.fail(err)
	}
	f := e.dispatch(ctx, kernel.RangeBounds{}, 1, e.slab.Primary(), e.slab.Meta(), pr.Buffer, rr.Buffer)
	if err := f.Wait(ctx); err != nil {
		return nil, e.fail(err)
	}
	bounds, err := e.staging.ReadBack(ctx, rr)
	if err != nil {
		return nil, e.fail(err)
	}

	lo, hi := bounds[0], bounds[1]
	snap, err := e.slab.SnapshotRange(ctx, lo, hi-lo)
	if err != nil {
		return nil, e.fail(err)
	}
	e.metrics.RecordTransfer(ctx, "readback", int64(len(snap)*entry.Size))

	result = make([]entry.Entry, 0, len(snap))
	for _, en := range snap {
		if !en.IsTombstone() {
			result = append(result, en)
		}
	}
	e.stats.TrackBytes(false, uint64(len(result)*entry.Size))
	return result, nil
}

// RangeIter returns an iterator over the result of Range
func (e *Engine) RangeIter(ctx context.Context, from, to entry.Key) (iterator.Iterator, error) {
	result, err := e.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return iterator.NewSliceIterator(result), nil
}

// Put stores a single entry
func (e *Engine) Put(ctx context.Context, key entry.Key, value entry.Value) error {
	return e.BulkPut(ctx, []entry.Entry{{Key: key, Value: value}})
}

// Get looks up a single key
func (e *Engine) Get(ctx context.Context, key entry.Key) (entry.Value, bool, error) {
	results, err := e.BulkGet(ctx, []entry.Key{key})
	if err != nil {
		return 0, false, err
	}
	return results[0].Value, results[0].Found, nil
}

// Delete tombstones a single key
func (e *Engine) Delete(ctx context.Context, key entry.Key) error {
	return e.BulkDelete(ctx, []entry.Key{key})
}

// Len returns the number of live entries. Pending deletes are applied first;
// if that fails the last known count is returned.
func (e *Engine) Len() uint32 {
	if e.check() == nil {
		if err := e.await(context.Background()); err != nil {
			e.logger.Warn("Failed to settle pending work: %v", err)
		}
	}
	return e.slab.LiveLength()
}

// Capacity returns the fixed maximum number of used slots
func (e *Engine) Capacity() uint32 {
	return e.slab.Capacity()
}

// IsEmpty reports whether the store holds no live entries
func (e *Engine) IsEmpty() bool {
	return e.Len() == 0
}

// Checksum returns the xxhash64 of all live entries in key order, each in its
// 8-byte encoding. Equal contents give equal checksums.
func (e *Engine) Checksum(ctx context.Context) (sum uint64, err error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "slabkv.engine.checksum")
	var n int
	defer func() { e.finish(ctx, span, stats.OpChecksum, start, n, err) }()

	if err := e.await(ctx); err != nil {
		return 0, err
	}
	snap, err := e.slab.SnapshotRange(ctx, 0, e.slab.UsedLength())
	if err != nil {
		return 0, e.fail(err)
	}
	n = len(snap)

	d := xxhash.New()
	var buf [entry.Size]byte
	for _, en := range snap {
		if en.IsTombstone() {
			continue
		}
		entry.Encode(buf[:], en)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64(), nil
}

// Verify reads the slab back and checks key order and the live count
func (e *Engine) Verify(ctx context.Context) error {
	if err := e.check(); err != nil {
		return err
	}
	if err := e.await(ctx); err != nil {
		return err
	}
	if err := e.slab.Verify(ctx); err != nil {
		return e.fail(err)
	}
	return nil
}

// GetStats returns the engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	out := e.stats.GetStats()
	out["device"] = e.dev.Info().Name
	out["workgroup_size"] = e.workgroupSize
	out["sorter"] = e.sorter.Name()
	out["staging_grown"] = e.staging.Grown()
	return out
}

// Close waits for in-flight work and releases the store's device memory. The
// device itself is left open.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.broken == nil {
		if err := e.await(context.Background()); err != nil {
			e.logger.Warn("Pending work failed during close: %v", err)
		}
	}
	e.staging.Release()
	e.slab.Release()
	e.logger.Info("Closed store")
	return e.metrics.Close()
}

func (e *Engine) check() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.broken != nil {
		return e.broken
	}
	if e.dev.Lost() {
		return e.fail(ErrDeviceLost)
	}
	return nil
}

// fail classifies a device-side error. Device loss and slab corruption
// break the store for good; out-of-memory is reported as an allocation
// failure.
func (e *Engine) fail(err error) error {
	switch {
	case errors.Is(err, device.ErrDeviceLost), errors.Is(err, slab.ErrCorrupt):
		if e.broken == nil {
			e.broken = err
			e.logger.Error("Store is unusable and must be recreated: %v", err)
			e.metrics.RecordError(context.Background(), "device_lost", telemetry.ComponentDevice, "fatal")
			e.stats.TrackError("device_lost")
		}
		return err
	case errors.Is(err, device.ErrOutOfMemory) && !errors.Is(err, ErrAllocationFailed):
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	default:
		return err
	}
}

// await completes work left in flight by the previous operation and applies
// the tombstone count of a pending delete
func (e *Engine) await(ctx context.Context) error {
	for len(e.inflight) > 0 {
		if err := e.inflight[0].Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if errors.Is(err, device.ErrDeviceLost) {
				return e.fail(err)
			}
			// the host already advanced past this work
			return e.fail(fmt.Errorf("%w: queued work failed: %w", slab.ErrCorrupt, err))
		}
		e.inflight = e.inflight[1:]
	}

	if e.pendingDelete != nil {
		words, err := e.staging.ReadBack(ctx, *e.pendingDelete)
		if err != nil {
			return e.fail(err)
		}
		e.pendingDelete = nil
		e.metrics.RecordTransfer(ctx, "readback", int64(len(words)*4))
		if err := e.slab.AdjustLive(-int64(words[1])); err != nil {
			return e.fail(err)
		}
		e.trackSlab(ctx)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, k device.Kernel, lanes uint32, bindings ...device.Buffer) device.Fence {
	groups := device.GroupsFor(lanes, k.WorkgroupSize())
	enc := device.NewEncoder(k.Name())
	enc.Dispatch(k, groups, bindings...)
	f := e.dev.Queue().Submit(enc.Finish())

	e.stats.TrackDispatch(k.Name())
	e.metrics.RecordDispatch(ctx, k.Name(), groups)
	return f
}

// lookup runs one lookup dispatch over keys and fills out
func (e *Engine) lookup(ctx context.Context, keys []entry.Key, out []Lookup) error {
	words, err := e.search(ctx, kernel.Lookup{Width: e.workgroupSize}, keys)
	if err != nil {
		return err
	}
	for i := range out {
		out[i] = Lookup{Value: entry.Value(words[2*i]), Found: words[2*i+1] != 0}
	}
	return nil
}

// probe returns the probe status of every key, partitioned like lookups
func (e *Engine) probe(ctx context.Context, keys []entry.Key) ([]uint32, error) {
	status := make([]uint32, len(keys))
	if e.slab.UsedLength() == 0 {
		return status, nil
	}
	for off := 0; off < len(keys); off += e.maxDispatchKeys {
		end := min(off+e.maxDispatchKeys, len(keys))
		words, err := e.search(ctx, kernel.Probe{Width: e.workgroupSize}, keys[off:end])
		if err != nil {
			return nil, err
		}
		for i := off; i < end; i++ {
			status[i] = words[2*(i-off)+1]
		}
	}
	return status, nil
}

// search stages keys, runs a two-word-per-key search kernel and reads the
// results back
func (e *Engine) search(ctx context.Context, k device.Kernel, keys []entry.Key) ([]uint32, error) {
	kr, err := e.staging.StageKeys(keys)
	if err != nil {
		return nil, e.fail(err)
	}
	pr, err := e.staging.StageParams(uint32(len(keys)))
	if err != nil {
		return nil, e.fail(err)
	}
	rr, err := e.staging.Results(2 * len(keys))
	if err != nil {
		return nil, e.fail(err)
	}
	e.metrics.RecordTransfer(ctx, "upload", int64(len(keys)*entry.KeySize))

	f := e.dispatch(ctx, k, uint32(len(keys)), e.slab.Primary(), e.slab.Meta(), kr.Buffer, pr.Buffer, rr.Buffer)
	if err := f.Wait(ctx); err != nil {
		return nil, e.fail(err)
	}
	words, err := e.staging.ReadBack(ctx, rr)
	if err != nil {
		return nil, e.fail(err)
	}
	e.metrics.RecordTransfer(ctx, "readback", int64(len(words)*4))
	return words, nil
}

// reject records a batch refused by validation
func (e *Engine) reject(ctx context.Context, op string, size int, err error) error {
	reason := "capacity"
	switch {
	case errors.Is(err, ErrDuplicateKeys):
		reason = "duplicate_keys"
	case errors.Is(err, ErrReservedValue):
		reason = "reserved_value"
	}
	e.metrics.RecordRejection(ctx, op, reason)
	e.logger.Debug("Rejected %s of %d entries: %v", op, size, err)
	return err
}

func (e *Engine) finish(ctx context.Context, span trace.Span, op stats.OperationType, start time.Time, size int, err error) {
	d := time.Since(start)
	e.stats.TrackOperationWithLatency(op, uint64(d.Nanoseconds()))
	e.stats.TrackBatch(op, uint64(size))
	e.metrics.RecordOperation(ctx, string(op), d, size, err == nil)
	if err != nil {
		e.stats.TrackError(string(op) + "_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if op == stats.OpBulkPut {
		e.trackSlab(ctx)
	}
	span.End()
}

func (e *Engine) trackSlab(ctx context.Context) {
	used, live, capacity := e.slab.UsedLength(), e.slab.LiveLength(), e.slab.Capacity()
	e.stats.TrackSlab(uint64(used), uint64(live), uint64(capacity))
	e.metrics.RecordOccupancy(ctx, used, live, capacity)
}

// validateBatch rejects a batch holding the reserved value anywhere before
// looking for repeated keys. Within each check the first offender in batch
// order is reported.
func validateBatch(entries []entry.Entry) error {
	for _, en := range entries {
		if en.Value.IsTombstone() {
			return &ReservedValueError{Value: en.Value}
		}
	}
	seen := roaring.New()
	for _, en := range entries {
		if !seen.CheckedAdd(uint32(en.Key)) {
			return &DuplicateKeysError{Key: en.Key}
		}
	}
	return nil
}
