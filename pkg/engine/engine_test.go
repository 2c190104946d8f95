package engine

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
	"github.com/KevoDB/slabkv/pkg/sorter"
	"github.com/KevoDB/slabkv/pkg/staging"
	"github.com/KevoDB/slabkv/pkg/telemetry"
)

func newTestEngine(t *testing.T, capacity uint32, opts ...Option) (*Engine, *device.CPUDevice) {
	t.Helper()
	dev := device.NewCPU()
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	eng, err := Create(dev, capacity, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() {
		eng.Close()
		dev.Close()
	})
	return eng, dev
}

func mustGet(t *testing.T, eng *Engine, key entry.Key) (entry.Value, bool) {
	t.Helper()
	v, ok, err := eng.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", key, err)
	}
	return v, ok
}

func TestEngine_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 1024)

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 10}, {Key: 2, Value: 20}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}

	if v, ok := mustGet(t, eng, 1); !ok || v != 10 {
		t.Fatalf("Expected get(1) == 10, got %d (found=%v)", v, ok)
	}

	if err := eng.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, ok := mustGet(t, eng, 2); ok {
		t.Fatal("Expected key 2 to be deleted, but it was found")
	}

	if n := eng.Len(); n != 1 {
		t.Fatalf("Expected len 1, got %d", n)
	}

	if eng.Capacity() != 1024 {
		t.Fatalf("Expected capacity 1024, got %d", eng.Capacity())
	}
}

func TestEngine_RangeExcludesUpperBound(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 1024)

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 10, Value: 100}, {Key: 20, Value: 200}, {Key: 30, Value: 300}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}

	got, err := eng.Range(ctx, 10, 30)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	want := []entry.Entry{{Key: 10, Value: 100}, {Key: 20, Value: 200}}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	got, err = eng.Range(ctx, 10, 31)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 3 || got[2].Key != 30 {
		t.Fatalf("Expected key 30 in range [10, 31), got %v", got)
	}
}

func TestEngine_DuplicateKeysRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 1024)

	err := eng.BulkPut(context.Background(), []entry.Entry{{Key: 1, Value: 1}, {Key: 1, Value: 2}})

	var dup *DuplicateKeysError
	if !errors.As(err, &dup) {
		t.Fatalf("Expected DuplicateKeysError, got %v", err)
	}
	if dup.Key != 1 {
		t.Fatalf("Expected duplicate key 1, got %d", dup.Key)
	}
	if !errors.Is(err, ErrDuplicateKeys) {
		t.Fatal("Expected error to match ErrDuplicateKeys")
	}
	if n := eng.Len(); n != 0 {
		t.Fatalf("Expected store to stay empty, len=%d", n)
	}
}

func TestEngine_ReservedValueRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 1024)

	err := eng.BulkPut(context.Background(), []entry.Entry{{Key: 1, Value: 0xFFFFFFFF}})

	var reserved *ReservedValueError
	if !errors.As(err, &reserved) {
		t.Fatalf("Expected ReservedValueError, got %v", err)
	}
	if reserved.Value != 0xFFFFFFFF {
		t.Fatalf("Expected reserved value 0xFFFFFFFF, got 0x%X", uint32(reserved.Value))
	}
	if eng.Len() != 0 {
		t.Fatal("Expected store to stay empty")
	}
}

func TestEngine_ReservedValueCheckedBeforeDuplicates(t *testing.T) {
	eng, _ := newTestEngine(t, 16)
	ctx := context.Background()

	err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 1, Value: 2}, {Key: 3, Value: entry.Tombstone}})
	var re *ReservedValueError
	if !errors.As(err, &re) {
		t.Fatalf("Expected reserved value, got %v", err)
	}

	err = eng.BulkPut(ctx, []entry.Entry{{Key: 4, Value: entry.Tombstone}, {Key: 3, Value: 1}, {Key: 3, Value: 2}})
	if !errors.Is(err, ErrReservedValue) {
		t.Fatalf("Expected reserved value, got %v", err)
	}

	err = eng.BulkPut(ctx, []entry.Entry{{Key: 5, Value: 1}, {Key: 3, Value: 1}, {Key: 5, Value: 2}, {Key: 3, Value: 2}})
	var de *DuplicateKeysError
	if !errors.As(err, &de) {
		t.Fatalf("Expected duplicate keys, got %v", err)
	}
	if de.Key != 5 {
		t.Errorf("Expected first repeated key 5, got %d", de.Key)
	}
	if !eng.IsEmpty() {
		t.Errorf("Expected rejected batches to leave the store empty")
	}
}

func TestEngine_CapacityRejectionLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 4)

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}, {Key: 3, Value: 3}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	before, err := eng.Checksum(ctx)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}

	// one overwrite and two new keys need five slots
	err = eng.BulkPut(ctx, []entry.Entry{{Key: 2, Value: 22}, {Key: 4, Value: 4}, {Key: 5, Value: 5}})
	var ce *CapacityExceededError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CapacityExceededError, got %v", err)
	}
	if ce.Capacity != 4 || ce.Requested != 5 {
		t.Fatalf("Expected capacity 4 / requested 5, got %d / %d", ce.Capacity, ce.Requested)
	}

	after, err := eng.Checksum(ctx)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if before != after {
		t.Fatal("Rejected batch changed the store")
	}
	if v, _ := mustGet(t, eng, 2); v != 2 {
		t.Fatalf("Expected key 2 to keep value 2, got %d", v)
	}
	if eng.Len() != 3 {
		t.Fatalf("Expected len 3, got %d", eng.Len())
	}

	// overwrites do not consume slots, so this batch fits exactly
	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 2, Value: 22}, {Key: 4, Value: 4}}); err != nil {
		t.Fatalf("Expected batch filling the slab to succeed: %v", err)
	}
	if v, _ := mustGet(t, eng, 2); v != 22 {
		t.Fatalf("Expected overwritten value 22, got %d", v)
	}
	if eng.Len() != 4 {
		t.Fatalf("Expected len 4, got %d", eng.Len())
	}
}

func TestEngine_TombstoneReuse(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 2)

	if err := eng.Put(ctx, 5, 50); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := eng.Delete(ctx, 5); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if eng.Len() != 0 {
		t.Fatalf("Expected len 0 after delete, got %d", eng.Len())
	}

	// reviving the tombstoned key reuses its slot
	if err := eng.Put(ctx, 5, 55); err != nil {
		t.Fatalf("Put over tombstone failed: %v", err)
	}
	if v, ok := mustGet(t, eng, 5); !ok || v != 55 {
		t.Fatalf("Expected revived value 55, got %d (found=%v)", v, ok)
	}
	if eng.Len() != 1 {
		t.Fatalf("Expected len 1 after revive, got %d", eng.Len())
	}

	stats := eng.GetStats()
	if used := stats["slab_used"].(uint64); used != 1 {
		t.Fatalf("Expected one used slot, got %d", used)
	}
	if err := eng.Verify(ctx); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestEngine_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 64)

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}, {Key: 3, Value: 3}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}

	// duplicates and absent keys in one batch count once
	if err := eng.BulkDelete(ctx, []entry.Key{2, 2, 2, 99}); err != nil {
		t.Fatalf("BulkDelete failed: %v", err)
	}
	if eng.Len() != 2 {
		t.Fatalf("Expected len 2, got %d", eng.Len())
	}

	if err := eng.Delete(ctx, 2); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
	if eng.Len() != 2 {
		t.Fatalf("Expected len to stay 2, got %d", eng.Len())
	}

	if err := eng.Delete(ctx, 42); err != nil {
		t.Fatalf("Delete of absent key failed: %v", err)
	}
	if eng.Len() != 2 {
		t.Fatalf("Expected len to stay 2, got %d", eng.Len())
	}
}

func TestEngine_RangeSkipsTombstones(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 64)

	var batch []entry.Entry
	for k := entry.Key(1); k <= 10; k++ {
		batch = append(batch, entry.Entry{Key: k, Value: entry.Value(k * 100)})
	}
	if err := eng.BulkPut(ctx, batch); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	if err := eng.BulkDelete(ctx, []entry.Key{3, 4, 7}); err != nil {
		t.Fatalf("BulkDelete failed: %v", err)
	}

	got, err := eng.Range(ctx, 2, 9)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	var keys []entry.Key
	for _, e := range got {
		keys = append(keys, e.Key)
	}
	if want := []entry.Key{2, 5, 6, 8}; !slices.Equal(keys, want) {
		t.Fatalf("Expected keys %v, got %v", want, keys)
	}
}

func TestEngine_RangeEdgeCases(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 64)

	got, err := eng.Range(ctx, 0, 100)
	if err != nil || len(got) != 0 {
		t.Fatalf("Expected empty range on empty store, got %v (%v)", got, err)
	}

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 0, Value: 1}, {Key: 0xFFFFFFFE, Value: 2}, {Key: 0xFFFFFFFF, Value: 3}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}

	if got, _ := eng.Range(ctx, 50, 50); got == nil || len(got) != 0 {
		t.Fatalf("Expected empty non-nil result for from == to, got %v", got)
	}
	if got, _ := eng.Range(ctx, 60, 50); len(got) != 0 {
		t.Fatalf("Expected empty result for from > to, got %v", got)
	}

	got, err = eng.Range(ctx, 0, 0xFFFFFFFF)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 2 || got[0].Key != 0 || got[1].Key != 0xFFFFFFFE {
		t.Fatalf("Expected keys 0 and 0xFFFFFFFE, got %v", got)
	}

	it, err := eng.RangeIter(ctx, 1, 0xFFFFFFFF)
	if err != nil {
		t.Fatalf("RangeIter failed: %v", err)
	}
	it.SeekToFirst()
	if !it.Valid() || it.Key() != 0xFFFFFFFE || it.Value() != 2 {
		t.Fatalf("Unexpected iterator position %v", it.Entry())
	}
	if it.Next() {
		t.Fatal("Expected iterator to be exhausted")
	}
}

func TestEngine_BulkGetPreservesOrder(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 1024, WithMaxDispatchKeys(5), WithWorkgroupSize(4))

	var batch []entry.Entry
	for k := entry.Key(0); k < 100; k += 2 {
		batch = append(batch, entry.Entry{Key: k, Value: entry.Value(k) + 1000})
	}
	if err := eng.BulkPut(ctx, batch); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}

	keys := []entry.Key{98, 1, 0, 51, 50, 98, 200, 2}
	results, err := eng.BulkGet(ctx, keys)
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	if len(results) != len(keys) {
		t.Fatalf("Expected %d results, got %d", len(keys), len(results))
	}
	for i, k := range keys {
		wantFound := k%2 == 0 && k < 100
		if results[i].Found != wantFound {
			t.Fatalf("key %d: expected found=%v, got %v", k, wantFound, results[i].Found)
		}
		if wantFound && results[i].Value != entry.Value(k)+1000 {
			t.Fatalf("key %d: expected value %d, got %d", k, k+1000, results[i].Value)
		}
	}

	empty, err := eng.BulkGet(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("Expected empty result for empty batch, got %v (%v)", empty, err)
	}
}

// TestEngine_MatchesModel drives random batches against a map and checks the
// store agrees with it and keeps its invariants after every step
func TestEngine_MatchesModel(t *testing.T) {
	for _, s := range []sorter.Sorter{sorter.Host{}, sorter.Radix{}} {
		s := s
		t.Run(s.Name(), func(t *testing.T) {
			ctx := context.Background()
			eng, _ := newTestEngine(t, 512, WithSorter(s), WithWorkgroupSize(8), WithMaxDispatchKeys(37))
			model := make(map[entry.Key]entry.Value)
			rng := rand.New(rand.NewSource(42))

			for round := 0; round < 60; round++ {
				switch rng.Intn(3) {
				case 0, 1:
					seen := make(map[entry.Key]bool)
					var batch []entry.Entry
					for i := rng.Intn(80); i >= 0; i-- {
						k := entry.Key(rng.Intn(600))
						if seen[k] {
							continue
						}
						seen[k] = true
						batch = append(batch, entry.Entry{Key: k, Value: entry.Value(rng.Uint32() >> 1)})
					}
					err := eng.BulkPut(ctx, batch)
					if errors.Is(err, ErrCapacityExceeded) {
						continue
					}
					if err != nil {
						t.Fatalf("round %d: BulkPut failed: %v", round, err)
					}
					for _, e := range batch {
						model[e.Key] = e.Value
					}
				case 2:
					var keys []entry.Key
					for i := rng.Intn(60); i >= 0; i-- {
						keys = append(keys, entry.Key(rng.Intn(600)))
					}
					if err := eng.BulkDelete(ctx, keys); err != nil {
						t.Fatalf("round %d: BulkDelete failed: %v", round, err)
					}
					for _, k := range keys {
						delete(model, k)
					}
				}

				if err := eng.Verify(ctx); err != nil {
					t.Fatalf("round %d: %v", round, err)
				}
				if int(eng.Len()) != len(model) {
					t.Fatalf("round %d: expected len %d, got %d", round, len(model), eng.Len())
				}
			}

			probe := make([]entry.Key, 600)
			for i := range probe {
				probe[i] = entry.Key(i)
			}
			results, err := eng.BulkGet(ctx, probe)
			if err != nil {
				t.Fatalf("BulkGet failed: %v", err)
			}
			for i, r := range results {
				v, ok := model[entry.Key(i)]
				if r.Found != ok || (ok && r.Value != v) {
					t.Fatalf("key %d: expected (%d, %v), got (%d, %v)", i, v, ok, r.Value, r.Found)
				}
			}

			got, err := eng.Range(ctx, 100, 400)
			if err != nil {
				t.Fatalf("Range failed: %v", err)
			}
			var want []entry.Entry
			for k, v := range model {
				if k >= 100 && k < 400 {
					want = append(want, entry.Entry{Key: k, Value: v})
				}
			}
			slices.SortFunc(want, func(a, b entry.Entry) int { return int(a.Key) - int(b.Key) })
			if len(want) == 0 {
				want = []entry.Entry{}
			}
			if !slices.Equal(got, want) {
				t.Fatalf("Range mismatch:\nwant %v\ngot  %v", want, got)
			}
		})
	}
}

func TestEngine_ChecksumIgnoresInsertOrder(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestEngine(t, 64)
	b, _ := newTestEngine(t, 64)

	if err := a.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}, {Key: 3, Value: 3}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	if err := b.BulkPut(ctx, []entry.Entry{{Key: 3, Value: 3}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	if err := b.BulkPut(ctx, []entry.Entry{{Key: 2, Value: 2}, {Key: 1, Value: 1}, {Key: 4, Value: 4}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	if err := b.Delete(ctx, 4); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	sumA, err := a.Checksum(ctx)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	sumB, err := b.Checksum(ctx)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if sumA != sumB {
		t.Fatalf("Expected equal checksums, got %x and %x", sumA, sumB)
	}

	if err := b.Put(ctx, 1, 100); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sumB, _ = b.Checksum(ctx)
	if sumA == sumB {
		t.Fatal("Expected checksum to change after overwrite")
	}
}

func TestEngine_AllocationFailed(t *testing.T) {
	dev := device.NewCPU(device.WithMemoryLimit(1024))
	defer dev.Close()

	_, err := Create(dev, 1<<20, WithLogger(log.Discard()))
	if !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("Expected ErrAllocationFailed, got %v", err)
	}

	if _, err := Create(dev, 0, WithLogger(log.Discard())); !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("Expected ErrAllocationFailed for zero capacity, got %v", err)
	}
}

func TestEngine_ReadsNeedNoDeviceMemory(t *testing.T) {
	ctx := context.Background()
	batch := make([]entry.Entry, 90)
	for i := range batch {
		batch[i] = entry.Entry{Key: entry.Key(i), Value: entry.Value(i + 1)}
	}
	// settles every staging region the reads below touch
	workload := func(eng *Engine) error {
		if err := eng.BulkPut(ctx, batch); err != nil {
			return err
		}
		if _, err := eng.Range(ctx, 0, 100); err != nil {
			return err
		}
		_, err := eng.Checksum(ctx)
		return err
	}

	refDev := device.NewCPU()
	eng, err := Create(refDev, 128, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := workload(eng); err != nil {
		t.Fatalf("Workload failed: %v", err)
	}
	steady := refDev.Allocated()
	eng.Close()
	refDev.Close()

	dev := device.NewCPU(device.WithMemoryLimit(steady + 100))
	defer dev.Close()
	eng, err = Create(dev, 128, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Close()
	if err := workload(eng); err != nil {
		t.Fatalf("Workload failed near the memory limit: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := eng.Range(ctx, 0, 100)
		if err != nil {
			t.Fatalf("Range failed: %v", err)
		}
		if len(result) != len(batch) {
			t.Fatalf("Expected %d entries, got %d", len(batch), len(result))
		}
		if _, err := eng.Checksum(ctx); err != nil {
			t.Fatalf("Checksum failed: %v", err)
		}
		if err := eng.Verify(ctx); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
	}
}

func TestEngine_BatchTooLarge(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 1024, WithStagingLimit(64))

	var batch []entry.Entry
	for k := entry.Key(0); k < 40; k++ {
		batch = append(batch, entry.Entry{Key: k, Value: 1})
	}
	if err := eng.BulkPut(ctx, batch); !errors.Is(err, staging.ErrBatchTooLarge) {
		t.Fatalf("Expected ErrBatchTooLarge, got %v", err)
	}

	if err := eng.BulkPut(ctx, batch[:20]); err != nil {
		t.Fatalf("BulkPut of small batch failed: %v", err)
	}

	// lookups are partitioned to fit the staging regions
	keys := make([]entry.Key, 100)
	for i := range keys {
		keys[i] = entry.Key(i % 25)
	}
	results, err := eng.BulkGet(ctx, keys)
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	for i, r := range results {
		if r.Found != (keys[i] < 20) {
			t.Fatalf("key %d: unexpected found=%v", keys[i], r.Found)
		}
	}
}

func TestEngine_DeviceLost(t *testing.T) {
	ctx := context.Background()
	eng, dev := newTestEngine(t, 64)

	if err := eng.Put(ctx, 1, 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	dev.Lose()

	if _, _, err := eng.Get(ctx, 1); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost, got %v", err)
	}
	if err := eng.Put(ctx, 2, 2); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost on later calls, got %v", err)
	}
	if _, err := eng.Range(ctx, 0, 10); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost from Range, got %v", err)
	}
}

func TestEngine_Closed(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, 64)

	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if err := eng.Put(ctx, 1, 1); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Expected ErrEngineClosed, got %v", err)
	}
	if _, err := eng.BulkGet(ctx, []entry.Key{1}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Expected ErrEngineClosed, got %v", err)
	}
}

func TestEngine_PendingDeleteSettlesOnClose(t *testing.T) {
	ctx := context.Background()
	dev := device.NewCPU()
	defer dev.Close()

	eng, err := Create(dev, 64, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	if err := eng.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if eng.Len() != 1 {
		t.Fatalf("Expected len 1 after close, got %d", eng.Len())
	}
	if dev.Allocated() != 0 {
		t.Fatalf("Expected all device memory released, %d bytes left", dev.Allocated())
	}
}

func TestEngine_TelemetryAndStats(t *testing.T) {
	ctx := context.Background()
	rec := telemetry.NewRecorder()
	eng, _ := newTestEngine(t, 64, WithTelemetry(rec))

	if err := eng.BulkPut(ctx, []entry.Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}}); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	_ = eng.BulkPut(ctx, []entry.Entry{{Key: 3, Value: 3}, {Key: 3, Value: 4}})
	if _, err := eng.BulkGet(ctx, []entry.Key{1, 2, 3}); err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}

	if !slices.Contains(rec.Spans(), "slabkv.engine.bulk_put") {
		t.Errorf("Expected bulk_put span, got %v", rec.Spans())
	}
	// a put into an empty slab needs no probe: one merge, then one lookup
	if n := rec.Counter("slabkv.kernel.dispatches.total"); n != 2 {
		t.Errorf("Expected 2 dispatches, got %d", n)
	}
	if n := rec.Counter("slabkv.engine.rejections.total"); n != 1 {
		t.Errorf("Expected 1 rejection, got %d", n)
	}

	stats := eng.GetStats()
	if ops := stats["bulk_put_ops"].(uint64); ops != 2 {
		t.Errorf("Expected 2 bulk_put ops, got %d", ops)
	}
	if live := stats["slab_live"].(uint64); live != 2 {
		t.Errorf("Expected 2 live entries, got %d", live)
	}
	dispatches := stats["dispatches"].(map[string]uint64)
	if dispatches["merge"] != 1 || dispatches["lookup"] != 1 {
		t.Errorf("Unexpected dispatch counts %v", dispatches)
	}
	errs := stats["errors"].(map[string]uint64)
	if errs["bulk_put_error"] != 1 {
		t.Errorf("Expected one bulk_put error, got %v", errs)
	}
	if stats["sorter"] != "host" {
		t.Errorf("Expected host sorter in stats, got %v", stats["sorter"])
	}
}

func TestEngine_InvalidOptions(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()

	if _, err := Create(dev, 64, WithWorkgroupSize(4096)); err == nil {
		t.Fatal("Expected error for oversized workgroup")
	}
	if _, err := Create(dev, 64, WithMaxDispatchKeys(0)); err == nil {
		t.Fatal("Expected error for zero max dispatch keys")
	}
}
