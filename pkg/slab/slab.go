// Package slab owns the device-resident sorted entry array, its scratch twin
// used as merge target, and the small metadata block kernels read the used
// length from.
package slab

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
)

const (
	// MetaWords is the size of the metadata block: {used, capacity, 0, 0}
	MetaWords = 4

	// SnapshotWords bounds the readback buffer SnapshotRange copies through
	SnapshotWords = 1 << 16

	entryUsage = device.UsageStorage | device.UsageCopySrc | device.UsageCopyDst
)

var (
	// ErrAllocationFailed is returned when device memory for the slab cannot be reserved
	ErrAllocationFailed = errors.New("slab: allocation failed")

	// ErrCorrupt is returned by Check and Verify when the slab breaks its invariants
	ErrCorrupt = errors.New("slab: corrupt")
)

// Slab is a fixed-capacity array of entries on the device. The used prefix
// holds live and tombstoned entries ordered by key; the rest is free space.
type Slab struct {
	dev      device.Device
	capacity uint32

	buffers  [2]device.Buffer
	current  int
	meta     device.Buffer
	snapshot device.Buffer

	used uint32
	live uint32
}

// Create allocates a slab holding up to capacity entries
func Create(dev device.Device, capacity uint32) (*Slab, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrAllocationFailed)
	}
	words := int(capacity) * entry.WordsPerEntry
	s := &Slab{dev: dev, capacity: capacity}

	var err error
	for i, label := range []string{"slab.a", "slab.b"} {
		s.buffers[i], err = dev.NewBuffer(label, words, entryUsage)
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("%w: %d entries: %w", ErrAllocationFailed, capacity, err)
		}
	}
	s.meta, err = dev.NewBuffer("slab.meta", MetaWords, entryUsage)
	if err != nil {
		s.Release()
		return nil, fmt.Errorf("%w: metadata: %w", ErrAllocationFailed, err)
	}
	s.snapshot, err = dev.NewBuffer("slab.snapshot", min(words, SnapshotWords), device.UsageMapRead|device.UsageCopyDst)
	if err != nil {
		s.Release()
		return nil, fmt.Errorf("%w: snapshot: %w", ErrAllocationFailed, err)
	}
	if err := s.writeMeta(); err != nil {
		s.Release()
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return s, nil
}

// Capacity returns the maximum number of used slots
func (s *Slab) Capacity() uint32 {
	return s.capacity
}

// UsedLength returns the number of occupied slots, tombstones included
func (s *Slab) UsedLength() uint32 {
	return s.used
}

// LiveLength returns the number of entries holding a live value
func (s *Slab) LiveLength() uint32 {
	return s.live
}

// Tombstones returns the number of occupied slots holding the tombstone
func (s *Slab) Tombstones() uint32 {
	return s.used - s.live
}

// Primary returns the buffer holding the current sorted entries
func (s *Slab) Primary() device.Buffer {
	return s.buffers[s.current]
}

// Scratch returns the merge target buffer
func (s *Slab) Scratch() device.Buffer {
	return s.buffers[1-s.current]
}

// Meta returns the metadata buffer
func (s *Slab) Meta() device.Buffer {
	return s.meta
}

// Commit makes the scratch buffer the primary one after a merge wrote
// newUsed entries into it, and schedules the metadata update behind the merge.
func (s *Slab) Commit(newUsed uint32, liveDelta int64) error {
	if newUsed > s.capacity {
		return fmt.Errorf("%w: commit of %d used slots exceeds capacity %d", ErrCorrupt, newUsed, s.capacity)
	}
	s.current = 1 - s.current
	s.used = newUsed
	if err := s.AdjustLive(liveDelta); err != nil {
		return err
	}
	return s.writeMeta()
}

// AdjustLive applies a live count change observed on the device
func (s *Slab) AdjustLive(delta int64) error {
	live := int64(s.live) + delta
	if live < 0 || live > int64(s.used) {
		return fmt.Errorf("%w: live count %d outside [0, %d]", ErrCorrupt, live, s.used)
	}
	s.live = uint32(live)
	return nil
}

// Check verifies the host-side counters
func (s *Slab) Check() error {
	if s.used > s.capacity {
		return fmt.Errorf("%w: used %d > capacity %d", ErrCorrupt, s.used, s.capacity)
	}
	if s.live > s.used {
		return fmt.Errorf("%w: live %d > used %d", ErrCorrupt, s.live, s.used)
	}
	return nil
}

// SnapshotRange copies up to count used entries starting at slot start back
// to the host. Requests past the used range are clamped. The copy goes through
// the slab's own readback buffer in chunks, so it never allocates device memory.
func (s *Slab) SnapshotRange(ctx context.Context, start, count uint32) ([]entry.Entry, error) {
	if start >= s.used || count == 0 {
		return []entry.Entry{}, nil
	}
	if count > s.used-start {
		count = s.used - start
	}
	words := int(count) * entry.WordsPerEntry
	chunk := s.snapshot.Len() / entry.WordsPerEntry * entry.WordsPerEntry
	src := int(start) * entry.WordsPerEntry

	out := make([]uint32, words)
	for off := 0; off < words; off += chunk {
		n := min(chunk, words-off)
		enc := device.NewEncoder("slab.snapshot")
		enc.CopyBuffer(s.Primary(), src+off, s.snapshot, 0, n)
		if err := s.dev.Queue().Submit(enc.Finish()).Wait(ctx); err != nil {
			return nil, fmt.Errorf("slab: snapshot copy: %w", err)
		}
		if err := s.dev.Queue().ReadBuffer(ctx, s.snapshot, 0, out[off:off+n]); err != nil {
			return nil, err
		}
	}
	return entry.FromWords(out), nil
}

// Verify reads the whole used range back and checks ordering and the live count
func (s *Slab) Verify(ctx context.Context) error {
	if err := s.Check(); err != nil {
		return err
	}
	entries, err := s.SnapshotRange(ctx, 0, s.used)
	if err != nil {
		return err
	}
	var live uint32
	for i, e := range entries {
		if i > 0 && entries[i-1].Key >= e.Key {
			return fmt.Errorf("%w: slot %d key %d follows key %d", ErrCorrupt, i, e.Key, entries[i-1].Key)
		}
		if !e.IsTombstone() {
			live++
		}
	}
	if live != s.live {
		return fmt.Errorf("%w: %d live entries on device, %d tracked", ErrCorrupt, live, s.live)
	}
	return nil
}

// Release frees the slab's device memory
func (s *Slab) Release() {
	for i, b := range s.buffers {
		if b != nil {
			b.Release()
			s.buffers[i] = nil
		}
	}
	for _, b := range []*device.Buffer{&s.meta, &s.snapshot} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}

func (s *Slab) writeMeta() error {
	return s.dev.Queue().WriteBuffer(s.meta, 0, []uint32{s.used, s.capacity, 0, 0})
}
