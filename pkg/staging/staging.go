// Package staging manages the reusable device regions that carry batches to
// kernels and results back to the host.
package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
)

const minRegionWords = 256

// ErrBatchTooLarge is returned when a batch does not fit in one region. Callers
// partition batches before staging them.
var ErrBatchTooLarge = errors.New("staging: batch exceeds region capacity")

// Kind identifies one of the staging regions
type Kind int

const (
	// Keys holds a packed key batch
	Keys Kind = iota
	// Entries holds a packed entry batch
	Entries
	// Aux holds per-batch auxiliary words such as merge prefix counts
	Aux
	// Params holds small scalar blocks: lengths, bounds and counters
	Params
	// Results receives kernel output
	Results

	numKinds
)

var kindNames = [numKinds]string{"keys", "entries", "aux", "params", "results"}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Region is a staged slice of words at the start of a staging buffer
type Region struct {
	Kind   Kind
	Buffer device.Buffer
	Words  int
}

// Staging owns one growable buffer per region kind plus a readback buffer.
// Staging into a region overwrites what the previous call staged there.
type Staging struct {
	dev      device.Device
	maxWords int
	regions  [numKinds]device.Buffer
	readback device.Buffer
	grown    int
}

// New creates an empty staging area whose regions may grow up to maxWords words
func New(dev device.Device, maxWords int) *Staging {
	if maxWords <= 0 {
		maxWords = int(dev.Info().Limits.MaxBufferBytes / 4)
	}
	return &Staging{dev: dev, maxWords: maxWords}
}

// MaxWords returns the largest region size in words
func (s *Staging) MaxWords() int {
	return s.maxWords
}

// Grown returns how many times a region was reallocated
func (s *Staging) Grown() int {
	return s.grown
}

// StageKeys writes a key batch into the keys region
func (s *Staging) StageKeys(keys []entry.Key) (Region, error) {
	return s.Stage(Keys, entry.KeyWords(keys))
}

// StageEntries writes an entry batch into the entries region
func (s *Staging) StageEntries(entries []entry.Entry) (Region, error) {
	return s.Stage(Entries, entry.Words(entries))
}

// StageWords writes auxiliary words into the aux region
func (s *Staging) StageWords(words []uint32) (Region, error) {
	return s.Stage(Aux, words)
}

// StageParams writes a scalar block into the params region
func (s *Staging) StageParams(words ...uint32) (Region, error) {
	return s.Stage(Params, words)
}

// Results reserves words words of the results region for kernel output
func (s *Staging) Results(words int) (Region, error) {
	buf, err := s.ensure(Results, words)
	if err != nil {
		return Region{}, err
	}
	return Region{Kind: Results, Buffer: buf, Words: words}, nil
}

// Stage writes words at the start of the region of the given kind. The write
// is ordered after all previously submitted work.
func (s *Staging) Stage(kind Kind, words []uint32) (Region, error) {
	buf, err := s.ensure(kind, len(words))
	if err != nil {
		return Region{}, err
	}
	if err := s.dev.Queue().WriteBuffer(buf, 0, words); err != nil {
		return Region{}, fmt.Errorf("staging: write %s region: %w", kind, err)
	}
	return Region{Kind: kind, Buffer: buf, Words: len(words)}, nil
}

// ReadBack copies a region to the host once every dispatch submitted before
// the call has completed
func (s *Staging) ReadBack(ctx context.Context, r Region) ([]uint32, error) {
	out := make([]uint32, r.Words)
	if r.Words == 0 {
		return out, nil
	}
	if s.readback == nil || s.readback.Len() < r.Words {
		rb, err := s.grow(s.readback, "staging.readback", r.Words, device.UsageMapRead|device.UsageCopyDst)
		if err != nil {
			return nil, err
		}
		s.readback = rb
	}
	enc := device.NewEncoder("staging.readback")
	enc.CopyBuffer(r.Buffer, 0, s.readback, 0, r.Words)
	if err := s.dev.Queue().Submit(enc.Finish()).Wait(ctx); err != nil {
		return nil, fmt.Errorf("staging: copy %s region: %w", r.Kind, err)
	}
	if err := s.dev.Queue().ReadBuffer(ctx, s.readback, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Release frees every staging buffer
func (s *Staging) Release() {
	for i, b := range s.regions {
		if b != nil {
			b.Release()
			s.regions[i] = nil
		}
	}
	if s.readback != nil {
		s.readback.Release()
		s.readback = nil
	}
}

func (s *Staging) ensure(kind Kind, words int) (device.Buffer, error) {
	if words > s.maxWords {
		return nil, fmt.Errorf("%w: %d words in %s region, max %d", ErrBatchTooLarge, words, kind, s.maxWords)
	}
	cur := s.regions[kind]
	if cur != nil && cur.Len() >= words {
		return cur, nil
	}
	buf, err := s.grow(cur, "staging."+kind.String(), words,
		device.UsageStorage|device.UsageCopySrc|device.UsageCopyDst)
	if err != nil {
		return nil, err
	}
	s.regions[kind] = buf
	return buf, nil
}

// grow replaces old with a buffer of at least words words, doubling the
// previous size. Queued work may still bind old, so the queue is drained
// before old is released.
func (s *Staging) grow(old device.Buffer, label string, words int, usage device.Usage) (device.Buffer, error) {
	size := minRegionWords
	if old != nil {
		size = old.Len() * 2
	}
	for size < words {
		size *= 2
	}
	if size > s.maxWords {
		size = s.maxWords
	}
	if size < words {
		return nil, fmt.Errorf("%w: %d words in %s, max %d", ErrBatchTooLarge, words, label, s.maxWords)
	}
	buf, err := s.dev.NewBuffer(label, size, usage)
	if err != nil {
		return nil, fmt.Errorf("staging: grow %s to %d words: %w", label, size, err)
	}
	if old != nil {
		if err := s.dev.Queue().OnSubmittedWorkDone().Wait(context.Background()); err != nil {
			buf.Release()
			return nil, fmt.Errorf("staging: drain before releasing %s: %w", label, err)
		}
		old.Release()
		s.grown++
	}
	return buf, nil
}
