// Package sorter orders upsert batches by key before they are staged for the merge.
package sorter

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/KevoDB/slabkv/pkg/entry"
)

// Sorter orders entries by key, non-decreasing
type Sorter interface {
	Name() string
	Sort(entries []entry.Entry)
}

// Host sorts with the standard library's pattern-defeating quicksort
type Host struct{}

// Name returns "host"
func (Host) Name() string { return "host" }

// Sort sorts entries in place
func (Host) Sort(entries []entry.Entry) {
	slices.SortFunc(entries, func(a, b entry.Entry) int {
		return cmp.Compare(a.Key, b.Key)
	})
}

// radixCutoff is the batch size below which Radix falls back to Host
const radixCutoff = 64

// Radix is a stable least-significant-digit radix sort over the four key
// bytes. It runs in linear time and keeps the order of equal keys.
type Radix struct{}

// Name returns "radix"
func (Radix) Name() string { return "radix" }

// Sort sorts entries in place
func (Radix) Sort(entries []entry.Entry) {
	if len(entries) < radixCutoff {
		slices.SortStableFunc(entries, func(a, b entry.Entry) int {
			return cmp.Compare(a.Key, b.Key)
		})
		return
	}
	src := entries
	dst := make([]entry.Entry, len(entries))
	for shift := uint(0); shift < 32; shift += 8 {
		var counts [256]int
		for _, e := range src {
			counts[(uint32(e.Key)>>shift)&0xFF]++
		}
		// a pass where every key shares the digit is a no-op
		if counts[(uint32(src[0].Key)>>shift)&0xFF] == len(src) {
			continue
		}
		sum := 0
		for i, c := range counts {
			counts[i] = sum
			sum += c
		}
		for _, e := range src {
			d := (uint32(e.Key) >> shift) & 0xFF
			dst[counts[d]] = e
			counts[d]++
		}
		src, dst = dst, src
	}
	if &src[0] != &entries[0] {
		copy(entries, src)
	}
}

// ByName returns the sorter registered under name
func ByName(name string) (Sorter, error) {
	switch name {
	case "", "host":
		return Host{}, nil
	case "radix":
		return Radix{}, nil
	default:
		return nil, fmt.Errorf("unknown sorter %q", name)
	}
}

// IsSorted reports whether entries are in non-decreasing key order
func IsSorted(entries []entry.Entry) bool {
	return slices.IsSortedFunc(entries, func(a, b entry.Entry) int {
		return cmp.Compare(a.Key, b.Key)
	})
}
