package iterator

import (
	"sort"

	"github.com/KevoDB/slabkv/pkg/entry"
)

// SliceIterator iterates over an in-memory slice of entries sorted by key.
// A new iterator is positioned before the first entry.
type SliceIterator struct {
	entries []entry.Entry
	pos     int
}

// NewSliceIterator creates an iterator over entries, which must already be
// sorted by key. The slice is not copied.
func NewSliceIterator(entries []entry.Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

// SeekToFirst positions at the first entry
func (it *SliceIterator) SeekToFirst() {
	it.pos = 0
}

// SeekToLast positions at the last entry
func (it *SliceIterator) SeekToLast() {
	it.pos = len(it.entries) - 1
}

// Seek positions at the first entry with key >= target
func (it *SliceIterator) Seek(target entry.Key) bool {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return it.entries[i].Key >= target
	})
	return it.Valid()
}

// Next advances to the next entry
func (it *SliceIterator) Next() bool {
	if it.pos < len(it.entries) {
		it.pos++
	}
	return it.Valid()
}

// Key returns the current key, or zero when not valid
func (it *SliceIterator) Key() entry.Key {
	if !it.Valid() {
		return 0
	}
	return it.entries[it.pos].Key
}

// Value returns the current value, or zero when not valid
func (it *SliceIterator) Value() entry.Value {
	if !it.Valid() {
		return 0
	}
	return it.entries[it.pos].Value
}

// Entry returns the current entry
func (it *SliceIterator) Entry() entry.Entry {
	if !it.Valid() {
		return entry.Entry{}
	}
	return it.entries[it.pos]
}

// Valid returns true if the iterator is positioned at an entry
func (it *SliceIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

// Len returns the number of entries behind the iterator
func (it *SliceIterator) Len() int {
	return len(it.entries)
}

var _ Iterator = (*SliceIterator)(nil)
