package iterator

import "github.com/KevoDB/slabkv/pkg/entry"

// Iterator defines the interface for iterating over key-value entries in key
// order. It gives range results and other entry sequences a consistent way
// to be traversed regardless of where they were materialized.
type Iterator interface {
	// SeekToFirst positions the iterator at the first key
	SeekToFirst()

	// SeekToLast positions the iterator at the last key
	SeekToLast()

	// Seek positions the iterator at the first key >= target
	Seek(target entry.Key) bool

	// Next advances the iterator to the next key
	Next() bool

	// Key returns the current key
	Key() entry.Key

	// Value returns the current value
	Value() entry.Value

	// Entry returns the current key and value together
	Entry() entry.Entry

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool
}
