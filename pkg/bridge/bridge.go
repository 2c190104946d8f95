// Package bridge exposes the store over packed little-endian byte regions.
//
// Callers outside the process (the gRPC service, foreign-language shims) hand
// over untrusted buffers; every region is checked for alignment and length
// before the store is touched, so a malformed call never mutates anything.
//
// Layouts:
//
//	entries  [key u32 | value u32] * n
//	keys     [key u32] * n
//	results  [value u32 | found u32] * n   found is 1 or 0
//	range    [from u32 | to u32]
package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevoDB/slabkv/pkg/engine"
	"github.com/KevoDB/slabkv/pkg/entry"
)

const (
	// ResultSize is the encoded size of one lookup result
	ResultSize = 8

	// RangeRequestSize is the encoded size of a range request
	RangeRequestSize = 8
)

var (
	// ErrMisaligned is returned when a region is not a whole number of records
	ErrMisaligned = entry.ErrMisaligned

	// ErrLengthMismatch is returned when a result region does not match its key region
	ErrLengthMismatch = errors.New("result region length does not match key count")
)

// Store is the subset of the engine the bridge drives
type Store interface {
	BulkPut(ctx context.Context, entries []entry.Entry) error
	BulkGet(ctx context.Context, keys []entry.Key) ([]engine.Lookup, error)
	BulkDelete(ctx context.Context, keys []entry.Key) error
	Range(ctx context.Context, from, to entry.Key) ([]entry.Entry, error)
}

var _ Store = (*engine.Engine)(nil)

// BulkPut decodes a packed entry region and upserts it
func BulkPut(ctx context.Context, store Store, buf []byte) error {
	entries, err := entry.DecodeEntries(buf)
	if err != nil {
		return err
	}
	return store.BulkPut(ctx, entries)
}

// GetBatch looks up a packed key region and writes one result record per key
// into results, which must be exactly ResultSize bytes per key.
func GetBatch(ctx context.Context, store Store, keys, results []byte) error {
	decoded, err := entry.DecodeKeys(keys)
	if err != nil {
		return err
	}
	if want := len(decoded) * ResultSize; len(results) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(results), want)
	}

	found, err := store.BulkGet(ctx, decoded)
	if err != nil {
		return err
	}
	EncodeResults(results, found)
	return nil
}

// Get looks up a packed key region and returns a freshly allocated result region
func Get(ctx context.Context, store Store, keys []byte) ([]byte, error) {
	if len(keys)%entry.KeySize != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d-byte keys", ErrMisaligned, len(keys), entry.KeySize)
	}
	results := make([]byte, len(keys)/entry.KeySize*ResultSize)
	if err := GetBatch(ctx, store, keys, results); err != nil {
		return nil, err
	}
	return results, nil
}

// BulkDelete decodes a packed key region and tombstones every key in it
func BulkDelete(ctx context.Context, store Store, keys []byte) error {
	decoded, err := entry.DecodeKeys(keys)
	if err != nil {
		return err
	}
	return store.BulkDelete(ctx, decoded)
}

// Range returns the live entries in [from, to) as a packed entry region
func Range(ctx context.Context, store Store, from, to entry.Key) ([]byte, error) {
	entries, err := store.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return entry.AppendEntries(make([]byte, 0, len(entries)*entry.Size), entries), nil
}

// EncodeRangeRequest packs a range request
func EncodeRangeRequest(from, to entry.Key) []byte {
	buf := make([]byte, RangeRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(from))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(to))
	return buf
}

// DecodeRangeRequest unpacks a range request
func DecodeRangeRequest(buf []byte) (from, to entry.Key, err error) {
	if len(buf) != RangeRequestSize {
		return 0, 0, fmt.Errorf("%w: range request is %d bytes, want %d", ErrMisaligned, len(buf), RangeRequestSize)
	}
	return entry.Key(binary.LittleEndian.Uint32(buf[0:4])), entry.Key(binary.LittleEndian.Uint32(buf[4:8])), nil
}

// EncodeResults writes lookups into dst, which must hold ResultSize bytes per lookup
func EncodeResults(dst []byte, lookups []engine.Lookup) {
	for i, l := range lookups {
		rec := dst[i*ResultSize : (i+1)*ResultSize]
		binary.LittleEndian.PutUint32(rec[0:4], uint32(l.Value))
		var found uint32
		if l.Found {
			found = 1
		}
		binary.LittleEndian.PutUint32(rec[4:8], found)
	}
}

// DecodeResults unpacks a result region
func DecodeResults(buf []byte) ([]engine.Lookup, error) {
	if len(buf)%ResultSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d-byte results", ErrMisaligned, len(buf), ResultSize)
	}
	out := make([]engine.Lookup, len(buf)/ResultSize)
	for i := range out {
		rec := buf[i*ResultSize:]
		out[i] = engine.Lookup{
			Value: entry.Value(binary.LittleEndian.Uint32(rec[0:4])),
			Found: binary.LittleEndian.Uint32(rec[4:8]) != 0,
		}
	}
	return out, nil
}
