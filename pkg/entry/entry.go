// Package entry defines the fixed-width key/value record stored in the slab
// and its little-endian byte layout.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Tombstone is the reserved value marking a logically deleted slot
	Tombstone Value = 0xFFFFFFFF

	// Size is the encoded size of an Entry in bytes
	Size = 8

	// KeySize is the encoded size of a Key in bytes
	KeySize = 4

	// WordsPerEntry is the number of 32-bit words an Entry occupies in device memory
	WordsPerEntry = 2
)

var (
	// ErrReservedValue is matched by every ReservedValueError
	ErrReservedValue = errors.New("value is reserved as tombstone marker")

	// ErrMisaligned is returned when a byte region is not a whole number of records
	ErrMisaligned = errors.New("byte region is not a multiple of the record size")
)

// Key is a 32-bit unsigned key ordered by its natural integer order
type Key uint32

// Value is a 32-bit unsigned value
type Value uint32

// IsTombstone reports whether v is the tombstone sentinel
func (v Value) IsTombstone() bool {
	return v == Tombstone
}

// Entry is a key/value pair occupying one 8-byte slot
type Entry struct {
	Key   Key
	Value Value
}

// ReservedValueError reports an attempt to store the tombstone sentinel as a live value
type ReservedValueError struct {
	Value Value
}

func (e *ReservedValueError) Error() string {
	return fmt.Sprintf("value 0x%08X is reserved as tombstone marker and cannot be used", uint32(e.Value))
}

// Is makes errors.Is(err, ErrReservedValue) hold for any ReservedValueError
func (e *ReservedValueError) Is(target error) bool {
	return target == ErrReservedValue
}

// New builds a live entry, rejecting the tombstone sentinel
func New(key Key, value Value) (Entry, error) {
	if value.IsTombstone() {
		return Entry{}, &ReservedValueError{Value: value}
	}
	return Entry{Key: key, Value: value}, nil
}

// IsTombstone reports whether the entry marks a deleted key
func (e Entry) IsTombstone() bool {
	return e.Value.IsTombstone()
}

func (e Entry) String() string {
	if e.IsTombstone() {
		return fmt.Sprintf("(%d, <tombstone>)", e.Key)
	}
	return fmt.Sprintf("(%d, %d)", e.Key, e.Value)
}

// Encode writes e into the first Size bytes of dst
func Encode(dst []byte, e Entry) {
	_ = dst[Size-1]
	binary.LittleEndian.PutUint32(dst[0:4], uint32(e.Key))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(e.Value))
}

// Decode reads an entry from the first Size bytes of src
func Decode(src []byte) Entry {
	_ = src[Size-1]
	return Entry{
		Key:   Key(binary.LittleEndian.Uint32(src[0:4])),
		Value: Value(binary.LittleEndian.Uint32(src[4:8])),
	}
}

// AppendEntries appends the encoding of entries to dst
func AppendEntries(dst []byte, entries []Entry) []byte {
	for _, e := range entries {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(e.Key))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(e.Value))
	}
	return dst
}

// DecodeEntries decodes a packed entry region. The region length must be a
// multiple of Size.
func DecodeEntries(buf []byte) ([]Entry, error) {
	if len(buf)%Size != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d-byte entries", ErrMisaligned, len(buf), Size)
	}
	out := make([]Entry, len(buf)/Size)
	for i := range out {
		out[i] = Decode(buf[i*Size:])
	}
	return out, nil
}

// AppendKeys appends the encoding of keys to dst
func AppendKeys(dst []byte, keys []Key) []byte {
	for _, k := range keys {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(k))
	}
	return dst
}

// DecodeKeys decodes a packed key region. The region length must be a multiple of KeySize.
func DecodeKeys(buf []byte) ([]Key, error) {
	if len(buf)%KeySize != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d-byte keys", ErrMisaligned, len(buf), KeySize)
	}
	out := make([]Key, len(buf)/KeySize)
	for i := range out {
		out[i] = Key(binary.LittleEndian.Uint32(buf[i*KeySize:]))
	}
	return out, nil
}

// Words returns the device word representation of entries
func Words(entries []Entry) []uint32 {
	words := make([]uint32, len(entries)*WordsPerEntry)
	for i, e := range entries {
		words[2*i] = uint32(e.Key)
		words[2*i+1] = uint32(e.Value)
	}
	return words
}

// FromWords rebuilds entries from their device word representation
func FromWords(words []uint32) []Entry {
	out := make([]Entry, len(words)/WordsPerEntry)
	for i := range out {
		out[i] = Entry{Key: Key(words[2*i]), Value: Value(words[2*i+1])}
	}
	return out
}

// KeyWords returns the device word representation of keys
func KeyWords(keys []Key) []uint32 {
	words := make([]uint32, len(keys))
	for i, k := range keys {
		words[i] = uint32(k)
	}
	return words
}
