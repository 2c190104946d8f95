package engine

import (
	"errors"
	"fmt"

	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
	"github.com/KevoDB/slabkv/pkg/slab"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")

	// ErrAllocationFailed is returned when the device cannot provide the
	// requested capacity or staging space
	ErrAllocationFailed = slab.ErrAllocationFailed

	// ErrDeviceLost is returned once the compute device became unusable. The
	// store is left undefined and must be recreated.
	ErrDeviceLost = device.ErrDeviceLost

	// ErrCapacityExceeded is matched by every CapacityExceededError
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrDuplicateKeys is matched by every DuplicateKeysError
	ErrDuplicateKeys = errors.New("duplicate keys in batch")

	// ErrReservedValue is matched by every ReservedValueError
	ErrReservedValue = entry.ErrReservedValue
)

// ReservedValueError is returned when a batch stores the tombstone sentinel
type ReservedValueError = entry.ReservedValueError

// CapacityExceededError is returned when an upsert would grow the used range
// past the slab capacity. The store is left unchanged.
type CapacityExceededError struct {
	Capacity  uint32
	Requested uint64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d slots requested, capacity %d", e.Requested, e.Capacity)
}

// Is makes errors.Is(err, ErrCapacityExceeded) hold
func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// DuplicateKeysError is returned when an upsert batch carries a key twice.
// Key is the first repeated key in batch order.
type DuplicateKeysError struct {
	Key entry.Key
}

func (e *DuplicateKeysError) Error() string {
	return fmt.Sprintf("duplicate keys in batch: key %d", e.Key)
}

// Is makes errors.Is(err, ErrDuplicateKeys) hold
func (e *DuplicateKeysError) Is(target error) bool {
	return target == ErrDuplicateKeys
}
