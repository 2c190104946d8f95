package device

import "errors"

var (
	// ErrOutOfMemory is returned when the device cannot satisfy an allocation
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrDeviceLost is returned once the device has become unusable. Every
	// later submission and wait fails with it.
	ErrDeviceLost = errors.New("device: lost")

	// ErrDeviceClosed is returned for work submitted after Close
	ErrDeviceClosed = errors.New("device: closed")

	// ErrInvalidBinding is returned for buffers that do not belong to the
	// device, were released, or lack the required usage
	ErrInvalidBinding = errors.New("device: invalid buffer binding")

	// ErrOutOfRange is returned for copies and writes outside a buffer
	ErrOutOfRange = errors.New("device: access out of range")

	// ErrInvalidDispatch is returned for dispatches exceeding device limits
	ErrInvalidDispatch = errors.New("device: invalid dispatch")
)
