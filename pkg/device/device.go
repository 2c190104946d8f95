// Package device models a compute device as an explicitly owned handle:
// device-resident word buffers, recorded command buffers, a FIFO submission
// queue and fences signalling completion.
//
// Kernels are plain Go values executed one workgroup at a time. Host code
// never holds slices into device memory; bound memory is only visible to a
// kernel while its dispatch runs, and results come back through ReadBuffer.
package device

import (
	"context"
	"fmt"
	"strings"
)

// Usage is a bit set describing how a buffer may be used
type Usage uint8

const (
	// UsageStorage allows binding the buffer to a kernel
	UsageStorage Usage = 1 << iota
	// UsageUniform marks small read-only parameter blocks
	UsageUniform
	// UsageCopySrc allows the buffer to be the source of a copy
	UsageCopySrc
	// UsageCopyDst allows the buffer to be the destination of a copy or write
	UsageCopyDst
	// UsageMapRead allows the host to read the buffer back
	UsageMapRead
)

func (u Usage) String() string {
	var parts []string
	names := []string{"STORAGE", "UNIFORM", "COPY_SRC", "COPY_DST", "MAP_READ"}
	for i, name := range names {
		if u&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of flags is set in u
func (u Usage) Has(flags Usage) bool {
	return u&flags == flags
}

// Info describes a device
type Info struct {
	Name             string
	Vendor           string
	Backend          string
	ComputeUnits     int
	MemoryLimitBytes int64
	Limits           Limits
	Features         []string
}

// Limits bounds what a single buffer or dispatch may request
type Limits struct {
	MaxBufferBytes    int64
	MaxWorkgroupSize  uint32
	MaxDispatchGroups uint32
}

// DefaultLimits mirrors the conservative defaults of common GPU drivers
func DefaultLimits() Limits {
	return Limits{
		MaxBufferBytes:    256 << 20,
		MaxWorkgroupSize:  1024,
		MaxDispatchGroups: 1 << 24,
	}
}

// Device is a compute-capable device handle
type Device interface {
	Info() Info
	// NewBuffer allocates a device buffer of the given number of 32-bit words.
	NewBuffer(label string, words int, usage Usage) (Buffer, error)
	Queue() Queue
	// Lost reports whether the device has become unusable.
	Lost() bool
	Close() error
}

// Buffer is a device-resident array of 32-bit words
type Buffer interface {
	Label() string
	Len() int
	Usage() Usage
	Release()
}

// Queue executes command buffers in submission order
type Queue interface {
	// WriteBuffer schedules a host-to-device write ordered before any work
	// submitted afterwards.
	WriteBuffer(dst Buffer, offset int, data []uint32) error
	// Submit schedules a command buffer and returns its completion fence.
	Submit(cb *CommandBuffer) Fence
	// ReadBuffer waits for all previously submitted work and copies words
	// from a MapRead buffer into dst.
	ReadBuffer(ctx context.Context, src Buffer, offset int, dst []uint32) error
	// OnSubmittedWorkDone returns a fence that completes once everything
	// submitted so far has completed.
	OnSubmittedWorkDone() Fence
}

// Fence is the completion signal of submitted work
type Fence interface {
	Wait(ctx context.Context) error
	Done() <-chan struct{}
}

// Kernel is a compute program executed once per workgroup
type Kernel interface {
	Name() string
	WorkgroupSize() uint32
	Execute(wg *Workgroup)
}

// Workgroup is the execution context of one workgroup. Lanes of the group
// are executed in lockstep by the kernel itself.
type Workgroup struct {
	ID       uint32
	Size     uint32
	bindings [][]uint32
}

// Binding returns the memory bound at index i for the duration of the dispatch
func (w *Workgroup) Binding(i int) []uint32 {
	return w.bindings[i]
}

// NumBindings returns the number of bound buffers
func (w *Workgroup) NumBindings() int {
	return len(w.bindings)
}

// GlobalID returns the global invocation id of a lane
func (w *Workgroup) GlobalID(lane uint32) uint32 {
	return w.ID*w.Size + lane
}

// GroupsFor returns the number of workgroups of the given width needed to cover n invocations
func GroupsFor(n, width uint32) uint32 {
	if n == 0 {
		return 0
	}
	return (n + width - 1) / width
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s, %d compute units)", i.Name, i.Vendor, i.Backend, i.ComputeUnits)
}
