package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/cpu"
)

const defaultQueueDepth = 64

// CPUOption configures a CPUDevice
type CPUOption func(*CPUDevice)

// WithMemoryLimit caps the total bytes of live buffers
func WithMemoryLimit(bytes int64) CPUOption {
	return func(d *CPUDevice) {
		d.memLimit = bytes
	}
}

// WithParallelism sets how many workgroups execute concurrently
func WithParallelism(n int) CPUOption {
	return func(d *CPUDevice) {
		if n > 0 {
			d.parallelism = n
		}
	}
}

// WithLimits overrides the per-buffer and per-dispatch limits
func WithLimits(l Limits) CPUOption {
	return func(d *CPUDevice) {
		d.limits = l
	}
}

// CPUDevice executes kernels on host cores. Submissions run one at a time in
// FIFO order on a queue worker; the workgroups of a dispatch run in parallel.
type CPUDevice struct {
	limits      Limits
	memLimit    int64
	parallelism int
	mem         *semaphore.Weighted
	allocated   atomic.Int64

	queue *cpuQueue
	lost  atomic.Bool
}

// NewCPU creates a CPU device and starts its queue worker
func NewCPU(opts ...CPUOption) *CPUDevice {
	d := &CPUDevice{
		limits:      DefaultLimits(),
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.memLimit > 0 {
		d.mem = semaphore.NewWeighted(d.memLimit)
	}
	d.queue = &cpuQueue{
		dev:  d,
		work: make(chan *submission, defaultQueueDepth),
		done: make(chan struct{}),
	}
	go d.queue.run()
	return d
}

// Info describes the device
func (d *CPUDevice) Info() Info {
	return Info{
		Name:             "cpu",
		Vendor:           runtime.GOARCH,
		Backend:          "go",
		ComputeUnits:     d.parallelism,
		MemoryLimitBytes: d.memLimit,
		Limits:           d.limits,
		Features:         cpuFeatures(),
	}
}

func cpuFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE42 {
			features = append(features, "sse4.2")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasPOPCNT {
			features = append(features, "popcnt")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasATOMICS {
			features = append(features, "atomics")
		}
	}
	return features
}

// NewBuffer allocates a zeroed buffer of words 32-bit words
func (d *CPUDevice) NewBuffer(label string, words int, usage Usage) (Buffer, error) {
	if d.lost.Load() {
		return nil, ErrDeviceLost
	}
	if words < 0 {
		return nil, fmt.Errorf("%w: negative size for %q", ErrOutOfMemory, label)
	}
	bytes := int64(words) * 4
	if d.limits.MaxBufferBytes > 0 && bytes > d.limits.MaxBufferBytes {
		return nil, fmt.Errorf("%w: %q needs %d bytes, max buffer size is %d",
			ErrOutOfMemory, label, bytes, d.limits.MaxBufferBytes)
	}
	if d.mem != nil && !d.mem.TryAcquire(bytes) {
		return nil, fmt.Errorf("%w: %q needs %d bytes, %d of %d in use",
			ErrOutOfMemory, label, bytes, d.allocated.Load(), d.memLimit)
	}
	d.allocated.Add(bytes)
	return &cpuBuffer{
		dev:   d,
		label: label,
		usage: usage,
		words: make([]uint32, words),
	}, nil
}

// Allocated returns the bytes held by live buffers
func (d *CPUDevice) Allocated() int64 {
	return d.allocated.Load()
}

// Queue returns the device's only queue
func (d *CPUDevice) Queue() Queue {
	return d.queue
}

// Lost reports whether the device has become unusable
func (d *CPUDevice) Lost() bool {
	return d.lost.Load()
}

// Lose marks the device lost, as a driver reset would
func (d *CPUDevice) Lose() {
	d.lost.Store(true)
}

// Close stops the queue worker after draining submitted work
func (d *CPUDevice) Close() error {
	d.queue.close()
	return nil
}

type cpuBuffer struct {
	dev      *CPUDevice
	label    string
	usage    Usage
	words    []uint32
	released atomic.Bool
}

func (b *cpuBuffer) Label() string { return b.label }
func (b *cpuBuffer) Len() int      { return len(b.words) }
func (b *cpuBuffer) Usage() Usage  { return b.usage }

// Release returns the buffer's memory to the device. Later use is an invalid binding.
func (b *cpuBuffer) Release() {
	if b.released.Swap(true) {
		return
	}
	bytes := int64(len(b.words)) * 4
	b.dev.allocated.Add(-bytes)
	if b.dev.mem != nil {
		b.dev.mem.Release(bytes)
	}
}

type fence struct {
	done chan struct{}
	err  error
}

func newFence() *fence {
	return &fence{done: make(chan struct{})}
}

func failedFence(err error) *fence {
	f := &fence{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

func (f *fence) signal(err error) {
	f.err = err
	close(f.done)
}

func (f *fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fence) Done() <-chan struct{} {
	return f.done
}

type submission struct {
	cb    *CommandBuffer
	fence *fence
}

type cpuQueue struct {
	dev    *CPUDevice
	mu     sync.RWMutex
	closed bool
	work   chan *submission
	done   chan struct{}
}

func (q *cpuQueue) run() {
	defer close(q.done)
	for s := range q.work {
		if q.dev.lost.Load() {
			s.fence.signal(ErrDeviceLost)
			continue
		}
		err := q.execute(s.cb)
		if err != nil {
			q.dev.lost.Store(true)
		}
		s.fence.signal(err)
	}
}

func (q *cpuQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()
	<-q.done
}

func (q *cpuQueue) Submit(cb *CommandBuffer) Fence {
	if err := q.validate(cb); err != nil {
		return failedFence(err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return failedFence(ErrDeviceClosed)
	}
	if q.dev.lost.Load() {
		return failedFence(ErrDeviceLost)
	}
	s := &submission{cb: cb, fence: newFence()}
	q.work <- s
	return s.fence
}

func (q *cpuQueue) WriteBuffer(dst Buffer, offset int, data []uint32) error {
	enc := NewEncoder("write_buffer")
	enc.WriteBuffer(dst, offset, data)
	cb := enc.Finish()
	if err := q.validate(cb); err != nil {
		return err
	}
	f := q.Submit(cb)
	select {
	case <-f.Done():
		return f.Wait(context.Background())
	default:
		return nil
	}
}

func (q *cpuQueue) ReadBuffer(ctx context.Context, src Buffer, offset int, dst []uint32) error {
	b, ok := src.(*cpuBuffer)
	if !ok || b.dev != q.dev || b.released.Load() {
		return fmt.Errorf("%w: read from %s", ErrInvalidBinding, labelOf(src))
	}
	if !b.usage.Has(UsageMapRead) {
		return fmt.Errorf("%w: %q is %s, read back needs MAP_READ", ErrInvalidBinding, b.label, b.usage)
	}
	if offset < 0 || offset+len(dst) > len(b.words) {
		return fmt.Errorf("%w: read [%d, %d) of %q with %d words",
			ErrOutOfRange, offset, offset+len(dst), b.label, len(b.words))
	}
	cb := &CommandBuffer{label: "read_buffer", cmds: []command{readCommand{src: src, off: offset, dst: dst}}}
	return q.Submit(cb).Wait(ctx)
}

func (q *cpuQueue) OnSubmittedWorkDone() Fence {
	return q.Submit(&CommandBuffer{label: "work_done"})
}

// validate checks bindings and ranges of every command before it is queued
func (q *cpuQueue) validate(cb *CommandBuffer) error {
	for _, c := range cb.cmds {
		switch cmd := c.(type) {
		case dispatchCommand:
			if cmd.kernel.WorkgroupSize() == 0 || cmd.kernel.WorkgroupSize() > q.dev.limits.MaxWorkgroupSize {
				return fmt.Errorf("%w: %s workgroup size %d", ErrInvalidDispatch, cmd.kernel.Name(), cmd.kernel.WorkgroupSize())
			}
			if cmd.groups > q.dev.limits.MaxDispatchGroups {
				return fmt.Errorf("%w: %s dispatches %d groups, limit %d",
					ErrInvalidDispatch, cmd.kernel.Name(), cmd.groups, q.dev.limits.MaxDispatchGroups)
			}
			for _, buf := range cmd.bindings {
				if err := q.checkBuffer(buf, UsageStorage); err != nil {
					return err
				}
			}
		case copyCommand:
			if err := q.checkRange(cmd.src, UsageCopySrc, cmd.srcOff, cmd.words); err != nil {
				return err
			}
			if err := q.checkRange(cmd.dst, UsageCopyDst, cmd.dstOff, cmd.words); err != nil {
				return err
			}
		case writeCommand:
			if err := q.checkRange(cmd.dst, UsageCopyDst, cmd.off, len(cmd.data)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *cpuQueue) checkBuffer(buf Buffer, usage Usage) error {
	b, ok := buf.(*cpuBuffer)
	if !ok || b.dev != q.dev {
		return fmt.Errorf("%w: %s is not a buffer of this device", ErrInvalidBinding, labelOf(buf))
	}
	if b.released.Load() {
		return fmt.Errorf("%w: %q was released", ErrInvalidBinding, b.label)
	}
	if !b.usage.Has(usage) {
		return fmt.Errorf("%w: %q is %s, needs %s", ErrInvalidBinding, b.label, b.usage, usage)
	}
	return nil
}

func (q *cpuQueue) checkRange(buf Buffer, usage Usage, off, words int) error {
	if err := q.checkBuffer(buf, usage); err != nil {
		return err
	}
	if off < 0 || words < 0 || off+words > buf.Len() {
		return fmt.Errorf("%w: [%d, %d) of %q with %d words",
			ErrOutOfRange, off, off+words, buf.Label(), buf.Len())
	}
	return nil
}

// execute runs a command buffer on the queue worker. Any failure here
// leaves device memory in an unknown state and loses the device.
func (q *cpuQueue) execute(cb *CommandBuffer) error {
	for _, c := range cb.cmds {
		switch cmd := c.(type) {
		case dispatchCommand:
			if err := q.dispatch(cmd); err != nil {
				return err
			}
		case copyCommand:
			src := cmd.src.(*cpuBuffer).words
			dst := cmd.dst.(*cpuBuffer).words
			copy(dst[cmd.dstOff:cmd.dstOff+cmd.words], src[cmd.srcOff:cmd.srcOff+cmd.words])
		case writeCommand:
			dst := cmd.dst.(*cpuBuffer).words
			copy(dst[cmd.off:], cmd.data)
		case readCommand:
			src := cmd.src.(*cpuBuffer).words
			copy(cmd.dst, src[cmd.off:cmd.off+len(cmd.dst)])
		}
	}
	return nil
}

func (q *cpuQueue) dispatch(cmd dispatchCommand) error {
	bindings := make([][]uint32, len(cmd.bindings))
	for i, buf := range cmd.bindings {
		b := buf.(*cpuBuffer)
		if b.released.Load() {
			return fmt.Errorf("%w: %s bound released buffer %q", ErrDeviceLost, cmd.kernel.Name(), b.label)
		}
		bindings[i] = b.words
	}
	size := cmd.kernel.WorkgroupSize()
	run := func(id uint32) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: kernel %s workgroup %d: %v", ErrDeviceLost, cmd.kernel.Name(), id, r)
			}
		}()
		cmd.kernel.Execute(&Workgroup{ID: id, Size: size, bindings: bindings})
		return nil
	}
	if cmd.groups == 1 || q.dev.parallelism == 1 {
		for id := uint32(0); id < cmd.groups; id++ {
			if err := run(id); err != nil {
				return err
			}
		}
		return nil
	}
	g := new(errgroup.Group)
	g.SetLimit(q.dev.parallelism)
	for id := uint32(0); id < cmd.groups; id++ {
		id := id
		g.Go(func() error { return run(id) })
	}
	return g.Wait()
}

func labelOf(buf Buffer) string {
	if buf == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%q", buf.Label())
}
