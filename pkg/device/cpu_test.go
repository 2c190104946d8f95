package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addKernel adds a constant to every word of binding 0 below the count in binding 1
type addKernel struct {
	delta uint32
	width uint32
}

func (k addKernel) Name() string          { return "add" }
func (k addKernel) WorkgroupSize() uint32 { return k.width }
func (k addKernel) Execute(wg *Workgroup) {
	data := wg.Binding(0)
	n := wg.Binding(1)[0]
	for lane := uint32(0); lane < wg.Size; lane++ {
		gid := wg.GlobalID(lane)
		if gid < n {
			data[gid] += k.delta
		}
	}
}

type panicKernel struct{}

func (panicKernel) Name() string          { return "panic" }
func (panicKernel) WorkgroupSize() uint32 { return 1 }
func (panicKernel) Execute(wg *Workgroup) {
	_ = wg.Binding(5)
}

func newBuffers(t *testing.T, d *CPUDevice, words int) (data, params, readback Buffer) {
	t.Helper()
	var err error
	data, err = d.NewBuffer("data", words, UsageStorage|UsageCopySrc|UsageCopyDst)
	require.NoError(t, err)
	params, err = d.NewBuffer("params", 1, UsageStorage|UsageCopyDst)
	require.NoError(t, err)
	readback, err = d.NewBuffer("readback", words, UsageMapRead|UsageCopyDst)
	require.NoError(t, err)
	return data, params, readback
}

func TestDispatchAndReadBack(t *testing.T) {
	d := NewCPU(WithParallelism(4))
	defer d.Close()
	ctx := context.Background()

	const n = 1000
	data, params, readback := newBuffers(t, d, n)
	seed := make([]uint32, n)
	for i := range seed {
		seed[i] = uint32(i)
	}
	require.NoError(t, d.Queue().WriteBuffer(data, 0, seed))
	require.NoError(t, d.Queue().WriteBuffer(params, 0, []uint32{n - 1}))

	enc := NewEncoder("add")
	enc.Dispatch(addKernel{delta: 10, width: 64}, GroupsFor(n, 64), data, params)
	enc.CopyBuffer(data, 0, readback, 0, n)
	require.NoError(t, d.Queue().Submit(enc.Finish()).Wait(ctx))

	out := make([]uint32, n)
	require.NoError(t, d.Queue().ReadBuffer(ctx, readback, 0, out))
	for i := 0; i < n-1; i++ {
		assert.Equal(t, uint32(i+10), out[i])
	}
	assert.Equal(t, uint32(n-1), out[n-1], "lane past count must not write")
}

func TestSubmissionsRunInOrder(t *testing.T) {
	d := NewCPU()
	defer d.Close()
	ctx := context.Background()

	data, params, readback := newBuffers(t, d, 1)
	require.NoError(t, d.Queue().WriteBuffer(params, 0, []uint32{1}))
	for i := 0; i < 50; i++ {
		enc := NewEncoder("step")
		enc.Dispatch(addKernel{delta: 1, width: 1}, 1, data, params)
		d.Queue().Submit(enc.Finish())
	}
	enc := NewEncoder("copy")
	enc.CopyBuffer(data, 0, readback, 0, 1)
	d.Queue().Submit(enc.Finish())

	out := make([]uint32, 1)
	require.NoError(t, d.Queue().ReadBuffer(ctx, readback, 0, out))
	assert.Equal(t, uint32(50), out[0])
}

func TestMemoryLimit(t *testing.T) {
	d := NewCPU(WithMemoryLimit(1024))
	defer d.Close()

	a, err := d.NewBuffer("a", 200, UsageStorage)
	require.NoError(t, err)
	_, err = d.NewBuffer("b", 100, UsageStorage)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(800), d.Allocated())

	a.Release()
	a.Release()
	assert.Equal(t, int64(0), d.Allocated())
	_, err = d.NewBuffer("b", 100, UsageStorage)
	assert.NoError(t, err)
}

func TestMaxBufferSize(t *testing.T) {
	d := NewCPU(WithLimits(Limits{MaxBufferBytes: 64, MaxWorkgroupSize: 256, MaxDispatchGroups: 1024}))
	defer d.Close()

	_, err := d.NewBuffer("big", 17, UsageStorage)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, err = d.NewBuffer("ok", 16, UsageStorage)
	assert.NoError(t, err)
}

func TestValidationRejectsBadBindings(t *testing.T) {
	d := NewCPU()
	defer d.Close()
	other := NewCPU()
	defer other.Close()
	ctx := context.Background()

	data, _, readback := newBuffers(t, d, 4)
	foreign, err := other.NewBuffer("foreign", 4, UsageStorage|UsageCopyDst)
	require.NoError(t, err)

	enc := NewEncoder("cross")
	enc.CopyBuffer(data, 0, foreign, 0, 4)
	assert.ErrorIs(t, d.Queue().Submit(enc.Finish()).Wait(ctx), ErrInvalidBinding)

	enc = NewEncoder("oob")
	enc.CopyBuffer(data, 2, readback, 0, 4)
	assert.ErrorIs(t, d.Queue().Submit(enc.Finish()).Wait(ctx), ErrOutOfRange)

	err = d.Queue().ReadBuffer(ctx, data, 0, make([]uint32, 1))
	assert.ErrorIs(t, err, ErrInvalidBinding)

	assert.False(t, d.Lost(), "validation errors do not lose the device")
}

func TestKernelPanicLosesDevice(t *testing.T) {
	d := NewCPU()
	defer d.Close()
	ctx := context.Background()

	data, _, _ := newBuffers(t, d, 1)
	enc := NewEncoder("bad")
	enc.Dispatch(panicKernel{}, 1, data)
	err := d.Queue().Submit(enc.Finish()).Wait(ctx)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.True(t, d.Lost())

	assert.ErrorIs(t, d.Queue().OnSubmittedWorkDone().Wait(ctx), ErrDeviceLost)
	_, err = d.NewBuffer("after", 1, UsageStorage)
	assert.ErrorIs(t, err, ErrDeviceLost)
}

func TestLose(t *testing.T) {
	d := NewCPU()
	defer d.Close()
	d.Lose()
	assert.ErrorIs(t, d.Queue().OnSubmittedWorkDone().Wait(context.Background()), ErrDeviceLost)
}

func TestSubmitAfterClose(t *testing.T) {
	d := NewCPU()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Queue().OnSubmittedWorkDone().Wait(context.Background()), ErrDeviceClosed)
}

func TestFenceWaitHonoursContext(t *testing.T) {
	f := newFence()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)
	f.signal(nil)
	assert.NoError(t, f.Wait(context.Background()))
}

func TestInfo(t *testing.T) {
	d := NewCPU(WithParallelism(3), WithMemoryLimit(4096))
	defer d.Close()
	info := d.Info()
	assert.Equal(t, "cpu", info.Name)
	assert.Equal(t, 3, info.ComputeUnits)
	assert.Equal(t, int64(4096), info.MemoryLimitBytes)
	assert.Contains(t, info.String(), "3 compute units")
}

func TestUsageString(t *testing.T) {
	assert.Equal(t, "STORAGE|COPY_SRC", (UsageStorage | UsageCopySrc).String())
	assert.Equal(t, "NONE", Usage(0).String())
	assert.True(t, (UsageStorage | UsageMapRead).Has(UsageMapRead))
	assert.Equal(t, uint32(0), GroupsFor(0, 64))
	assert.Equal(t, uint32(2), GroupsFor(65, 64))
}
