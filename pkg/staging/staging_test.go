package staging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
)

func TestStageAndReadBack(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()
	ctx := context.Background()
	s := New(dev, 0)
	defer s.Release()

	r, err := s.StageEntries([]entry.Entry{{Key: 3, Value: 30}, {Key: 4, Value: 40}})
	require.NoError(t, err)
	assert.Equal(t, Entries, r.Kind)
	assert.Equal(t, 4, r.Words)

	words, err := s.ReadBack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 30, 4, 40}, words)

	r, err = s.StageKeys([]entry.Key{9})
	require.NoError(t, err)
	words, err = s.ReadBack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, words)

	r, err = s.StageParams(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, Params, r.Kind)
	words, err = s.ReadBack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, words)

	words, err = s.ReadBack(ctx, Region{Kind: Results})
	require.NoError(t, err)
	assert.Empty(t, words)
}

func TestStageOverwrites(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()
	ctx := context.Background()
	s := New(dev, 0)
	defer s.Release()

	_, err := s.StageWords([]uint32{1, 1, 1, 1})
	require.NoError(t, err)
	r, err := s.StageWords([]uint32{2, 2})
	require.NoError(t, err)
	words, err := s.ReadBack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 2}, words)
}

func TestRegionGrowth(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()
	ctx := context.Background()
	s := New(dev, 4096)
	defer s.Release()

	r, err := s.StageWords(make([]uint32, 10))
	require.NoError(t, err)
	assert.Equal(t, minRegionWords, r.Buffer.Len())
	assert.Zero(t, s.Grown())

	big := make([]uint32, 1000)
	for i := range big {
		big[i] = uint32(i)
	}
	r, err = s.StageWords(big)
	require.NoError(t, err)
	assert.Equal(t, 1024, r.Buffer.Len())
	assert.Equal(t, 1, s.Grown())

	words, err := s.ReadBack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, big, words)

	_, err = s.StageWords(make([]uint32, 4097))
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	r, err = s.StageWords(make([]uint32, 4000))
	require.NoError(t, err)
	assert.Equal(t, 4096, r.Buffer.Len())
}

func TestGrowthOutOfMemory(t *testing.T) {
	dev := device.NewCPU(device.WithMemoryLimit(4 * minRegionWords))
	defer dev.Close()
	s := New(dev, 0)
	defer s.Release()

	_, err := s.StageWords(make([]uint32, 8))
	require.NoError(t, err)
	_, err = s.StageWords(make([]uint32, minRegionWords+1))
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
}

func TestGrowthKeepsRegionWhenDrainFails(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()
	s := New(dev, 0)
	defer s.Release()

	r, err := s.StageWords(make([]uint32, 8))
	require.NoError(t, err)
	before := dev.Allocated()

	require.NoError(t, dev.Close())
	_, err = s.StageWords(make([]uint32, minRegionWords+1))
	assert.ErrorIs(t, err, device.ErrDeviceClosed)
	assert.Equal(t, before, dev.Allocated(), "the new buffer is released and the old one kept")
	assert.Equal(t, r.Buffer, s.regions[Aux])
	assert.Zero(t, s.Grown())
}

func TestReadBackReportsFailedCopy(t *testing.T) {
	dev := device.NewCPU()
	defer dev.Close()
	s := New(dev, 0)
	defer s.Release()

	buf, err := dev.NewBuffer("storage.only", 4, device.UsageStorage)
	require.NoError(t, err)
	defer buf.Release()

	_, err = s.ReadBack(context.Background(), Region{Kind: Results, Buffer: buf, Words: 4})
	assert.ErrorIs(t, err, device.ErrInvalidBinding)
	assert.False(t, dev.Lost())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "keys", Keys.String())
	assert.Equal(t, "results", Results.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
