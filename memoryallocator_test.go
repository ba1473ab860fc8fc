package vkg

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMemoryType(t *testing.T) {
	types := testMemoryProperties().Types

	tests := []struct {
		name     string
		typeBits uint32
		usage    MemoryUsage
		want     uint32
		err      error
	}{
		{"gpu only", 0b111, MemoryGPUOnly, 0, nil},
		{"cpu to gpu prefers device local", 0b111, MemoryCPUToGPU, 2, nil},
		{"cpu to gpu falls back to system ram", 0b011, MemoryCPUToGPU, 1, nil},
		{"cpu only avoids device local", 0b111, MemoryCPUOnly, 1, nil},
		{"cpu only needs coherent", 0b101, MemoryCPUOnly, 0, ErrNoMemoryType},
		{"gpu only restricted to host visible vram", 0b100, MemoryGPUOnly, 2, nil},
		{"no allowed type", 0, MemoryGPUOnly, 0, ErrNoMemoryType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := selectMemoryType(types, tc.typeBits, tc.usage)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFlushRange(t *testing.T) {
	alloc := &Allocation{Offset: 100, Size: 200}

	start, size, err := flushRange(alloc, 1024, 0, uint64(vk.WholeSize), 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), start)
	assert.Equal(t, uint64(320-64), size)

	start, size, err = flushRange(alloc, 1024, 10, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), start)
	assert.Equal(t, uint64(5), size)

	_, size, err = flushRange(&Allocation{Offset: 960, Size: 60}, 1000, 0, uint64(vk.WholeSize), 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000-960), size, "clamped to the block")

	start, size, err = flushRange(alloc, 1024, 10, ^uint64(0)-5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), start)
	assert.Equal(t, uint64(190), size, "clamped to the allocation")

	_, _, err = flushRange(alloc, 1024, 201, 1, 64)
	assert.Error(t, err)
}

func newTestAllocator(blockSize uint64) (*Allocator, *fakeDevice) {
	dev := newFakeDevice()
	return NewAllocator(dev, dev.props, blockSize), dev
}

func TestAllocatorSubAllocates(t *testing.T) {
	a, dev := newTestAllocator(1 << 20)
	req := MemoryRequirements{Size: 1000, Alignment: 256, TypeBits: 0b111}

	first, err := a.Allocate(req, MemoryGPUOnly, 0)
	require.NoError(t, err)
	second, err := a.Allocate(req, MemoryGPUOnly, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, dev.allocs, "both fit in one block")
	assert.Same(t, first.Memory, second.Memory)
	assert.Equal(t, uint64(0), first.Offset)
	assert.Equal(t, uint64(1024), second.Offset)
	assert.Nil(t, first.MappedPtr)
	assert.False(t, first.Dedicated())

	s := a.Stats()
	assert.Equal(t, 1, s.Blocks)
	assert.Equal(t, 2, s.Allocations)
	assert.Equal(t, uint64(2000), s.AllocationBytes)
	assert.Equal(t, uint64(1<<20), s.BlockBytes)
}

func TestAllocatorDedicated(t *testing.T) {
	a, dev := newTestAllocator(1 << 20)

	big, err := a.Allocate(MemoryRequirements{Size: 600 << 10, Alignment: 16, TypeBits: 0b1}, MemoryGPUOnly, 0)
	require.NoError(t, err)
	assert.True(t, big.Dedicated(), "more than half a block")
	assert.Equal(t, uint64(600<<10), dev.memory[big.Memory])

	flagged, err := a.Allocate(MemoryRequirements{Size: 64, Alignment: 16, TypeBits: 0b1}, MemoryGPUOnly, AllocationDedicated)
	require.NoError(t, err)
	assert.True(t, flagged.Dedicated())
	assert.NotSame(t, big.Memory, flagged.Memory)

	require.NoError(t, a.Free(big))
	require.NoError(t, a.Free(flagged))
	assert.Empty(t, dev.memory, "dedicated blocks are released on free")
}

func TestAllocatorKeepsLastBlock(t *testing.T) {
	a, dev := newTestAllocator(4096)
	req := MemoryRequirements{Size: 2048, Alignment: 1, TypeBits: 0b1}

	var allocs []*Allocation
	for i := 0; i < 4; i++ {
		alloc, err := a.Allocate(req, MemoryGPUOnly, 0)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	assert.Equal(t, 2, a.Stats().Blocks)

	for _, alloc := range allocs {
		require.NoError(t, a.Free(alloc))
	}
	assert.Equal(t, 1, a.Stats().Blocks, "one empty block stays")
	assert.Len(t, dev.memory, 1)
	assert.Equal(t, 0, a.Stats().Allocations)
}

func TestAllocatorFreeTwice(t *testing.T) {
	a, _ := newTestAllocator(4096)
	alloc, err := a.Allocate(MemoryRequirements{Size: 16, Alignment: 1, TypeBits: 0b1}, MemoryGPUOnly, 0)
	require.NoError(t, err)

	require.NoError(t, a.Free(alloc))
	assert.ErrorIs(t, a.Free(alloc), ErrStaleHandle)
	assert.ErrorIs(t, a.Free(nil), ErrStaleHandle)
}

func TestAllocatorMapped(t *testing.T) {
	a, dev := newTestAllocator(1 << 16)
	req := MemoryRequirements{Size: 100, Alignment: 4, TypeBits: 0b111}

	first, err := a.Allocate(req, MemoryCPUOnly, AllocationMapped)
	require.NoError(t, err)
	second, err := a.Allocate(req, MemoryCPUOnly, AllocationMapped)
	require.NoError(t, err)
	require.NotNil(t, first.MappedPtr)
	assert.Equal(t, 1, dev.maps, "the block is mapped once")

	copy(second.Bytes(), "hello")
	host := dev.host[second.Memory]
	assert.Equal(t, "hello", string(host[second.Offset:second.Offset+5]))

	ptr, err := a.Map(first)
	require.NoError(t, err)
	assert.Equal(t, first.MappedPtr, ptr)

	_, err = a.Allocate(req, MemoryGPUOnly, AllocationMapped)
	assert.ErrorIs(t, err, ErrNoMemoryType, "device local memory cannot be mapped")
}

func TestAllocatorMapOnDemand(t *testing.T) {
	a, dev := newTestAllocator(1 << 16)
	alloc, err := a.Allocate(MemoryRequirements{Size: 64, Alignment: 4, TypeBits: 0b111}, MemoryCPUToGPU, 0)
	require.NoError(t, err)
	assert.Nil(t, alloc.MappedPtr)
	assert.Equal(t, 0, dev.maps)

	ptr, err := a.Map(alloc)
	require.NoError(t, err)
	assert.NotNil(t, ptr)
	assert.Equal(t, 1, dev.maps)

	gpu, err := a.Allocate(MemoryRequirements{Size: 64, Alignment: 4, TypeBits: 0b1}, MemoryGPUOnly, 0)
	require.NoError(t, err)
	_, err = a.Map(gpu)
	assert.ErrorIs(t, err, ErrNoMemoryType)
}

func TestAllocatorFlush(t *testing.T) {
	a, dev := newTestAllocator(1 << 16)

	coherent, err := a.Allocate(MemoryRequirements{Size: 100, Alignment: 4, TypeBits: 0b010}, MemoryCPUOnly, AllocationMapped)
	require.NoError(t, err)
	require.NoError(t, a.Flush(coherent, 0, uint64(vk.WholeSize)))
	assert.Empty(t, dev.flushes, "coherent memory needs no flush")

	nonCoherent, err := a.Allocate(MemoryRequirements{Size: 100, Alignment: 4, TypeBits: 0b100}, MemoryCPUToGPU, AllocationMapped)
	require.NoError(t, err)
	require.NoError(t, a.Flush(nonCoherent, 10, 20))
	require.Len(t, dev.flushes, 1)
	assert.Equal(t, uint64(0), dev.flushes[0].offset%64)
	assert.Equal(t, uint64(0), dev.flushes[0].size%64)

	require.NoError(t, a.Invalidate(nonCoherent, 0, uint64(vk.WholeSize)))
	assert.Len(t, dev.invalidates, 1)
}

func TestAllocatorNonCoherentAlignment(t *testing.T) {
	a, _ := newTestAllocator(1 << 16)
	req := MemoryRequirements{Size: 10, Alignment: 4, TypeBits: 0b100}

	first, err := a.Allocate(req, MemoryCPUToGPU, 0)
	require.NoError(t, err)
	second, err := a.Allocate(req, MemoryCPUToGPU, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Offset)
	assert.Equal(t, uint64(64), second.Offset, "aligned to the non-coherent atom")
}

func TestAllocatorGranularity(t *testing.T) {
	dev := newFakeDevice()
	dev.props.BufferImageGranularity = 1024
	a := NewAllocator(dev, dev.props, 1<<16)

	req := MemoryRequirements{Size: 10, Alignment: 4, TypeBits: 0b1}
	_, err := a.Allocate(req, MemoryGPUOnly, 0)
	require.NoError(t, err)
	second, err := a.Allocate(req, MemoryGPUOnly, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), second.Offset)
}

func TestAllocatorAllocateFailure(t *testing.T) {
	a, dev := newTestAllocator(4096)
	dev.failAllocate = ErrOutOfMemory

	_, err := a.Allocate(MemoryRequirements{Size: 16, Alignment: 1, TypeBits: 0b1}, MemoryGPUOnly, 0)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	_, err = a.Allocate(MemoryRequirements{Size: 0, TypeBits: 0b1}, MemoryGPUOnly, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAllocatorBudgets(t *testing.T) {
	a, _ := newTestAllocator(4096)
	_, err := a.Allocate(MemoryRequirements{Size: 100, Alignment: 1, TypeBits: 0b1}, MemoryGPUOnly, 0)
	require.NoError(t, err)
	_, err = a.Allocate(MemoryRequirements{Size: 50, Alignment: 1, TypeBits: 0b10}, MemoryCPUOnly, 0)
	require.NoError(t, err)

	budgets := a.Budgets()
	require.Len(t, budgets, 2)
	assert.True(t, budgets[0].DeviceLocal)
	assert.Equal(t, 1, budgets[0].Allocations)
	assert.Equal(t, uint64(100), budgets[0].AllocationBytes)
	assert.Equal(t, uint64(4096), budgets[0].BlockBytes)
	assert.Equal(t, uint64(50), budgets[1].AllocationBytes)
	assert.Equal(t, uint64(16<<30), budgets[1].HeapSize)
}

func TestAllocatorDestroy(t *testing.T) {
	a, dev := newTestAllocator(4096)
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(MemoryRequirements{Size: 100, Alignment: 1, TypeBits: 0b11}, MemoryCPUOnly, AllocationMapped)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.Destroy())
	assert.Empty(t, dev.memory)
	assert.Equal(t, 0, a.Stats().Blocks)
}

func TestMemoryUsageString(t *testing.T) {
	assert.Equal(t, "gpu-only", MemoryGPUOnly.String())
	assert.Equal(t, "cpu-to-gpu", MemoryCPUToGPU.String())
	assert.Equal(t, "cpu-only", MemoryCPUOnly.String())
	assert.Equal(t, "unknown", MemoryUsage(42).String())
}
