package vkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(12), alignUp(12, 3))
	assert.Equal(t, uint64(12), alignUp(10, 3))
	assert.Equal(t, uint64(10), alignUp(10, 0))
	assert.Equal(t, uint64(9), alignDown(10, 3))
	assert.Equal(t, uint64(256), alignUp(129, 128))
	assert.Equal(t, uint64(128), alignDown(255, 128))
}

func TestLinearAllocator(t *testing.T) {
	a := NewLinearAllocator(1024)

	assert.Nil(t, a.Allocate(2048, 1), "larger than the range")
	assert.Nil(t, a.Allocate(0, 1), "zero size")

	first := a.Allocate(512, 1)
	require.NotNil(t, first)
	assert.Equal(t, uint64(0), first.Offset)

	assert.Nil(t, a.Allocate(768, 1))

	second := a.Allocate(500, 1)
	require.NotNil(t, second)
	assert.Equal(t, uint64(512), second.Offset)

	assert.Nil(t, a.Allocate(50, 1))
	small := a.Allocate(5, 1)
	require.NotNil(t, small)
	assert.Nil(t, a.Allocate(20, 1))
	assert.Equal(t, uint64(1017), a.Used())

	require.True(t, a.Free(second))
	again := a.Allocate(500, 1)
	require.NotNil(t, again, "freed space is reused")
	assert.Equal(t, uint64(512), again.Offset)

	require.True(t, a.Free(first))
	for _, size := range []uint64{20, 40, 12} {
		assert.NotNil(t, a.Allocate(size, 1), "allocation of %d", size)
	}
	assert.Nil(t, a.Allocate(500, 1))
	assert.NotNil(t, a.Allocate(5, 1))
}

func TestLinearAllocatorAlignment(t *testing.T) {
	a := NewLinearAllocator(1024)
	r1 := a.Allocate(10, 1)
	require.NotNil(t, r1)

	r2 := a.Allocate(100, 256)
	require.NotNil(t, r2)
	assert.Equal(t, uint64(256), r2.Offset)

	r3 := a.Allocate(16, 16)
	require.NotNil(t, r3)
	assert.Equal(t, uint64(16), r3.Offset, "first fit uses the gap before r2")

	assert.Equal(t, 3, a.Len())
}

func TestLinearAllocatorCoalesces(t *testing.T) {
	a := NewLinearAllocator(300)
	r1 := a.Allocate(100, 1)
	r2 := a.Allocate(100, 1)
	r3 := a.Allocate(100, 1)
	require.NotNil(t, r3)
	assert.Equal(t, uint64(0), a.LargestFree())

	require.True(t, a.Free(r1))
	require.True(t, a.Free(r2))
	assert.Equal(t, uint64(200), a.LargestFree(), "neighbouring free ranges merge")

	big := a.Allocate(200, 1)
	require.NotNil(t, big)
	assert.Equal(t, uint64(0), big.Offset)

	require.True(t, a.Free(big))
	require.True(t, a.Free(r3))
	assert.True(t, a.Empty())
	assert.Equal(t, uint64(300), a.LargestFree())
}

func TestLinearAllocatorFreeForeign(t *testing.T) {
	a := NewLinearAllocator(100)
	b := NewLinearAllocator(100)
	r := b.Allocate(10, 1)
	require.NotNil(t, r)

	assert.False(t, a.Free(r))
	assert.True(t, b.Free(r))
	assert.False(t, b.Free(r), "double free")
}
