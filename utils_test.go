package vkg

import (
	"testing"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
)

func TestSafeString(t *testing.T) {
	assert.Equal(t, "\x00", safeString(""))
	assert.Equal(t, "VK_KHR_swapchain\x00", safeString("VK_KHR_swapchain"))
	assert.Equal(t, "VK_KHR_swapchain\x00", safeString("VK_KHR_swapchain\x00"))
	assert.Equal(t, []string{"a\x00", "b\x00"}, safeStrings([]string{"a", "b\x00"}))
	assert.Equal(t, "layer", trimNull("layer\x00\x00"))
}

func TestToBytes(t *testing.T) {
	assert.Nil(t, ToBytes(nil, 4))

	v := [4]byte{1, 2, 3, 4}
	b := ToBytes(unsafe.Pointer(&v[0]), 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
	b[0] = 9
	assert.Equal(t, byte(9), v[0], "aliases the memory")
	assert.Nil(t, ToBytes(unsafe.Pointer(&v[0]), 0))
}

func TestIsNull(t *testing.T) {
	var fence vk.Fence
	assert.True(t, isNull(fence))
	assert.True(t, isNull(vk.NullBuffer))

	var h handles
	assert.False(t, isNull(vk.Buffer(h.next())))
}

func TestClampUint32(t *testing.T) {
	assert.Equal(t, uint32(5), clampUint32(1, 5, 10))
	assert.Equal(t, uint32(10), clampUint32(11, 5, 10))
	assert.Equal(t, uint32(7), clampUint32(7, 5, 10))
}

func TestVersion(t *testing.T) {
	assert.Equal(t, vk.MakeVersion(1, 2, 3), Version{Major: 1, Minor: 2, Patch: 3}.VKVersion())
}
