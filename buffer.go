package vkg

import (
	vk "github.com/goki/vulkan"
)

// AllocatedBuffer is a buffer and the memory bound to it. The zero value
// is the invalid buffer returned by failed creations.
type AllocatedBuffer struct {
	Buffer     vk.Buffer
	Allocation *Allocation
	Size       uint64
	Usage      vk.BufferUsageFlags

	id uint64
}

// Valid reports whether the buffer and its allocation exist.
func (b AllocatedBuffer) Valid() bool {
	return !isNull(b.Buffer) && b.Allocation != nil
}

// Mapped returns the persistent mapping as bytes, or nil when unmapped.
func (b AllocatedBuffer) Mapped() []byte {
	if b.Allocation == nil {
		return nil
	}
	return ToBytes(b.Allocation.MappedPtr, int(b.Size))
}
