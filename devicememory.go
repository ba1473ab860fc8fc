package vkg

import (
	"unsafe"

	vk "github.com/goki/vulkan"
)

// DeviceMemory is one vkAllocateMemory block. Allocations are carved out
// of it by a LinearAllocator. A host visible block is mapped once, the
// first time a mapping is needed, and stays mapped until it is released.
type DeviceMemory struct {
	VKDeviceMemory vk.DeviceMemory
	Size           uint64
	TypeIndex      uint32
	// Dedicated blocks hold exactly one allocation.
	Dedicated bool
	Ptr       unsafe.Pointer

	sub *LinearAllocator
}

func newDeviceMemory(backend memoryBackend, size uint64, typeIndex uint32, dedicated bool) (*DeviceMemory, error) {
	mem, err := backend.allocateMemory(size, typeIndex)
	if err != nil {
		return nil, err
	}
	return &DeviceMemory{
		VKDeviceMemory: mem,
		Size:           size,
		TypeIndex:      typeIndex,
		Dedicated:      dedicated,
		sub:            NewLinearAllocator(size),
	}, nil
}

// IsMapped returns true if the block is persistently mapped.
func (d *DeviceMemory) IsMapped() bool {
	return d.Ptr != nil
}

// Used is the number of bytes handed out from the block.
func (d *DeviceMemory) Used() uint64 {
	return d.sub.Used()
}

// mapped maps the whole block on first use and returns its base pointer.
func (d *DeviceMemory) mapped(backend memoryBackend) (unsafe.Pointer, error) {
	if d.Ptr != nil {
		return d.Ptr, nil
	}
	ptr, err := backend.mapMemory(d.VKDeviceMemory, d.Size)
	if err != nil {
		return nil, err
	}
	d.Ptr = ptr
	return ptr, nil
}

func (d *DeviceMemory) release(backend memoryBackend) {
	if d.Ptr != nil {
		backend.unmapMemory(d.VKDeviceMemory)
		d.Ptr = nil
	}
	backend.freeMemory(d.VKDeviceMemory)
	var none vk.DeviceMemory
	d.VKDeviceMemory = none
}
