package vkg

import (
	"math"
	"time"

	vk "github.com/goki/vulkan"
)

// NoTimeout waits forever in WaitForFences.
const NoTimeout time.Duration = -1

func fenceTimeout(ts time.Duration) uint64 {
	if ts < 0 {
		return math.MaxUint64
	}
	return uint64(ts.Nanoseconds())
}

// CreateFence creates a fence, optionally already signaled.
func (d *Device) CreateFence(signaled bool) (vk.Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if err := vkErr(vk.CreateFence(d.VKDevice, &info, nil, &fence), "create fence"); err != nil {
		return vk.NullFence, err
	}
	return fence, nil
}

func (d *Device) DestroyFence(f vk.Fence) {
	if !isNull(f) {
		vk.DestroyFence(d.VKDevice, f, nil)
	}
}

// FenceSignaled polls a fence without blocking.
func (d *Device) FenceSignaled(f vk.Fence) (bool, error) {
	res := vk.GetFenceStatus(d.VKDevice, f)
	switch res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	}
	return false, vkErr(res, "fence status")
}

// WaitForFences blocks until all fences signal or ts elapses. A negative
// ts waits without limit.
func (d *Device) WaitForFences(ts time.Duration, fences ...vk.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	res := vk.WaitForFences(d.VKDevice, uint32(len(fences)), fences, vk.True, fenceTimeout(ts))
	return vkErr(res, "wait for fences")
}

func (d *Device) ResetFences(fences ...vk.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	return vkErr(vk.ResetFences(d.VKDevice, uint32(len(fences)), fences), "reset fences")
}

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (vk.Semaphore, error) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sema vk.Semaphore
	if err := vkErr(vk.CreateSemaphore(d.VKDevice, &info, nil, &sema), "create semaphore"); err != nil {
		var none vk.Semaphore
		return none, err
	}
	return sema, nil
}

func (d *Device) DestroySemaphore(s vk.Semaphore) {
	if !isNull(s) {
		vk.DestroySemaphore(d.VKDevice, s, nil)
	}
}
