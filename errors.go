package vkg

import (
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

var (
	ErrNotInitialized         = errors.New("vkg: not initialized")
	ErrNoSuitableDevice       = errors.New("vkg: no suitable physical device")
	ErrValidationLayerMissing = errors.New("vkg: validation layer not available")
	ErrNoMemoryType           = errors.New("vkg: no matching memory type")
	ErrNoSupportedFormat      = errors.New("vkg: no supported format among candidates")
	ErrInvalidExtent          = errors.New("vkg: image extent must be non-zero")
	ErrInvalidSize            = errors.New("vkg: size must be non-zero")
	ErrOutOfMemory            = errors.New("vkg: out of device memory")
	ErrStaleHandle            = errors.New("vkg: resource was already destroyed or is unknown")
	ErrUnsupportedTransition  = errors.New("vkg: unsupported image layout transition")
	ErrFormatNotBlittable     = errors.New("vkg: format does not support linear blitting")
	ErrWaitStageMismatch      = errors.New("vkg: wait semaphore count does not match wait stage count")
	ErrNoCommandBuffers       = errors.New("vkg: no command buffers to submit")
	ErrRecordingPanicked      = errors.New("vkg: command recording panicked")
	ErrSwapchainOutOfDate     = errors.New("vkg: swapchain out of date")
	ErrDeviceLost             = errors.New("vkg: device lost")
)

// vkErr converts a Vulkan result to an error, mapping the results callers
// are expected to branch on to package sentinels.
func vkErr(res vk.Result, msg string) error {
	switch res {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return errors.Wrap(ErrDeviceLost, msg)
	case vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfHostMemory:
		return errors.Wrap(ErrOutOfMemory, msg)
	case vk.ErrorOutOfDate:
		return errors.Wrap(ErrSwapchainOutOfDate, msg)
	}
	return errors.Wrap(vk.Error(res), msg)
}
