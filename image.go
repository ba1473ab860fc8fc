package vkg

import (
	"math/bits"

	vk "github.com/goki/vulkan"
)

// ImageCreateInfo describes an image to create.
type ImageCreateInfo struct {
	Width       uint32
	Height      uint32
	Depth       uint32
	MipLevels   uint32
	ArrayLayers uint32
	Format      vk.Format
	Tiling      vk.ImageTiling
	Usage       vk.ImageUsageFlags
	Samples     vk.SampleCountFlagBits
}

func (ci ImageCreateInfo) withDefaults() ImageCreateInfo {
	if ci.Depth == 0 {
		ci.Depth = 1
	}
	if ci.MipLevels == 0 {
		ci.MipLevels = 1
	}
	if ci.ArrayLayers == 0 {
		ci.ArrayLayers = 1
	}
	if ci.Samples == 0 {
		ci.Samples = vk.SampleCount1Bit
	}
	return ci
}

func (ci ImageCreateInfo) vkInfo() vk.ImageCreateInfo {
	return vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    ci.Format,
		Extent: vk.Extent3D{
			Width:  ci.Width,
			Height: ci.Height,
			Depth:  ci.Depth,
		},
		MipLevels:     ci.MipLevels,
		ArrayLayers:   ci.ArrayLayers,
		Samples:       ci.Samples,
		Tiling:        ci.Tiling,
		Usage:         ci.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
}

// AllocatedImage is an image, its view and the memory behind it.
type AllocatedImage struct {
	Image      vk.Image
	View       vk.ImageView
	Allocation *Allocation
	Format     vk.Format
	Extent     vk.Extent3D
	MipLevels  uint32
	Layers     uint32
	Aspect     vk.ImageAspectFlags

	id uint64
}

// Valid reports whether the image and its allocation exist.
func (i AllocatedImage) Valid() bool {
	return !isNull(i.Image) && i.Allocation != nil
}

func isDepthFormat(format vk.Format) bool {
	switch format {
	case vk.FormatD32Sfloat, vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint,
		vk.FormatD16Unorm, vk.FormatD16UnormS8Uint:
		return true
	}
	return false
}

// HasStencilComponent reports whether format carries a stencil aspect.
func HasStencilComponent(format vk.Format) bool {
	switch format {
	case vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint, vk.FormatD16UnormS8Uint:
		return true
	}
	return false
}

// aspectForFormat is depth, plus stencil for stencil formats, else color.
func aspectForFormat(format vk.Format) vk.ImageAspectFlags {
	if !isDepthFormat(format) {
		return vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
	aspect := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	if HasStencilComponent(format) {
		aspect |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	}
	return aspect
}

// MipLevelsFor is the length of the full mip chain of a width x height image.
func MipLevelsFor(width, height uint32) uint32 {
	m := width
	if height > m {
		m = height
	}
	if m == 0 {
		return 1
	}
	return uint32(bits.Len32(m))
}

// mipExtent halves a dimension, never below 1.
func mipExtent(v int32) int32 {
	if v > 1 {
		return v / 2
	}
	return 1
}
