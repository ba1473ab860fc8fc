package vkg

import (
	"unsafe"

	vk "github.com/goki/vulkan"
)

// memoryBackend is the slice of the device the allocator talks to.
type memoryBackend interface {
	allocateMemory(size uint64, typeIndex uint32) (vk.DeviceMemory, error)
	freeMemory(mem vk.DeviceMemory)
	mapMemory(mem vk.DeviceMemory, size uint64) (unsafe.Pointer, error)
	unmapMemory(mem vk.DeviceMemory)
	flushMemory(mem vk.DeviceMemory, offset, size uint64) error
	invalidateMemory(mem vk.DeviceMemory, offset, size uint64) error
}

// resourceBackend is the slice of the device the resource manager talks to.
type resourceBackend interface {
	memoryBackend
	memoryProperties() MemoryProperties
	formatFeatures(format vk.Format) FormatFeatures
	depthFormat() (vk.Format, error)

	createBuffer(size uint64, usage vk.BufferUsageFlags) (vk.Buffer, MemoryRequirements, error)
	bindBufferMemory(buffer vk.Buffer, mem vk.DeviceMemory, offset uint64) error
	destroyBuffer(buffer vk.Buffer)

	createImage(info ImageCreateInfo) (vk.Image, MemoryRequirements, error)
	bindImageMemory(image vk.Image, mem vk.DeviceMemory, offset uint64) error
	createImageView(image vk.Image, format vk.Format, aspect vk.ImageAspectFlags, mipLevels, layers uint32) (vk.ImageView, error)
	destroyImageView(view vk.ImageView)
	destroyImage(image vk.Image)
}

func (d *Device) allocateMemory(size uint64, typeIndex uint32) (vk.DeviceMemory, error) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if err := vkErr(vk.AllocateMemory(d.VKDevice, &info, nil, &mem), "allocate memory"); err != nil {
		var none vk.DeviceMemory
		return none, err
	}
	return mem, nil
}

func (d *Device) freeMemory(mem vk.DeviceMemory) {
	vk.FreeMemory(d.VKDevice, mem, nil)
}

func (d *Device) mapMemory(mem vk.DeviceMemory, size uint64) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := vkErr(vk.MapMemory(d.VKDevice, mem, 0, vk.DeviceSize(size), 0, &ptr), "map memory"); err != nil {
		return nil, err
	}
	return ptr, nil
}

func (d *Device) unmapMemory(mem vk.DeviceMemory) {
	vk.UnmapMemory(d.VKDevice, mem)
}

func mappedRange(mem vk.DeviceMemory, offset, size uint64) []vk.MappedMemoryRange {
	return []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: mem,
		Offset: vk.DeviceSize(offset),
		Size:   vk.DeviceSize(size),
	}}
}

func (d *Device) flushMemory(mem vk.DeviceMemory, offset, size uint64) error {
	return vkErr(vk.FlushMappedMemoryRanges(d.VKDevice, 1, mappedRange(mem, offset, size)), "flush mapped memory")
}

func (d *Device) invalidateMemory(mem vk.DeviceMemory, offset, size uint64) error {
	return vkErr(vk.InvalidateMappedMemoryRanges(d.VKDevice, 1, mappedRange(mem, offset, size)), "invalidate mapped memory")
}

func (d *Device) memoryProperties() MemoryProperties {
	return d.PhysicalDevice.memoryProperties()
}

func (d *Device) formatFeatures(format vk.Format) FormatFeatures {
	return d.PhysicalDevice.FormatFeatures(format)
}

func (d *Device) depthFormat() (vk.Format, error) {
	return d.FindDepthFormat()
}

func derefRequirements(r vk.MemoryRequirements) MemoryRequirements {
	r.Deref()
	return MemoryRequirements{
		Size:      uint64(r.Size),
		Alignment: uint64(r.Alignment),
		TypeBits:  r.MemoryTypeBits,
	}
}

func (d *Device) createBuffer(size uint64, usage vk.BufferUsageFlags) (vk.Buffer, MemoryRequirements, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := vkErr(vk.CreateBuffer(d.VKDevice, &info, nil, &buffer), "create buffer"); err != nil {
		return vk.NullBuffer, MemoryRequirements{}, err
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.VKDevice, buffer, &req)
	return buffer, derefRequirements(req), nil
}

func (d *Device) bindBufferMemory(buffer vk.Buffer, mem vk.DeviceMemory, offset uint64) error {
	return vkErr(vk.BindBufferMemory(d.VKDevice, buffer, mem, vk.DeviceSize(offset)), "bind buffer memory")
}

func (d *Device) destroyBuffer(buffer vk.Buffer) {
	vk.DestroyBuffer(d.VKDevice, buffer, nil)
}

func (d *Device) createImage(ci ImageCreateInfo) (vk.Image, MemoryRequirements, error) {
	info := ci.vkInfo()
	var image vk.Image
	if err := vkErr(vk.CreateImage(d.VKDevice, &info, nil, &image), "create image"); err != nil {
		var none vk.Image
		return none, MemoryRequirements{}, err
	}
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.VKDevice, image, &req)
	return image, derefRequirements(req), nil
}

func (d *Device) bindImageMemory(image vk.Image, mem vk.DeviceMemory, offset uint64) error {
	return vkErr(vk.BindImageMemory(d.VKDevice, image, mem, vk.DeviceSize(offset)), "bind image memory")
}

func (d *Device) createImageView(image vk.Image, format vk.Format, aspect vk.ImageAspectFlags, mipLevels, layers uint32) (vk.ImageView, error) {
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: mipLevels,
			LayerCount: layers,
		},
	}
	var view vk.ImageView
	if err := vkErr(vk.CreateImageView(d.VKDevice, &info, nil, &view), "create image view"); err != nil {
		return vk.NullImageView, err
	}
	return view, nil
}

func (d *Device) destroyImageView(view vk.ImageView) {
	vk.DestroyImageView(d.VKDevice, view, nil)
}

func (d *Device) destroyImage(image vk.Image) {
	vk.DestroyImage(d.VKDevice, image, nil)
}
