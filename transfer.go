package vkg

import (
	"fmt"
	"log/slog"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// layoutBarrier is the access and stage masks of one layout transition.
type layoutBarrier struct {
	srcAccess vk.AccessFlags
	dstAccess vk.AccessFlags
	srcStage  vk.PipelineStageFlags
	dstStage  vk.PipelineStageFlags
	aspect    vk.ImageAspectFlags
}

type layoutPair struct {
	old, new vk.ImageLayout
}

var layoutTransitions = map[layoutPair]layoutBarrier{
	{vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal}: {
		dstAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
	},
	{vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal}: {
		srcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		dstAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
	},
	{vk.ImageLayoutUndefined, vk.ImageLayoutDepthStencilAttachmentOptimal}: {
		dstAccess: vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
	},
}

// readbackTransitions move a sampled image in and out of transfer source.
var readbackTransitions = map[layoutPair]layoutBarrier{
	{vk.ImageLayoutShaderReadOnlyOptimal, vk.ImageLayoutTransferSrcOptimal}: {
		srcAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		dstAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
	},
	{vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal}: {
		srcAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		dstAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
	},
}

func lookupTransition(table map[layoutPair]layoutBarrier, format vk.Format, old, new vk.ImageLayout) (layoutBarrier, error) {
	b, ok := table[layoutPair{old, new}]
	if !ok {
		return layoutBarrier{}, errors.Wrapf(ErrUnsupportedTransition, "%d -> %d", old, new)
	}
	b.aspect = vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if new == vk.ImageLayoutDepthStencilAttachmentOptimal {
		b.aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
		if HasStencilComponent(format) {
			b.aspect |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
		}
	}
	return b, nil
}

// layoutTransitionBarrier returns the masks for one of the three supported
// transitions: undefined to transfer destination, transfer destination to
// shader read, and undefined to depth stencil attachment.
func layoutTransitionBarrier(format vk.Format, old, new vk.ImageLayout) (layoutBarrier, error) {
	return lookupTransition(layoutTransitions, format, old, new)
}

func recordBarrier(cb vk.CommandBuffer, image vk.Image, old, new vk.ImageLayout, b layoutBarrier, baseMip, mipLevels, layerCount uint32) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       b.srcAccess,
		DstAccessMask:       b.dstAccess,
		OldLayout:           old,
		NewLayout:           new,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     b.aspect,
			BaseMipLevel:   baseMip,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     layerCount,
		},
	}
	vk.CmdPipelineBarrier(cb, b.srcStage, b.dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

// TransitionImageLayout moves all mip levels and layers of image from old
// to new. Unsupported pairs record nothing and return ErrUnsupportedTransition.
func (rm *ResourceManager) TransitionImageLayout(image vk.Image, format vk.Format, old, new vk.ImageLayout, mipLevels, layerCount uint32) error {
	b, err := layoutTransitionBarrier(format, old, new)
	if err != nil {
		Logger().Warn("unsupported layout transition", slog.Int("old", int(old)), slog.Int("new", int(new)))
		return err
	}
	return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordBarrier(cb, image, old, new, b, 0, mipLevels, layerCount)
	})
}

func (rm *ResourceManager) checkCopy(src, dst AllocatedBuffer, size, srcOffset, dstOffset uint64) error {
	if err := rm.checkBuffer(src); err != nil {
		return errors.Wrap(err, "copy source")
	}
	if err := rm.checkBuffer(dst); err != nil {
		return errors.Wrap(err, "copy destination")
	}
	if size == 0 {
		return errors.Wrap(ErrInvalidSize, "copy of zero bytes")
	}
	if srcOffset > src.Size || size > src.Size-srcOffset || dstOffset > dst.Size || size > dst.Size-dstOffset {
		return errors.Wrapf(ErrInvalidSize, "copy of %d bytes from %d/%d into %d/%d", size, srcOffset, src.Size, dstOffset, dst.Size)
	}
	return nil
}

// CopyBuffer copies size bytes between buffers and waits for completion.
func (rm *ResourceManager) CopyBuffer(src, dst AllocatedBuffer, size, srcOffset, dstOffset uint64) error {
	if err := rm.checkCopy(src, dst, size, srcOffset, dstOffset); err != nil {
		return err
	}
	return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordCopyBuffer(cb, src.Buffer, dst.Buffer, size, srcOffset, dstOffset)
	})
}

func recordCopyBuffer(cb vk.CommandBuffer, src, dst vk.Buffer, size, srcOffset, dstOffset uint64) {
	vk.CmdCopyBuffer(cb, src, dst, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

func imageCopyRegion(aspect vk.ImageAspectFlags, width, height, layerCount uint32) vk.BufferImageCopy {
	return vk.BufferImageCopy{
		BufferOffset:      0,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     aspect,
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     layerCount,
		},
		ImageOffset: vk.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent: vk.Extent3D{Width: width, Height: height, Depth: 1},
	}
}

func recordCopyBufferToImage(cb vk.CommandBuffer, buffer vk.Buffer, image vk.Image, width, height, layerCount uint32) {
	region := imageCopyRegion(vk.ImageAspectFlags(vk.ImageAspectColorBit), width, height, layerCount)
	vk.CmdCopyBufferToImage(cb, buffer, image, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
}

func recordCopyImageToBuffer(cb vk.CommandBuffer, image vk.Image, buffer vk.Buffer, width, height, layerCount uint32) {
	region := imageCopyRegion(vk.ImageAspectFlags(vk.ImageAspectColorBit), width, height, layerCount)
	vk.CmdCopyImageToBuffer(cb, image, vk.ImageLayoutTransferSrcOptimal, buffer, 1, []vk.BufferImageCopy{region})
}

func (rm *ResourceManager) checkImage(img AllocatedImage) error {
	if !img.Valid() || !rm.isLive(img.id, img.Allocation) {
		return ErrStaleHandle
	}
	return nil
}

// CopyBufferToImage copies the buffer into mip level 0 of an image in
// transfer destination layout.
func (rm *ResourceManager) CopyBufferToImage(buffer AllocatedBuffer, img AllocatedImage, width, height, layerCount uint32) error {
	if err := rm.checkBuffer(buffer); err != nil {
		return err
	}
	if err := rm.checkImage(img); err != nil {
		return err
	}
	return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordCopyBufferToImage(cb, buffer.Buffer, img.Image, width, height, layerCount)
	})
}

// CopyImageToBuffer copies mip level 0 of an image in transfer source
// layout into the buffer.
func (rm *ResourceManager) CopyImageToBuffer(img AllocatedImage, buffer AllocatedBuffer, width, height, layerCount uint32) error {
	if err := rm.checkBuffer(buffer); err != nil {
		return err
	}
	if err := rm.checkImage(img); err != nil {
		return err
	}
	return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordCopyImageToBuffer(cb, img.Image, buffer.Buffer, width, height, layerCount)
	})
}

// mipBlit is one step of a mip chain: level-1 of srcW x srcH is blitted
// into level of dstW x dstH.
type mipBlit struct {
	level      uint32
	srcW, srcH int32
	dstW, dstH int32
}

func mipChain(width, height, mipLevels uint32) []mipBlit {
	var ret []mipBlit
	w, h := int32(width), int32(height)
	for i := uint32(1); i < mipLevels; i++ {
		nw, nh := mipExtent(w), mipExtent(h)
		ret = append(ret, mipBlit{level: i, srcW: w, srcH: h, dstW: nw, dstH: nh})
		w, h = nw, nh
	}
	return ret
}

var (
	mipToSrc = layoutBarrier{
		srcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		dstAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}
	mipSrcToShader = layoutBarrier{
		srcAccess: vk.AccessFlags(vk.AccessTransferReadBit),
		dstAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}
	mipDstToShader = layoutBarrier{
		srcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		dstAccess: vk.AccessFlags(vk.AccessShaderReadBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}
)

func colorLayers(level uint32) vk.ImageSubresourceLayers {
	return vk.ImageSubresourceLayers{
		AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevel:       level,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
}

// recordMipmaps expects every level in transfer destination layout and
// leaves every level in shader read layout.
func recordMipmaps(cb vk.CommandBuffer, image vk.Image, width, height, mipLevels uint32) {
	for _, m := range mipChain(width, height, mipLevels) {
		recordBarrier(cb, image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal, mipToSrc, m.level-1, 1, 1)

		blit := vk.ImageBlit{
			SrcSubresource: colorLayers(m.level - 1),
			SrcOffsets:     [2]vk.Offset3D{{X: 0, Y: 0, Z: 0}, {X: m.srcW, Y: m.srcH, Z: 1}},
			DstSubresource: colorLayers(m.level),
			DstOffsets:     [2]vk.Offset3D{{X: 0, Y: 0, Z: 0}, {X: m.dstW, Y: m.dstH, Z: 1}},
		}
		vk.CmdBlitImage(cb, image, vk.ImageLayoutTransferSrcOptimal, image, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageBlit{blit}, vk.FilterLinear)

		recordBarrier(cb, image, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal, mipSrcToShader, m.level-1, 1, 1)
	}
	recordBarrier(cb, image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal, mipDstToShader, mipLevels-1, 1, 1)
}

func (rm *ResourceManager) checkBlittable(format vk.Format) error {
	features := rm.backend.formatFeatures(format)
	if !features.Supports(vk.ImageTilingOptimal, vk.FormatFeatureFlags(vk.FormatFeatureSampledImageFilterLinearBit)) {
		Logger().Error("texture format does not support linear blitting", slog.Int("format", int(format)))
		return errors.Wrapf(ErrFormatNotBlittable, "format %d", format)
	}
	return nil
}

// GenerateMipmaps fills levels 1..mipLevels-1 by successive linear blits.
// All levels must be in transfer destination layout; afterwards all are in
// shader read layout.
func (rm *ResourceManager) GenerateMipmaps(image vk.Image, format vk.Format, width, height, mipLevels uint32) error {
	if err := rm.checkBlittable(format); err != nil {
		return err
	}
	if mipLevels == 0 {
		mipLevels = 1
	}
	return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordMipmaps(cb, image, width, height, mipLevels)
	})
}

// WithStagingBuffer creates a staging buffer of size bytes, runs fn with
// it and destroys it again whatever fn returns.
func (rm *ResourceManager) WithStagingBuffer(size uint64, fn func(staging AllocatedBuffer) error) (err error) {
	staging, err := rm.CreateStagingBuffer(size)
	if err != nil {
		return errors.Wrap(err, "create staging buffer")
	}
	defer func() {
		if derr := rm.DestroyBuffer(staging); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(staging)
}

// UploadBuffer copies data into dst at offset through a staging buffer.
func (rm *ResourceManager) UploadBuffer(dst AllocatedBuffer, offset uint64, data []byte) error {
	if len(data) == 0 {
		return errors.Wrap(ErrInvalidSize, "upload of zero bytes")
	}
	return rm.WithStagingBuffer(uint64(len(data)), func(staging AllocatedBuffer) error {
		if err := rm.WriteBuffer(staging, 0, data); err != nil {
			return err
		}
		return rm.CopyBuffer(staging, dst, uint64(len(data)), 0, offset)
	})
}

// UploadVertices creates a device local vertex buffer holding src.
func (rm *ResourceManager) UploadVertices(src ByteSource) (AllocatedBuffer, error) {
	data := src.Bytes()
	b, err := rm.CreateVertexBuffer(uint64(len(data)), false)
	if err != nil {
		return AllocatedBuffer{}, err
	}
	if err := rm.UploadBuffer(b, 0, data); err != nil {
		_ = rm.DestroyBuffer(b)
		return AllocatedBuffer{}, err
	}
	return b, nil
}

// UploadIndices creates a device local index buffer holding src.
func (rm *ResourceManager) UploadIndices(src IndexSource) (AllocatedBuffer, error) {
	data := src.Bytes()
	b, err := rm.CreateIndexBuffer(uint64(len(data)), false)
	if err != nil {
		return AllocatedBuffer{}, err
	}
	if err := rm.UploadBuffer(b, 0, data); err != nil {
		_ = rm.DestroyBuffer(b)
		return AllocatedBuffer{}, err
	}
	return b, nil
}

// UploadTexture creates a sampled texture from tightly packed pixels. With
// more than one mip level the chain is generated on the GPU.
func (rm *ResourceManager) UploadTexture(pixels []byte, width, height uint32, format vk.Format, mipLevels uint32) (AllocatedImage, error) {
	if width == 0 || height == 0 {
		return AllocatedImage{}, errors.Wrapf(ErrInvalidExtent, "%dx%d", width, height)
	}
	if mipLevels == 0 {
		mipLevels = 1
	}
	bpp, err := FormatSize(format)
	if err != nil {
		return AllocatedImage{}, err
	}
	if want := uint64(width) * uint64(height) * bpp; uint64(len(pixels)) != want {
		return AllocatedImage{}, errors.Wrapf(ErrInvalidSize, "%d pixel bytes for %dx%d, want %d", len(pixels), width, height, want)
	}
	if mipLevels > 1 {
		if err := rm.checkBlittable(format); err != nil {
			return AllocatedImage{}, err
		}
	}

	img, err := rm.CreateTexture2D(width, height, format, mipLevels)
	if err != nil {
		return AllocatedImage{}, err
	}
	toDst, _ := layoutTransitionBarrier(format, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal)
	toShader, _ := layoutTransitionBarrier(format, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal)

	err = rm.WithStagingBuffer(uint64(len(pixels)), func(staging AllocatedBuffer) error {
		if err := rm.WriteBuffer(staging, 0, pixels); err != nil {
			return err
		}
		return rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
			recordBarrier(cb, img.Image, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal, toDst, 0, mipLevels, 1)
			recordCopyBufferToImage(cb, staging.Buffer, img.Image, width, height, 1)
			if mipLevels > 1 {
				recordMipmaps(cb, img.Image, width, height, mipLevels)
			} else {
				recordBarrier(cb, img.Image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal, toShader, 0, 1, 1)
			}
		})
	})
	if err != nil {
		_ = rm.DestroyImage(img)
		return AllocatedImage{}, errors.Wrap(err, "upload texture")
	}
	Logger().Debug("texture uploaded",
		slog.Int("width", int(width)),
		slog.Int("height", int(height)),
		slog.Int("mips", int(mipLevels)))
	return img, nil
}

// ReadbackImage copies mip level 0 of a texture in shader read layout back
// to host memory. The image is returned to shader read layout.
func (rm *ResourceManager) ReadbackImage(img AllocatedImage) ([]byte, error) {
	if err := rm.checkImage(img); err != nil {
		return nil, err
	}
	bpp, err := FormatSize(img.Format)
	if err != nil {
		return nil, err
	}
	w, h := img.Extent.Width, img.Extent.Height
	size := uint64(w) * uint64(h) * bpp

	toSrc, _ := lookupTransition(readbackTransitions, img.Format, vk.ImageLayoutShaderReadOnlyOptimal, vk.ImageLayoutTransferSrcOptimal)
	back, _ := lookupTransition(readbackTransitions, img.Format, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal)

	dst, err := rm.CreateBuffer(size, usageTransferDst, MemoryCPUOnly, AllocationMapped)
	if err != nil {
		return nil, err
	}
	defer rm.DestroyBuffer(dst)

	err = rm.submitter.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recordBarrier(cb, img.Image, vk.ImageLayoutShaderReadOnlyOptimal, vk.ImageLayoutTransferSrcOptimal, toSrc, 0, 1, 1)
		recordCopyImageToBuffer(cb, img.Image, dst.Buffer, w, h, 1)
		recordBarrier(cb, img.Image, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal, back, 0, 1, 1)
	})
	if err != nil {
		return nil, errors.Wrap(err, "readback image")
	}
	if err := rm.InvalidateBuffer(dst, 0, uint64(vk.WholeSize)); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, dst.Mapped())
	return out, nil
}

// FormatSize is the size in bytes of one texel of an uncompressed color format.
func FormatSize(format vk.Format) (uint64, error) {
	switch format {
	case vk.FormatR8Unorm, vk.FormatR8Snorm, vk.FormatR8Uint, vk.FormatR8Srgb:
		return 1, nil
	case vk.FormatR8g8Unorm, vk.FormatR16Sfloat:
		return 2, nil
	case vk.FormatR8g8b8a8Unorm, vk.FormatR8g8b8a8Srgb, vk.FormatB8g8r8a8Unorm, vk.FormatB8g8r8a8Srgb,
		vk.FormatR32Sfloat, vk.FormatR32Uint:
		return 4, nil
	case vk.FormatR16g16b16a16Sfloat:
		return 8, nil
	case vk.FormatR32g32b32a32Sfloat:
		return 16, nil
	}
	return 0, errors.Wrap(ErrNoSupportedFormat, fmt.Sprintf("texel size of format %d", format))
}
