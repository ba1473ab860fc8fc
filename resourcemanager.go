package vkg

import (
	"log/slog"
	"sync"
	"unsafe"

	units "github.com/docker/go-units"
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// SingleTimeSubmitter runs a recording function in a transient command
// buffer and blocks until the GPU has executed it.
type SingleTimeSubmitter interface {
	ExecuteImmediate(record func(cb vk.CommandBuffer)) error
}

type liveKind int

const (
	liveBuffer liveKind = iota
	liveImage
)

type liveEntry struct {
	kind  liveKind
	alloc *Allocation
	size  uint64
}

// ResourceManager creates, tracks and destroys buffers and images and
// moves data into them.
type ResourceManager struct {
	backend   resourceBackend
	allocator *Allocator
	submitter SingleTimeSubmitter

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]liveEntry
	count  int
}

// ResourceManagerConfig configures NewResourceManager.
type ResourceManagerConfig struct {
	// BlockSize of regular memory blocks, 64 MiB when zero.
	BlockSize uint64
}

// NewResourceManager creates a resource manager on device. Transfers are
// recorded through submitter, normally the device's Commands.
func NewResourceManager(device *Device, submitter SingleTimeSubmitter, cfg ResourceManagerConfig) (*ResourceManager, error) {
	if device == nil || isNull(device.VKDevice) {
		return nil, errors.Wrap(ErrNotInitialized, "resource manager needs a device")
	}
	return newResourceManager(device, submitter, cfg), nil
}

func newResourceManager(backend resourceBackend, submitter SingleTimeSubmitter, cfg ResourceManagerConfig) *ResourceManager {
	rm := &ResourceManager{
		backend:   backend,
		allocator: NewAllocator(backend, backend.memoryProperties(), cfg.BlockSize),
		submitter: submitter,
		live:      map[uint64]liveEntry{},
	}
	Logger().Debug("resource manager initialized")
	return rm
}

func (rm *ResourceManager) track(kind liveKind, alloc *Allocation, size uint64) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.nextID++
	rm.live[rm.nextID] = liveEntry{kind: kind, alloc: alloc, size: size}
	rm.count++
	return rm.nextID
}

// untrack removes a resource from the live registry. It fails when the
// id is unknown or refers to a different allocation, which is what a
// double destroy or a foreign handle looks like.
func (rm *ResourceManager) untrack(kind liveKind, id uint64, alloc *Allocation) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.live[id]
	if !ok || e.kind != kind || e.alloc != alloc {
		return ErrStaleHandle
	}
	delete(rm.live, id)
	if rm.count > 0 {
		rm.count--
	}
	return nil
}

func (rm *ResourceManager) isLive(id uint64, alloc *Allocation) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.live[id]
	return ok && e.alloc == alloc
}

// CreateBuffer creates a buffer with memory for usage bound to it. On
// failure the zero AllocatedBuffer is returned along with the error.
func (rm *ResourceManager) CreateBuffer(size uint64, usage vk.BufferUsageFlags, memUsage MemoryUsage, flags AllocationFlags) (AllocatedBuffer, error) {
	if size == 0 {
		return AllocatedBuffer{}, errors.Wrap(ErrInvalidSize, "create buffer")
	}
	buffer, req, err := rm.backend.createBuffer(size, usage)
	if err != nil {
		Logger().Error("failed to create buffer", slog.Uint64("size", size), slog.Any("err", err))
		return AllocatedBuffer{}, err
	}
	alloc, err := rm.allocator.Allocate(req, memUsage, flags)
	if err != nil {
		rm.backend.destroyBuffer(buffer)
		Logger().Error("failed to allocate buffer memory", slog.Uint64("size", size), slog.Any("err", err))
		return AllocatedBuffer{}, errors.Wrap(err, "allocate buffer memory")
	}
	if err := rm.backend.bindBufferMemory(buffer, alloc.Memory, alloc.Offset); err != nil {
		rm.backend.destroyBuffer(buffer)
		_ = rm.allocator.Free(alloc)
		return AllocatedBuffer{}, err
	}
	b := AllocatedBuffer{Buffer: buffer, Allocation: alloc, Size: size, Usage: usage}
	b.id = rm.track(liveBuffer, alloc, alloc.Size)
	return b, nil
}

const (
	usageTransferSrc = vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
	usageTransferDst = vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
)

func hostVisibleUsage(hostVisible bool) (MemoryUsage, AllocationFlags) {
	if hostVisible {
		return MemoryCPUToGPU, AllocationMapped
	}
	return MemoryGPUOnly, 0
}

// CreateVertexBuffer creates a vertex buffer that can also be a transfer
// destination. Host visible buffers are persistently mapped.
func (rm *ResourceManager) CreateVertexBuffer(size uint64, hostVisible bool) (AllocatedBuffer, error) {
	mu, flags := hostVisibleUsage(hostVisible)
	return rm.CreateBuffer(size, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)|usageTransferDst, mu, flags)
}

// CreateIndexBuffer is CreateVertexBuffer for index data.
func (rm *ResourceManager) CreateIndexBuffer(size uint64, hostVisible bool) (AllocatedBuffer, error) {
	mu, flags := hostVisibleUsage(hostVisible)
	return rm.CreateBuffer(size, vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)|usageTransferDst, mu, flags)
}

// CreateUniformBuffer creates a persistently mapped uniform buffer.
func (rm *ResourceManager) CreateUniformBuffer(size uint64) (AllocatedBuffer, error) {
	return rm.CreateBuffer(size, vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit), MemoryCPUToGPU, AllocationMapped)
}

// CreateStagingBuffer creates a mapped host buffer to copy from.
func (rm *ResourceManager) CreateStagingBuffer(size uint64) (AllocatedBuffer, error) {
	return rm.CreateBuffer(size, usageTransferSrc, MemoryCPUOnly, AllocationMapped)
}

// CreateImage creates an image with memory bound to it and a view over all
// of its mip levels.
func (rm *ResourceManager) CreateImage(info ImageCreateInfo, memUsage MemoryUsage) (AllocatedImage, error) {
	if info.Width == 0 || info.Height == 0 {
		return AllocatedImage{}, errors.Wrapf(ErrInvalidExtent, "%dx%d", info.Width, info.Height)
	}
	info = info.withDefaults()

	image, req, err := rm.backend.createImage(info)
	if err != nil {
		Logger().Error("failed to create image", slog.Any("err", err))
		return AllocatedImage{}, err
	}
	alloc, err := rm.allocator.Allocate(req, memUsage, 0)
	if err != nil {
		rm.backend.destroyImage(image)
		return AllocatedImage{}, errors.Wrap(err, "allocate image memory")
	}
	if err := rm.backend.bindImageMemory(image, alloc.Memory, alloc.Offset); err != nil {
		rm.backend.destroyImage(image)
		_ = rm.allocator.Free(alloc)
		return AllocatedImage{}, err
	}

	aspect := aspectForFormat(info.Format)
	view, err := rm.backend.createImageView(image, info.Format, aspect, info.MipLevels, info.ArrayLayers)
	if err != nil {
		Logger().Error("failed to create image view", slog.Any("err", err))
		rm.backend.destroyImage(image)
		_ = rm.allocator.Free(alloc)
		return AllocatedImage{}, err
	}

	img := AllocatedImage{
		Image:      image,
		View:       view,
		Allocation: alloc,
		Format:     info.Format,
		Extent:     vk.Extent3D{Width: info.Width, Height: info.Height, Depth: info.Depth},
		MipLevels:  info.MipLevels,
		Layers:     info.ArrayLayers,
		Aspect:     aspect,
	}
	img.id = rm.track(liveImage, alloc, alloc.Size)
	return img, nil
}

// CreateImage2D creates an optimal tiled, device local 2D image.
func (rm *ResourceManager) CreateImage2D(width, height uint32, format vk.Format, usage vk.ImageUsageFlags, mipLevels uint32) (AllocatedImage, error) {
	return rm.CreateImage(ImageCreateInfo{
		Width:     width,
		Height:    height,
		MipLevels: mipLevels,
		Format:    format,
		Tiling:    vk.ImageTilingOptimal,
		Usage:     usage,
	}, MemoryGPUOnly)
}

// CreateTexture2D creates a sampled image that can be uploaded to. With
// more than one mip level it can also be blitted from.
func (rm *ResourceManager) CreateTexture2D(width, height uint32, format vk.Format, mipLevels uint32) (AllocatedImage, error) {
	usage := vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit)
	if mipLevels > 1 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	}
	return rm.CreateImage2D(width, height, format, usage, mipLevels)
}

// CreateDepthImage creates a depth attachment in the best supported format.
func (rm *ResourceManager) CreateDepthImage(width, height uint32) (AllocatedImage, error) {
	format, err := rm.backend.depthFormat()
	if err != nil {
		return AllocatedImage{}, err
	}
	return rm.CreateImage2D(width, height, format, vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit), 1)
}

// DestroyBuffer destroys the buffer and frees its memory.
func (rm *ResourceManager) DestroyBuffer(b AllocatedBuffer) error {
	if !b.Valid() {
		return nil
	}
	if err := rm.untrack(liveBuffer, b.id, b.Allocation); err != nil {
		Logger().Warn("destroying unknown buffer", slog.Uint64("id", b.id))
		return err
	}
	rm.backend.destroyBuffer(b.Buffer)
	return rm.allocator.Free(b.Allocation)
}

// DestroyImage destroys the view, then the image, then frees its memory.
func (rm *ResourceManager) DestroyImage(img AllocatedImage) error {
	if !img.Valid() {
		return nil
	}
	if err := rm.untrack(liveImage, img.id, img.Allocation); err != nil {
		Logger().Warn("destroying unknown image", slog.Uint64("id", img.id))
		return err
	}
	if !isNull(img.View) {
		rm.backend.destroyImageView(img.View)
	}
	rm.backend.destroyImage(img.Image)
	return rm.allocator.Free(img.Allocation)
}

func (rm *ResourceManager) checkBuffer(b AllocatedBuffer) error {
	if !b.Valid() || !rm.isLive(b.id, b.Allocation) {
		return ErrStaleHandle
	}
	return nil
}

// MapBuffer returns a host pointer to the buffer's memory. Persistently
// mapped buffers return their existing mapping.
func (rm *ResourceManager) MapBuffer(b AllocatedBuffer) (unsafe.Pointer, error) {
	if err := rm.checkBuffer(b); err != nil {
		return nil, err
	}
	return rm.allocator.Map(b.Allocation)
}

// UnmapBuffer is a no-op: mappings belong to the memory block and live as
// long as it does.
func (rm *ResourceManager) UnmapBuffer(b AllocatedBuffer) {}

// FlushBuffer makes host writes in [offset, offset+size) visible to the
// GPU. size may be vk.WholeSize.
func (rm *ResourceManager) FlushBuffer(b AllocatedBuffer, offset, size uint64) error {
	if err := rm.checkBuffer(b); err != nil {
		return err
	}
	return rm.allocator.Flush(b.Allocation, offset, size)
}

// InvalidateBuffer makes GPU writes visible to the host.
func (rm *ResourceManager) InvalidateBuffer(b AllocatedBuffer, offset, size uint64) error {
	if err := rm.checkBuffer(b); err != nil {
		return err
	}
	return rm.allocator.Invalidate(b.Allocation, offset, size)
}

// WriteBuffer copies data into a host visible buffer at offset and flushes it.
func (rm *ResourceManager) WriteBuffer(b AllocatedBuffer, offset uint64, data []byte) error {
	if offset > b.Size || uint64(len(data)) > b.Size-offset {
		return errors.Wrapf(ErrInvalidSize, "write of %d bytes at %d into %d byte buffer", len(data), offset, b.Size)
	}
	ptr, err := rm.MapBuffer(b)
	if err != nil {
		return err
	}
	copy(ToBytes(ptr, int(b.Size))[offset:], data)
	return rm.FlushBuffer(b, offset, uint64(len(data)))
}

// AllocationCount is the number of live buffers and images.
func (rm *ResourceManager) AllocationCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.count
}

// TotalAllocatedBytes is the memory held by live allocations.
func (rm *ResourceManager) TotalAllocatedBytes() uint64 {
	return rm.allocator.Stats().AllocationBytes
}

// Stats reports allocator block and allocation totals.
func (rm *ResourceManager) Stats() AllocatorStats {
	return rm.allocator.Stats()
}

// Budgets reports memory usage per heap.
func (rm *ResourceManager) Budgets() []HeapBudget {
	return rm.allocator.Budgets()
}

// Destroy releases all memory. Resources still live are reported and
// their memory freed with the blocks; their handles are not destroyed.
func (rm *ResourceManager) Destroy() {
	rm.mu.Lock()
	n := rm.count
	var bytes uint64
	for _, e := range rm.live {
		bytes += e.size
	}
	rm.live = map[uint64]liveEntry{}
	rm.count = 0
	rm.mu.Unlock()

	if n > 0 {
		Logger().Warn("allocations still live at shutdown",
			slog.Int("count", n),
			slog.String("bytes", units.BytesSize(float64(bytes))))
	}
	rm.allocator.Destroy()
	Logger().Debug("resource manager destroyed")
}
