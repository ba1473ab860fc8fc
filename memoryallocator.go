package vkg

import (
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"unsafe"

	units "github.com/docker/go-units"
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// defaultBlockSize is the size of a regular memory block.
const defaultBlockSize uint64 = 64 << 20

// MemoryUsage says who reads and writes a resource's memory.
type MemoryUsage int

const (
	// MemoryGPUOnly is device local memory, not host visible.
	MemoryGPUOnly MemoryUsage = iota
	// MemoryCPUToGPU is host visible memory the device reads often,
	// device local when the GPU has such a type.
	MemoryCPUToGPU
	// MemoryCPUOnly is host visible and coherent, preferably in system RAM.
	MemoryCPUOnly
)

func (u MemoryUsage) String() string {
	switch u {
	case MemoryGPUOnly:
		return "gpu-only"
	case MemoryCPUToGPU:
		return "cpu-to-gpu"
	case MemoryCPUOnly:
		return "cpu-only"
	}
	return "unknown"
}

// AllocationFlags modify how an allocation is placed.
type AllocationFlags uint32

const (
	// AllocationMapped keeps the allocation mapped for its whole life.
	AllocationMapped AllocationFlags = 1 << iota
	// AllocationDedicated gives the allocation its own block.
	AllocationDedicated
)

const (
	memDeviceLocal  = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	memHostVisible  = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	memHostCoherent = vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
)

type memoryPreference struct {
	required     vk.MemoryPropertyFlags
	preferred    vk.MemoryPropertyFlags
	notPreferred vk.MemoryPropertyFlags
}

func (u MemoryUsage) preference() memoryPreference {
	switch u {
	case MemoryCPUToGPU:
		return memoryPreference{required: memHostVisible, preferred: memDeviceLocal}
	case MemoryCPUOnly:
		return memoryPreference{required: memHostVisible | memHostCoherent, notPreferred: memDeviceLocal}
	}
	return memoryPreference{required: memDeviceLocal}
}

// selectMemoryType returns the cheapest type allowed by typeBits that has
// the usage's required properties. Cost counts missing preferred and
// present unwanted properties; the first zero cost type wins.
func selectMemoryType(types []MemoryType, typeBits uint32, usage MemoryUsage) (uint32, error) {
	pref := usage.preference()
	best := -1
	minCost := math.MaxInt
	for i, mt := range types {
		if typeBits&(1<<uint(i)) == 0 || !mt.Has(pref.required) {
			continue
		}
		cost := bits.OnesCount32(uint32(pref.preferred&^mt.PropertyFlags)) +
			bits.OnesCount32(uint32(pref.notPreferred&mt.PropertyFlags))
		if cost == 0 {
			return uint32(i), nil
		}
		if cost < minCost {
			best, minCost = i, cost
		}
	}
	if best < 0 {
		return 0, errors.Wrapf(ErrNoMemoryType, "usage %s type bits %#x", usage, typeBits)
	}
	return uint32(best), nil
}

// MemoryRequirements is a dereferenced vk.MemoryRequirements.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

// MemoryProperties is what the allocator needs to know about the GPU.
type MemoryProperties struct {
	Types                  []MemoryType
	Heaps                  []MemoryHeap
	NonCoherentAtomSize    uint64
	BufferImageGranularity uint64
}

func (p *PhysicalDevice) memoryProperties() MemoryProperties {
	return MemoryProperties{
		Types:                  p.MemoryTypes,
		Heaps:                  p.MemoryHeaps,
		NonCoherentAtomSize:    p.NonCoherentAtomSize,
		BufferImageGranularity: p.BufferImageGranularity,
	}
}

// Allocation is a range of device memory owned by one buffer or image.
type Allocation struct {
	Memory     vk.DeviceMemory
	Offset     uint64
	Size       uint64
	MemoryType uint32
	// MappedPtr points at Offset when the allocation is host mapped.
	MappedPtr unsafe.Pointer

	block  *DeviceMemory
	region *Region
}

// Dedicated reports whether the allocation owns its whole block.
func (a *Allocation) Dedicated() bool {
	return a != nil && a.block != nil && a.block.Dedicated
}

func (a *Allocation) live() bool {
	return a != nil && a.block != nil
}

// Bytes views the mapped allocation as a byte slice.
func (a *Allocation) Bytes() []byte {
	return ToBytes(a.MappedPtr, int(a.Size))
}

// AllocatorStats totals the allocator's blocks and allocations.
type AllocatorStats struct {
	Blocks          int
	Allocations     int
	BlockBytes      uint64
	AllocationBytes uint64
}

func (s AllocatorStats) String() string {
	return units.BytesSize(float64(s.AllocationBytes)) + " in " +
		units.BytesSize(float64(s.BlockBytes)) + " of blocks"
}

// HeapBudget is the allocator's usage of one memory heap.
type HeapBudget struct {
	Heap            int
	HeapSize        uint64
	DeviceLocal     bool
	Blocks          int
	BlockBytes      uint64
	Allocations     int
	AllocationBytes uint64
}

// Allocator hands out device memory from per type lists of blocks.
type Allocator struct {
	backend   memoryBackend
	props     MemoryProperties
	blockSize uint64

	mu     sync.Mutex
	blocks map[uint32][]*DeviceMemory
	count  int
}

// NewAllocator creates an allocator. A zero blockSize uses 64 MiB.
func NewAllocator(backend memoryBackend, props MemoryProperties, blockSize uint64) *Allocator {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	return &Allocator{
		backend:   backend,
		props:     props,
		blockSize: blockSize,
		blocks:    map[uint32][]*DeviceMemory{},
	}
}

func (a *Allocator) isCoherent(typeIndex uint32) bool {
	return a.props.Types[typeIndex].Has(memHostCoherent)
}

func (a *Allocator) isHostVisible(typeIndex uint32) bool {
	return a.props.Types[typeIndex].Has(memHostVisible)
}

func (a *Allocator) alignment(req MemoryRequirements, typeIndex uint32) uint64 {
	align := req.Alignment
	if align == 0 {
		align = 1
	}
	if a.props.BufferImageGranularity > align {
		align = a.props.BufferImageGranularity
	}
	if a.isHostVisible(typeIndex) && !a.isCoherent(typeIndex) && a.props.NonCoherentAtomSize > align {
		align = a.props.NonCoherentAtomSize
	}
	return align
}

// Allocate finds memory for req. Requests above half a block, or flagged
// AllocationDedicated, get a block of their own.
func (a *Allocator) Allocate(req MemoryRequirements, usage MemoryUsage, flags AllocationFlags) (*Allocation, error) {
	if req.Size == 0 {
		return nil, ErrInvalidSize
	}
	typeIndex, err := selectMemoryType(a.props.Types, req.TypeBits, usage)
	if err != nil {
		return nil, err
	}
	if flags&AllocationMapped != 0 && !a.isHostVisible(typeIndex) {
		return nil, errors.Wrapf(ErrNoMemoryType, "usage %s cannot be mapped", usage)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	align := a.alignment(req, typeIndex)
	var (
		block  *DeviceMemory
		region *Region
	)
	if flags&AllocationDedicated != 0 || req.Size > a.blockSize/2 {
		block, err = newDeviceMemory(a.backend, req.Size, typeIndex, true)
		if err != nil {
			return nil, errors.Wrapf(err, "dedicated block of %s", units.BytesSize(float64(req.Size)))
		}
		a.blocks[typeIndex] = append(a.blocks[typeIndex], block)
		region = block.sub.Allocate(req.Size, 1)
	} else {
		for _, b := range a.blocks[typeIndex] {
			if b.Dedicated {
				continue
			}
			if region = b.sub.Allocate(req.Size, align); region != nil {
				block = b
				break
			}
		}
		if block == nil {
			block, err = newDeviceMemory(a.backend, a.blockSize, typeIndex, false)
			if err != nil {
				return nil, errors.Wrapf(err, "block of %s", units.BytesSize(float64(a.blockSize)))
			}
			a.blocks[typeIndex] = append(a.blocks[typeIndex], block)
			Logger().Debug("memory block allocated",
				slog.Int("type", int(typeIndex)),
				slog.String("size", units.BytesSize(float64(a.blockSize))))
			region = block.sub.Allocate(req.Size, align)
		}
	}

	alloc := &Allocation{
		Memory:     block.VKDeviceMemory,
		Offset:     region.Offset,
		Size:       region.Size,
		MemoryType: typeIndex,
		block:      block,
		region:     region,
	}
	if flags&AllocationMapped != 0 {
		base, err := block.mapped(a.backend)
		if err != nil {
			a.freeLocked(alloc)
			return nil, errors.Wrap(err, "map allocation")
		}
		alloc.MappedPtr = unsafe.Add(base, int(alloc.Offset))
	}
	a.count++
	return alloc, nil
}

// Free returns alloc to its block. Empty blocks are released unless they
// are the last one of their memory type.
func (a *Allocator) Free(alloc *Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !alloc.live() {
		return ErrStaleHandle
	}
	a.freeLocked(alloc)
	a.count--
	return nil
}

func (a *Allocator) freeLocked(alloc *Allocation) {
	block := alloc.block
	block.sub.Free(alloc.region)
	alloc.block, alloc.region, alloc.MappedPtr = nil, nil, nil

	if !block.sub.Empty() {
		return
	}
	list := a.blocks[block.TypeIndex]
	if !block.Dedicated && regularBlocks(list) == 1 {
		return
	}
	for i, b := range list {
		if b == block {
			a.blocks[block.TypeIndex] = append(list[:i], list[i+1:]...)
			break
		}
	}
	block.release(a.backend)
}

func regularBlocks(list []*DeviceMemory) int {
	n := 0
	for _, b := range list {
		if !b.Dedicated {
			n++
		}
	}
	return n
}

// Map returns a host pointer to the allocation, mapping its block on
// first use. The mapping stays until the block is released.
func (a *Allocator) Map(alloc *Allocation) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !alloc.live() {
		return nil, ErrStaleHandle
	}
	if alloc.MappedPtr != nil {
		return alloc.MappedPtr, nil
	}
	if !a.isHostVisible(alloc.MemoryType) {
		return nil, errors.Wrapf(ErrNoMemoryType, "memory type %d is not host visible", alloc.MemoryType)
	}
	base, err := alloc.block.mapped(a.backend)
	if err != nil {
		return nil, err
	}
	alloc.MappedPtr = unsafe.Add(base, int(alloc.Offset))
	return alloc.MappedPtr, nil
}

// flushRange converts an allocation relative range to a block range
// aligned to atom. size may be vk.WholeSize.
func flushRange(alloc *Allocation, blockSize, offset, size, atom uint64) (uint64, uint64, error) {
	if offset > alloc.Size {
		return 0, 0, errors.Errorf("offset %d past allocation of %d bytes", offset, alloc.Size)
	}
	if size == uint64(vk.WholeSize) || size > alloc.Size-offset {
		size = alloc.Size - offset
	}
	if atom == 0 {
		atom = 1
	}
	start := alignDown(alloc.Offset+offset, atom)
	end := alignUp(alloc.Offset+offset+size, atom)
	if end > blockSize {
		end = blockSize
	}
	return start, end - start, nil
}

// Flush makes host writes visible to the device. No-op on coherent memory.
func (a *Allocator) Flush(alloc *Allocation, offset, size uint64) error {
	return a.flushOrInvalidate(alloc, offset, size, a.backend.flushMemory)
}

// Invalidate makes device writes visible to the host. No-op on coherent memory.
func (a *Allocator) Invalidate(alloc *Allocation, offset, size uint64) error {
	return a.flushOrInvalidate(alloc, offset, size, a.backend.invalidateMemory)
}

func (a *Allocator) flushOrInvalidate(alloc *Allocation, offset, size uint64, op func(vk.DeviceMemory, uint64, uint64) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !alloc.live() {
		return ErrStaleHandle
	}
	if a.isCoherent(alloc.MemoryType) || size == 0 {
		return nil
	}
	start, n, err := flushRange(alloc, alloc.block.Size, offset, size, a.props.NonCoherentAtomSize)
	if err != nil {
		return err
	}
	return op(alloc.Memory, start, n)
}

// Stats totals all blocks and live allocations.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s AllocatorStats
	for _, list := range a.blocks {
		for _, b := range list {
			s.Blocks++
			s.BlockBytes += b.Size
			s.Allocations += b.sub.Len()
			s.AllocationBytes += b.Used()
		}
	}
	return s
}

// Budgets reports the allocator's usage per memory heap.
func (a *Allocator) Budgets() []HeapBudget {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := make([]HeapBudget, len(a.props.Heaps))
	for i, h := range a.props.Heaps {
		ret[i] = HeapBudget{Heap: i, HeapSize: h.Size, DeviceLocal: h.DeviceLocal}
	}
	for typeIndex, list := range a.blocks {
		heap := int(a.props.Types[typeIndex].HeapIndex)
		if heap >= len(ret) {
			continue
		}
		for _, b := range list {
			ret[heap].Blocks++
			ret[heap].BlockBytes += b.Size
			ret[heap].Allocations += b.sub.Len()
			ret[heap].AllocationBytes += b.Used()
		}
	}
	return ret
}

// Destroy releases every block, live allocations included, and returns the
// number of allocations that were still live.
func (a *Allocator) Destroy() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := a.count
	for t, list := range a.blocks {
		for _, b := range list {
			b.release(a.backend)
		}
		delete(a.blocks, t)
	}
	a.count = 0
	return live
}
