package vkg

import (
	"sync"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// handles hands out distinct, never dereferenced handle values. They start
// above any address the Go runtime could treat as an invalid pointer.
type handles struct {
	mu sync.Mutex
	n  uintptr
}

func (h *handles) next() unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		h.n = fakeHandleBase
	}
	h.n += 8
	return unsafe.Add(unsafe.Pointer(nil), h.n)
}

const fakeHandleBase = 1 << 40

// testMemoryProperties models a discrete GPU: device local VRAM, coherent
// system RAM and a small non-coherent host visible VRAM window.
func testMemoryProperties() MemoryProperties {
	return MemoryProperties{
		Types: []MemoryType{
			{PropertyFlags: memDeviceLocal, HeapIndex: 0},
			{PropertyFlags: memHostVisible | memHostCoherent, HeapIndex: 1},
			{PropertyFlags: memHostVisible | memDeviceLocal, HeapIndex: 0},
		},
		Heaps: []MemoryHeap{
			{Size: 8 << 30, DeviceLocal: true},
			{Size: 16 << 30},
		},
		NonCoherentAtomSize:    64,
		BufferImageGranularity: 1,
	}
}

type rangeCall struct {
	mem          vk.DeviceMemory
	offset, size uint64
}

// fakeDevice implements resourceBackend in Go memory.
type fakeDevice struct {
	handles
	props       MemoryProperties
	features    map[vk.Format]FormatFeatures
	depth       vk.Format
	requirement MemoryRequirements

	memory      map[vk.DeviceMemory]uint64
	host        map[vk.DeviceMemory][]byte
	allocs      int
	maps        int
	flushes     []rangeCall
	invalidates []rangeCall

	buffers    map[vk.Buffer]bool
	images     map[vk.Image]ImageCreateInfo
	views      map[vk.ImageView]bool
	destroyLog []string

	failAllocate     error
	failCreateBuffer error
	failCreateView   error
}

func newFakeDevice() *fakeDevice {
	linear := FormatFeatures{Optimal: vk.FormatFeatureFlags(vk.FormatFeatureSampledImageFilterLinearBit | vk.FormatFeatureSampledImageBit)}
	return &fakeDevice{
		props: testMemoryProperties(),
		features: map[vk.Format]FormatFeatures{
			vk.FormatR8g8b8a8Unorm: linear,
			vk.FormatR8g8b8a8Srgb:  linear,
		},
		depth:       vk.FormatD24UnormS8Uint,
		requirement: MemoryRequirements{Alignment: 16, TypeBits: 0b111},
		memory:      map[vk.DeviceMemory]uint64{},
		host:        map[vk.DeviceMemory][]byte{},
		buffers:     map[vk.Buffer]bool{},
		images:      map[vk.Image]ImageCreateInfo{},
		views:       map[vk.ImageView]bool{},
	}
}

func (f *fakeDevice) allocateMemory(size uint64, typeIndex uint32) (vk.DeviceMemory, error) {
	if f.failAllocate != nil {
		var none vk.DeviceMemory
		return none, f.failAllocate
	}
	mem := vk.DeviceMemory(f.next())
	f.memory[mem] = size
	f.allocs++
	return mem, nil
}

func (f *fakeDevice) freeMemory(mem vk.DeviceMemory) {
	delete(f.memory, mem)
	delete(f.host, mem)
}

func (f *fakeDevice) mapMemory(mem vk.DeviceMemory, size uint64) (unsafe.Pointer, error) {
	f.maps++
	buf := make([]byte, size)
	f.host[mem] = buf
	return unsafe.Pointer(&buf[0]), nil
}

func (f *fakeDevice) unmapMemory(mem vk.DeviceMemory) {}

func (f *fakeDevice) flushMemory(mem vk.DeviceMemory, offset, size uint64) error {
	f.flushes = append(f.flushes, rangeCall{mem, offset, size})
	return nil
}

func (f *fakeDevice) invalidateMemory(mem vk.DeviceMemory, offset, size uint64) error {
	f.invalidates = append(f.invalidates, rangeCall{mem, offset, size})
	return nil
}

func (f *fakeDevice) memoryProperties() MemoryProperties { return f.props }

func (f *fakeDevice) formatFeatures(format vk.Format) FormatFeatures { return f.features[format] }

func (f *fakeDevice) depthFormat() (vk.Format, error) { return f.depth, nil }

func (f *fakeDevice) requirements(size uint64) MemoryRequirements {
	req := f.requirement
	req.Size = alignUp(size, req.Alignment)
	return req
}

func (f *fakeDevice) createBuffer(size uint64, usage vk.BufferUsageFlags) (vk.Buffer, MemoryRequirements, error) {
	if f.failCreateBuffer != nil {
		return vk.NullBuffer, MemoryRequirements{}, f.failCreateBuffer
	}
	b := vk.Buffer(f.next())
	f.buffers[b] = true
	return b, f.requirements(size), nil
}

func (f *fakeDevice) bindBufferMemory(buffer vk.Buffer, mem vk.DeviceMemory, offset uint64) error {
	return nil
}

func (f *fakeDevice) destroyBuffer(buffer vk.Buffer) {
	delete(f.buffers, buffer)
	f.destroyLog = append(f.destroyLog, "buffer")
}

func (f *fakeDevice) createImage(info ImageCreateInfo) (vk.Image, MemoryRequirements, error) {
	img := vk.Image(f.next())
	f.images[img] = info
	bpp := uint64(4)
	return img, f.requirements(uint64(info.Width) * uint64(info.Height) * bpp), nil
}

func (f *fakeDevice) bindImageMemory(image vk.Image, mem vk.DeviceMemory, offset uint64) error {
	return nil
}

func (f *fakeDevice) createImageView(image vk.Image, format vk.Format, aspect vk.ImageAspectFlags, mipLevels, layers uint32) (vk.ImageView, error) {
	if f.failCreateView != nil {
		return vk.NullImageView, f.failCreateView
	}
	v := vk.ImageView(f.next())
	f.views[v] = true
	return v, nil
}

func (f *fakeDevice) destroyImageView(view vk.ImageView) {
	delete(f.views, view)
	f.destroyLog = append(f.destroyLog, "view")
}

func (f *fakeDevice) destroyImage(image vk.Image) {
	delete(f.images, image)
	f.destroyLog = append(f.destroyLog, "image")
}

// fakeSubmitter counts single-time submissions without running the
// recording function, which would need a live command buffer.
type fakeSubmitter struct {
	calls int
	err   error
}

func (s *fakeSubmitter) ExecuteImmediate(record func(cb vk.CommandBuffer)) error {
	s.calls++
	return s.err
}

// fakeFences implements fenceBackend. Fences signal when signal is called
// or, with autoSignal, on the first status query.
type fakeFences struct {
	handles
	mu         sync.Mutex
	state      map[vk.Fence]bool
	destroyed  int
	resets     int
	waits      int
	autoSignal bool
	waitErr    error
	statusErr  error
}

func newFakeFences() *fakeFences {
	return &fakeFences{state: map[vk.Fence]bool{}}
}

func (f *fakeFences) CreateFence(signaled bool) (vk.Fence, error) {
	fence := vk.Fence(f.next())
	f.mu.Lock()
	f.state[fence] = signaled
	f.mu.Unlock()
	return fence, nil
}

func (f *fakeFences) DestroyFence(fence vk.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, fence)
	f.destroyed++
}

func (f *fakeFences) FenceSignaled(fence vk.Fence) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return false, f.statusErr
	}
	if f.autoSignal {
		f.state[fence] = true
	}
	return f.state[fence], nil
}

func (f *fakeFences) WaitForFences(ts time.Duration, fences ...vk.Fence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return f.waitErr
}

func (f *fakeFences) ResetFences(fences ...vk.Fence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fence := range fences {
		f.state[fence] = false
	}
	f.resets++
	return nil
}

func (f *fakeFences) signal(fence vk.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[fence] = true
}

func (f *fakeFences) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state)
}

type submission struct {
	queue   vk.Queue
	buffers int
	waits   int
	fence   vk.Fence
}

// fakeCommands implements commandBackend.
type fakeCommands struct {
	handles
	mu          sync.Mutex
	pools       int
	live        map[vk.CommandBuffer]bool
	recording   map[vk.CommandBuffer]bool
	submissions []submission
	waitIdles   int
	resets      int

	failAllocate error
	failBegin    error
	failSubmit   error
	// fences, when set, signals the fence of every accepted submission.
	fences *fakeFences
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		live:      map[vk.CommandBuffer]bool{},
		recording: map[vk.CommandBuffer]bool{},
	}
}

func (f *fakeCommands) createCommandPool(family uint32, flags vk.CommandPoolCreateFlags) (vk.CommandPool, error) {
	f.mu.Lock()
	f.pools++
	f.mu.Unlock()
	return vk.CommandPool(f.next()), nil
}

func (f *fakeCommands) destroyCommandPool(pool vk.CommandPool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools--
}

func (f *fakeCommands) resetCommandPool(pool vk.CommandPool, flags vk.CommandPoolResetFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeCommands) allocateCommandBuffers(pool vk.CommandPool, count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error) {
	if f.failAllocate != nil {
		return nil, f.failAllocate
	}
	ret := make([]vk.CommandBuffer, count)
	for i := range ret {
		ret[i] = vk.CommandBuffer(f.next())
	}
	f.mu.Lock()
	for _, cb := range ret {
		f.live[cb] = true
	}
	f.mu.Unlock()
	return ret, nil
}

func (f *fakeCommands) freeCommandBuffers(pool vk.CommandPool, buffers []vk.CommandBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cb := range buffers {
		delete(f.live, cb)
	}
}

func (f *fakeCommands) beginCommandBuffer(cb vk.CommandBuffer, usage vk.CommandBufferUsageFlags) error {
	if f.failBegin != nil {
		return f.failBegin
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording[cb] = true
	return nil
}

func (f *fakeCommands) endCommandBuffer(cb vk.CommandBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recording, cb)
	return nil
}

func (f *fakeCommands) queueSubmit(queue vk.Queue, batch vk.SubmitInfo, fence vk.Fence) error {
	if f.failSubmit != nil {
		return f.failSubmit
	}
	if f.fences != nil && fence != vk.NullFence {
		f.fences.signal(fence)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{
		queue:   queue,
		buffers: int(batch.CommandBufferCount),
		waits:   int(batch.WaitSemaphoreCount),
		fence:   fence,
	})
	return nil
}

func (f *fakeCommands) queueWaitIdle(queue vk.Queue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitIdles++
	return nil
}

func (f *fakeCommands) queueFor(family uint32) vk.Queue {
	return vk.Queue(unsafe.Add(unsafe.Pointer(nil), fakeHandleBase-0x1000+uintptr(family)*8))
}

func (f *fakeCommands) liveBuffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeCommands) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

// fakePlatform implements Platform and windowControl.
type fakePlatform struct {
	mu         sync.Mutex
	sizes      [][2]int
	waits      int
	sizeCalls  [][2]int
	fullscreen []bool
	onResize   []func(int, int)
}

func (p *fakePlatform) RequiredInstanceExtensions() []string { return []string{"VK_KHR_surface"} }

func (p *fakePlatform) CreateSurface(vk.Instance) (vk.Surface, error) {
	return vk.NullSurface, nil
}

// FramebufferSize returns the queued sizes one by one, then the last one.
func (p *fakePlatform) FramebufferSize() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sizes) == 0 {
		return 800, 600
	}
	s := p.sizes[0]
	if len(p.sizes) > 1 {
		p.sizes = p.sizes[1:]
	}
	return s[0], s[1]
}

func (p *fakePlatform) WaitEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
}

func (p *fakePlatform) SetSize(width, height int) {
	p.sizeCalls = append(p.sizeCalls, [2]int{width, height})
}

func (p *fakePlatform) SetFullscreen(fullscreen bool, width, height int) {
	p.fullscreen = append(p.fullscreen, fullscreen)
}

func (p *fakePlatform) OnFramebufferResize(fn func(int, int)) {
	p.onResize = append(p.onResize, fn)
}
