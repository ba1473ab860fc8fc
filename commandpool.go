package vkg

import (
	"fmt"
	"log/slog"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// commandBackend is the slice of the device the command layer talks to.
type commandBackend interface {
	createCommandPool(family uint32, flags vk.CommandPoolCreateFlags) (vk.CommandPool, error)
	destroyCommandPool(pool vk.CommandPool)
	resetCommandPool(pool vk.CommandPool, flags vk.CommandPoolResetFlags) error
	allocateCommandBuffers(pool vk.CommandPool, count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error)
	freeCommandBuffers(pool vk.CommandPool, buffers []vk.CommandBuffer)
	beginCommandBuffer(cb vk.CommandBuffer, usage vk.CommandBufferUsageFlags) error
	endCommandBuffer(cb vk.CommandBuffer) error
	queueSubmit(queue vk.Queue, batch vk.SubmitInfo, fence vk.Fence) error
	queueWaitIdle(queue vk.Queue) error
	queueFor(family uint32) vk.Queue
}

// CommandsConfig configures NewCommands.
type CommandsConfig struct {
	QueueFamilyIndex uint32
	// PoolFlags default to resettable command buffers.
	PoolFlags vk.CommandPoolCreateFlags
	// InitialCommandBufferCount primary buffers are allocated up front;
	// zero means one.
	InitialCommandBufferCount int
}

// SubmitInfo describes one queue submission.
type SubmitInfo struct {
	CommandBuffers   []vk.CommandBuffer
	WaitSemaphores   []vk.Semaphore
	WaitStages       []vk.PipelineStageFlags
	SignalSemaphores []vk.Semaphore
	// Fence is signaled on completion when not null.
	Fence vk.Fence
	// Queue defaults to the queue of the pool's family.
	Queue *Queue
}

func (s SubmitInfo) validate() error {
	if len(s.CommandBuffers) == 0 {
		return ErrNoCommandBuffers
	}
	if len(s.WaitSemaphores) != len(s.WaitStages) {
		return errors.Wrapf(ErrWaitStageMismatch, "%d semaphores, %d stages", len(s.WaitSemaphores), len(s.WaitStages))
	}
	return nil
}

func (s SubmitInfo) vkInfo() vk.SubmitInfo {
	return vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(s.WaitSemaphores)),
		PWaitSemaphores:      s.WaitSemaphores,
		PWaitDstStageMask:    s.WaitStages,
		CommandBufferCount:   uint32(len(s.CommandBuffers)),
		PCommandBuffers:      s.CommandBuffers,
		SignalSemaphoreCount: uint32(len(s.SignalSemaphores)),
		PSignalSemaphores:    s.SignalSemaphores,
	}
}

// Commands owns one command pool, its steady state command buffers and
// the transient buffers used for single-time work.
type Commands struct {
	backend commandBackend
	family  uint32
	queue   vk.Queue

	// the pool is externally synchronized
	mu      sync.Mutex
	pool    vk.CommandPool
	buffers []vk.CommandBuffer
}

// NewCommands creates the pool on device and allocates the initial
// command buffers.
func NewCommands(device *Device, cfg CommandsConfig) (*Commands, error) {
	if device == nil || isNull(device.VKDevice) {
		return nil, errors.Wrap(ErrNotInitialized, "commands need a device")
	}
	return newCommands(device, cfg)
}

func newCommands(backend commandBackend, cfg CommandsConfig) (*Commands, error) {
	if cfg.PoolFlags == 0 {
		cfg.PoolFlags = vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit)
	}
	if cfg.InitialCommandBufferCount <= 0 {
		cfg.InitialCommandBufferCount = 1
	}
	pool, err := backend.createCommandPool(cfg.QueueFamilyIndex, cfg.PoolFlags)
	if err != nil {
		return nil, err
	}
	c := &Commands{
		backend: backend,
		family:  cfg.QueueFamilyIndex,
		queue:   backend.queueFor(cfg.QueueFamilyIndex),
		pool:    pool,
	}
	c.buffers, err = backend.allocateCommandBuffers(pool, cfg.InitialCommandBufferCount, vk.CommandBufferLevelPrimary)
	if err != nil {
		backend.destroyCommandPool(pool)
		return nil, errors.Wrap(err, "allocate initial command buffers")
	}
	Logger().Debug("command pool created",
		slog.Int("family", int(cfg.QueueFamilyIndex)),
		slog.Int("buffers", len(c.buffers)))
	return c, nil
}

// AllocateCommandBuffer allocates one buffer of level from the pool.
func (c *Commands) AllocateCommandBuffer(level vk.CommandBufferLevel) (vk.CommandBuffer, error) {
	cbs, err := c.AllocateCommandBuffers(1, level)
	if err != nil {
		return nil, err
	}
	return cbs[0], nil
}

// AllocateCommandBuffers allocates count buffers of level from the pool.
func (c *Commands) AllocateCommandBuffers(count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error) {
	if count <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "%d command buffers", count)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.allocateCommandBuffers(c.pool, count, level)
}

func (c *Commands) FreeCommandBuffer(cb vk.CommandBuffer) {
	if isNull(cb) {
		return
	}
	c.FreeCommandBuffers([]vk.CommandBuffer{cb})
}

func (c *Commands) FreeCommandBuffers(cbs []vk.CommandBuffer) {
	if len(cbs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend.freeCommandBuffers(c.pool, cbs)
}

// BeginRecording begins cb with the given usage flags.
func (c *Commands) BeginRecording(cb vk.CommandBuffer, usage vk.CommandBufferUsageFlags) error {
	return c.backend.beginCommandBuffer(cb, usage)
}

func (c *Commands) EndRecording(cb vk.CommandBuffer) error {
	return c.backend.endCommandBuffer(cb)
}

// BeginSingleTimeCommands allocates a transient primary buffer and begins
// it for one submission.
func (c *Commands) BeginSingleTimeCommands() (vk.CommandBuffer, error) {
	cb, err := c.AllocateCommandBuffer(vk.CommandBufferLevelPrimary)
	if err != nil {
		return nil, err
	}
	if err := c.BeginRecording(cb, vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)); err != nil {
		c.FreeCommandBuffer(cb)
		return nil, err
	}
	return cb, nil
}

// EndSingleTimeCommands ends cb, submits it, waits for the queue to go
// idle and frees it.
func (c *Commands) EndSingleTimeCommands(cb vk.CommandBuffer) error {
	defer c.FreeCommandBuffer(cb)
	if err := c.EndRecording(cb); err != nil {
		return err
	}
	batch := SubmitInfo{CommandBuffers: []vk.CommandBuffer{cb}}.vkInfo()
	if err := c.backend.queueSubmit(c.queue, batch, vk.NullFence); err != nil {
		return err
	}
	return c.backend.queueWaitIdle(c.queue)
}

// ExecuteImmediate records fn into a single-time buffer and runs it to
// completion. A panic in fn is recovered: the buffer is freed unsubmitted
// and ErrRecordingPanicked returned.
func (c *Commands) ExecuteImmediate(fn func(cb vk.CommandBuffer)) error {
	cb, err := c.BeginSingleTimeCommands()
	if err != nil {
		return err
	}
	if err := recordSafely(cb, fn); err != nil {
		c.FreeCommandBuffer(cb)
		return err
	}
	return c.EndSingleTimeCommands(cb)
}

// recordSafely runs record, turning a panic into ErrRecordingPanicked.
func recordSafely(cb vk.CommandBuffer, record func(cb vk.CommandBuffer)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("command recording panicked", slog.Any("panic", r))
			err = errors.Wrap(ErrRecordingPanicked, fmt.Sprint(r))
		}
	}()
	record(cb)
	return nil
}

// SubmitCommandBuffers validates and submits one batch.
func (c *Commands) SubmitCommandBuffers(info SubmitInfo) error {
	if err := info.validate(); err != nil {
		Logger().Warn("rejected submission", slog.Any("err", err))
		return err
	}
	queue := c.queue
	if info.Queue != nil {
		queue = info.Queue.VKQueue
	}
	return c.backend.queueSubmit(queue, info.vkInfo(), info.Fence)
}

// SignalFence submits a batch without command buffers that waits on the
// given semaphores and signals fence. It settles a frame slot whose
// recording or submission failed after the fence was reset.
func (c *Commands) SignalFence(fence vk.Fence, waits []vk.Semaphore, stages []vk.PipelineStageFlags) error {
	info := SubmitInfo{WaitSemaphores: waits, WaitStages: stages, Fence: fence}
	if len(waits) != len(stages) {
		return errors.Wrapf(ErrWaitStageMismatch, "%d semaphores, %d stages", len(waits), len(stages))
	}
	return c.backend.queueSubmit(c.queue, info.vkInfo(), fence)
}

// ResetCommandPool resets every buffer allocated from the pool.
func (c *Commands) ResetCommandPool(flags vk.CommandPoolResetFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.resetCommandPool(c.pool, flags)
}

// CommandBuffer returns the i-th pre-allocated buffer, or nil.
func (c *Commands) CommandBuffer(i int) vk.CommandBuffer {
	if i < 0 || i >= len(c.buffers) {
		return nil
	}
	return c.buffers[i]
}

// CommandBuffers returns the pre-allocated buffers.
func (c *Commands) CommandBuffers() []vk.CommandBuffer {
	return c.buffers
}

// QueueFamilyIndex is the family the pool was created for.
func (c *Commands) QueueFamilyIndex() uint32 {
	return c.family
}

// Destroy frees the pre-allocated buffers and the pool.
func (c *Commands) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isNull(c.pool) {
		return
	}
	if len(c.buffers) > 0 {
		c.backend.freeCommandBuffers(c.pool, c.buffers)
		c.buffers = nil
	}
	c.backend.destroyCommandPool(c.pool)
	var none vk.CommandPool
	c.pool = none
}

func (d *Device) createCommandPool(family uint32, flags vk.CommandPoolCreateFlags) (vk.CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            flags,
		QueueFamilyIndex: family,
	}
	var pool vk.CommandPool
	if err := vkErr(vk.CreateCommandPool(d.VKDevice, &info, nil, &pool), "create command pool"); err != nil {
		var none vk.CommandPool
		return none, err
	}
	return pool, nil
}

func (d *Device) destroyCommandPool(pool vk.CommandPool) {
	vk.DestroyCommandPool(d.VKDevice, pool, nil)
}

func (d *Device) resetCommandPool(pool vk.CommandPool, flags vk.CommandPoolResetFlags) error {
	return vkErr(vk.ResetCommandPool(d.VKDevice, pool, flags), "reset command pool")
}

func (d *Device) allocateCommandBuffers(pool vk.CommandPool, count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              level,
		CommandBufferCount: uint32(count),
	}
	cbs := make([]vk.CommandBuffer, count)
	if err := vkErr(vk.AllocateCommandBuffers(d.VKDevice, &info, cbs), "allocate command buffers"); err != nil {
		return nil, err
	}
	return cbs, nil
}

func (d *Device) freeCommandBuffers(pool vk.CommandPool, buffers []vk.CommandBuffer) {
	vk.FreeCommandBuffers(d.VKDevice, pool, uint32(len(buffers)), buffers)
}

func (d *Device) beginCommandBuffer(cb vk.CommandBuffer, usage vk.CommandBufferUsageFlags) error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: usage,
	}
	return vkErr(vk.BeginCommandBuffer(cb, &info), "begin command buffer")
}

func (d *Device) endCommandBuffer(cb vk.CommandBuffer) error {
	return vkErr(vk.EndCommandBuffer(cb), "end command buffer")
}

func (d *Device) queueSubmit(queue vk.Queue, batch vk.SubmitInfo, fence vk.Fence) error {
	return vkErr(vk.QueueSubmit(queue, 1, []vk.SubmitInfo{batch}, fence), "queue submit")
}

func (d *Device) queueWaitIdle(queue vk.Queue) error {
	return vkErr(vk.QueueWaitIdle(queue), "queue wait idle")
}

// queueFor returns the device queue of family, reusing the queues fetched
// at bring-up.
func (d *Device) queueFor(family uint32) vk.Queue {
	for _, q := range []*Queue{d.GraphicsQueue, d.PresentQueue, d.TransferQueue} {
		if q != nil && q.FamilyIndex == family {
			return q.VKQueue
		}
	}
	return d.queue(family).VKQueue
}
