package vkg

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommands(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{QueueFamilyIndex: 2, InitialCommandBufferCount: 3})
	require.NoError(t, err)

	assert.Equal(t, 1, backend.pools)
	assert.Len(t, c.CommandBuffers(), 3)
	assert.Equal(t, 3, backend.liveBuffers())
	assert.Equal(t, uint32(2), c.QueueFamilyIndex())
	assert.Same(t, backend.queueFor(2), c.queue)

	assert.NotNil(t, c.CommandBuffer(2))
	assert.Nil(t, c.CommandBuffer(3))
	assert.Nil(t, c.CommandBuffer(-1))
}

func TestNewCommandsDefaults(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)
	assert.Len(t, c.CommandBuffers(), 1)
}

func TestNewCommandsAllocateFailure(t *testing.T) {
	backend := newFakeCommands()
	backend.failAllocate = errors.New("out of pool memory")

	_, err := newCommands(backend, CommandsConfig{})
	assert.Error(t, err)
	assert.Equal(t, 0, backend.pools, "pool is destroyed again")
}

func TestAllocateCommandBuffers(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)

	_, err = c.AllocateCommandBuffers(0, vk.CommandBufferLevelPrimary)
	assert.ErrorIs(t, err, ErrInvalidSize)

	cbs, err := c.AllocateCommandBuffers(4, vk.CommandBufferLevelSecondary)
	require.NoError(t, err)
	assert.Len(t, cbs, 4)
	assert.Equal(t, 5, backend.liveBuffers())

	c.FreeCommandBuffers(cbs)
	c.FreeCommandBuffer(nil)
	assert.Equal(t, 1, backend.liveBuffers())
}

func TestSubmitCommandBuffersValidation(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)

	err = c.SubmitCommandBuffers(SubmitInfo{})
	assert.ErrorIs(t, err, ErrNoCommandBuffers)

	var sem vk.Semaphore
	err = c.SubmitCommandBuffers(SubmitInfo{
		CommandBuffers: c.CommandBuffers(),
		WaitSemaphores: []vk.Semaphore{sem},
	})
	assert.ErrorIs(t, err, ErrWaitStageMismatch)
	assert.Empty(t, backend.submitted())
}

func TestSubmitCommandBuffers(t *testing.T) {
	backend := newFakeCommands()
	fences := newFakeFences()
	c, err := newCommands(backend, CommandsConfig{QueueFamilyIndex: 1})
	require.NoError(t, err)
	fence, err := fences.CreateFence(false)
	require.NoError(t, err)

	var sem vk.Semaphore
	require.NoError(t, c.SubmitCommandBuffers(SubmitInfo{
		CommandBuffers: c.CommandBuffers(),
		WaitSemaphores: []vk.Semaphore{sem},
		WaitStages:     []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		Fence:          fence,
	}))

	other := &Queue{FamilyIndex: 0, VKQueue: backend.queueFor(0)}
	require.NoError(t, c.SubmitCommandBuffers(SubmitInfo{CommandBuffers: c.CommandBuffers(), Queue: other}))

	subs := backend.submitted()
	require.Len(t, subs, 2)
	assert.Same(t, backend.queueFor(1), subs[0].queue)
	assert.Same(t, fence, subs[0].fence)
	assert.Equal(t, 1, subs[0].buffers)
	assert.Equal(t, 1, subs[0].waits)
	assert.Same(t, backend.queueFor(0), subs[1].queue)
	assert.True(t, subs[1].fence == vk.NullFence)
}

func TestSignalFence(t *testing.T) {
	backend := newFakeCommands()
	backend.fences = newFakeFences()
	c, err := newCommands(backend, CommandsConfig{QueueFamilyIndex: 1})
	require.NoError(t, err)
	fence, err := backend.fences.CreateFence(false)
	require.NoError(t, err)

	var sem vk.Semaphore
	assert.ErrorIs(t, c.SignalFence(fence, []vk.Semaphore{sem}, nil), ErrWaitStageMismatch)
	require.NoError(t, c.SignalFence(fence, []vk.Semaphore{sem},
		[]vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}))

	subs := backend.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, 0, subs[0].buffers)
	assert.Equal(t, 1, subs[0].waits)
	assert.Same(t, backend.queueFor(1), subs[0].queue)
	signaled, err := backend.fences.FenceSignaled(fence)
	require.NoError(t, err)
	assert.True(t, signaled)
}

func TestExecuteImmediate(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)

	var recorded vk.CommandBuffer
	require.NoError(t, c.ExecuteImmediate(func(cb vk.CommandBuffer) {
		recorded = cb
	}))
	assert.NotNil(t, recorded)
	assert.Len(t, backend.submitted(), 1)
	assert.Equal(t, 1, backend.waitIdles)
	assert.Equal(t, 1, backend.liveBuffers(), "single-time buffer is freed")
	assert.Empty(t, backend.recording)
}

func TestExecuteImmediatePanic(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)

	err = c.ExecuteImmediate(func(cb vk.CommandBuffer) {
		panic("bad barrier")
	})
	assert.ErrorIs(t, err, ErrRecordingPanicked)
	assert.Contains(t, err.Error(), "bad barrier")
	assert.Empty(t, backend.submitted())
	assert.Equal(t, 1, backend.liveBuffers())
}

func TestExecuteImmediateSubmitFailure(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{})
	require.NoError(t, err)
	backend.failSubmit = errors.New("device lost")

	assert.Error(t, c.ExecuteImmediate(func(vk.CommandBuffer) {}))
	assert.Equal(t, 0, backend.waitIdles)
	assert.Equal(t, 1, backend.liveBuffers())
}

func TestCommandsDestroy(t *testing.T) {
	backend := newFakeCommands()
	c, err := newCommands(backend, CommandsConfig{InitialCommandBufferCount: 2})
	require.NoError(t, err)
	require.NoError(t, c.ResetCommandPool(0))
	assert.Equal(t, 1, backend.resets)

	c.Destroy()
	assert.Equal(t, 0, backend.pools)
	assert.Equal(t, 0, backend.liveBuffers())
	assert.Empty(t, c.CommandBuffers())

	c.Destroy()
	assert.Equal(t, 0, backend.pools)
}
