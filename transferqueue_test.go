package vkg

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransferQueue(t *testing.T, maxPending int) (*TransferQueue, *fakeCommands, *fakeFences) {
	t.Helper()
	backend := newFakeCommands()
	commands, err := newCommands(backend, CommandsConfig{QueueFamilyIndex: 1})
	require.NoError(t, err)
	fences := newFakeFences()
	return newTransferQueue(commands, fences, maxPending), backend, fences
}

func nopRecord(vk.CommandBuffer) {}

func TestTransferQueueSubmit(t *testing.T) {
	tq, backend, fences := newTestTransferQueue(t, 2)
	cleaned := 0

	tk, err := tq.Submit(context.Background(), nopRecord, func() { cleaned++ })
	require.NoError(t, err)
	assert.Equal(t, 1, tq.Pending())
	assert.False(t, tk.Done())
	assert.Equal(t, 0, cleaned)

	subs := backend.submitted()
	require.Len(t, subs, 1)
	assert.Same(t, tk.fence, subs[0].fence)
	assert.Same(t, backend.queueFor(1), subs[0].queue)
	assert.Empty(t, backend.recording, "batch is ended before submission")

	fences.signal(tk.fence)
	assert.True(t, tk.Done())
	assert.NoError(t, tk.Err())
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, tq.Pending())
	assert.Equal(t, 0, fences.live())
	assert.Equal(t, 1, backend.liveBuffers(), "batch buffer is freed")

	assert.True(t, tk.Done())
	assert.Equal(t, 1, cleaned, "cleanup runs once")
}

func TestTransferQueueFreeWaitsForRecording(t *testing.T) {
	tq, backend, fences := newTestTransferQueue(t, 2)
	first, err := tq.Submit(context.Background(), nopRecord)
	require.NoError(t, err)
	fences.signal(first.fence)

	started := make(chan struct{})
	release := make(chan struct{})
	submitted := make(chan error, 1)
	go func() {
		_, err := tq.Submit(context.Background(), func(vk.CommandBuffer) {
			close(started)
			<-release
		})
		submitted <- err
	}()
	<-started

	var freed atomic.Bool
	go func() {
		first.Done()
		freed.Store(true)
	}()
	assert.Never(t, freed.Load, 50*time.Millisecond, 5*time.Millisecond, "no free while a batch is recorded")

	close(release)
	require.NoError(t, <-submitted)
	assert.Eventually(t, freed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, backend.liveBuffers(), "pool buffer and the second batch")
}

func TestTransferQueueBounded(t *testing.T) {
	tq, _, fences := newTestTransferQueue(t, 1)

	first, err := tq.Submit(context.Background(), nopRecord)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cleaned := false
	_, err = tq.Submit(ctx, nopRecord, func() { cleaned = true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cleaned)
	assert.Equal(t, 1, tq.Pending())

	fences.signal(first.fence)
	assert.Equal(t, 0, tq.Collect())

	_, err = tq.Submit(context.Background(), nopRecord)
	assert.NoError(t, err)
	assert.Equal(t, 1, tq.Collect())
}

func TestTransferTicketWait(t *testing.T) {
	tq, _, fences := newTestTransferQueue(t, 2)
	fences.autoSignal = true
	cleaned := false

	tk, err := tq.Submit(context.Background(), nopRecord, func() { cleaned = true })
	require.NoError(t, err)
	require.NoError(t, tk.Wait(context.Background()))
	assert.True(t, cleaned)
	assert.Equal(t, 0, tq.Pending())
}

func TestTransferTicketWaitCanceled(t *testing.T) {
	tq, _, fences := newTestTransferQueue(t, 2)

	tk, err := tq.Submit(context.Background(), nopRecord)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tk.Wait(ctx), context.Canceled)
	assert.Equal(t, 1, tq.Pending(), "batch is still in flight")
	assert.Positive(t, fences.waits)
}

func TestTransferTicketDeviceLost(t *testing.T) {
	tq, _, fences := newTestTransferQueue(t, 2)
	fences.waitErr = errors.Wrap(ErrDeviceLost, "wait for fences")

	tk, err := tq.Submit(context.Background(), nopRecord)
	require.NoError(t, err)

	err = tk.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.True(t, tk.Done())
	assert.ErrorIs(t, tk.Err(), ErrDeviceLost)
	assert.Equal(t, 0, tq.Pending())
}

func TestTransferTicketStatusError(t *testing.T) {
	tq, _, fences := newTestTransferQueue(t, 2)
	want := errors.New("status failed")

	tk, err := tq.Submit(context.Background(), nopRecord)
	require.NoError(t, err)
	fences.statusErr = want

	assert.True(t, tk.Done())
	assert.ErrorIs(t, tk.Err(), want)
	assert.Equal(t, 0, tq.Pending())
}

func TestTransferQueueRecordPanic(t *testing.T) {
	tq, backend, fences := newTestTransferQueue(t, 1)
	cleaned := false

	_, err := tq.Submit(context.Background(), func(vk.CommandBuffer) { panic("boom") }, func() { cleaned = true })
	assert.ErrorIs(t, err, ErrRecordingPanicked)
	assert.True(t, cleaned)
	assert.Empty(t, backend.submitted())
	assert.Equal(t, 1, backend.liveBuffers())
	assert.Equal(t, 0, fences.live())

	_, err = tq.Submit(context.Background(), nopRecord)
	assert.NoError(t, err, "slot was released")
}

func TestTransferQueueSubmitFailure(t *testing.T) {
	tq, backend, fences := newTestTransferQueue(t, 1)
	backend.failSubmit = errors.New("queue submit failed")

	_, err := tq.Submit(context.Background(), nopRecord)
	assert.Error(t, err)
	assert.Equal(t, 0, fences.live())
	assert.Equal(t, 1, fences.destroyed)
	assert.Equal(t, 0, tq.Pending())
}

func TestTransferQueueDestroy(t *testing.T) {
	tq, backend, fences := newTestTransferQueue(t, 4)
	cleaned := 0
	for i := 0; i < 3; i++ {
		_, err := tq.Submit(context.Background(), nopRecord, func() { cleaned++ })
		require.NoError(t, err)
	}
	fences.autoSignal = true

	tq.Destroy()
	assert.Equal(t, 3, cleaned)
	assert.Equal(t, 0, tq.Pending())
	assert.Equal(t, 0, backend.pools)
	assert.Equal(t, 0, backend.liveBuffers())
}
