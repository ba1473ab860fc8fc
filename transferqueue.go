package vkg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// fenceBackend is the fence API of the device.
type fenceBackend interface {
	CreateFence(signaled bool) (vk.Fence, error)
	DestroyFence(f vk.Fence)
	FenceSignaled(f vk.Fence) (bool, error)
	WaitForFences(ts time.Duration, fences ...vk.Fence) error
	ResetFences(fences ...vk.Fence) error
}

// transferPollInterval bounds each fence wait inside TransferTicket.Wait so
// the context is checked regularly.
const transferPollInterval = 2 * time.Millisecond

// TransferQueue submits upload batches without waiting for them. Every
// batch has its own fence, independent from the frame ring, and at most
// maxPending batches are in flight at once.
//
// Submit shares the device queue with the frame loop and must be called
// from the goroutine driving the Renderer. Tickets may be waited on and
// collected from any goroutine.
type TransferQueue struct {
	commands *Commands
	fences   fenceBackend
	slots    *semaphore.Weighted

	// pool is held while a batch is recorded and while its buffer is freed
	pool sync.Mutex

	mu      sync.Mutex
	pending []*TransferTicket
}

// TransferTicket tracks one submitted batch.
type TransferTicket struct {
	q       *TransferQueue
	cb      vk.CommandBuffer
	fence   vk.Fence
	cleanup []func()

	mu   sync.Mutex
	done bool
	err  error
}

// NewTransferQueue creates a transfer queue with its own command pool on
// family. maxPending below one means one.
func NewTransferQueue(device *Device, family uint32, maxPending int) (*TransferQueue, error) {
	if device == nil || isNull(device.VKDevice) {
		return nil, errors.Wrap(ErrNotInitialized, "transfer queue needs a device")
	}
	commands, err := NewCommands(device, CommandsConfig{
		QueueFamilyIndex: family,
		PoolFlags:        vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit | vk.CommandPoolCreateTransientBit),
	})
	if err != nil {
		return nil, errors.Wrap(err, "transfer command pool")
	}
	return newTransferQueue(commands, device, maxPending), nil
}

func newTransferQueue(commands *Commands, fences fenceBackend, maxPending int) *TransferQueue {
	if maxPending < 1 {
		maxPending = 1
	}
	return &TransferQueue{
		commands: commands,
		fences:   fences,
		slots:    semaphore.NewWeighted(int64(maxPending)),
	}
}

// Submit records a batch with record and submits it. It blocks while the
// maximum number of batches is in flight, until ctx is done. cleanup runs
// once the batch has completed or failed.
func (t *TransferQueue) Submit(ctx context.Context, record func(cb vk.CommandBuffer), cleanup ...func()) (*TransferTicket, error) {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		runAll(cleanup)
		return nil, errors.Wrap(err, "wait for transfer slot")
	}
	tk, err := t.submit(record, cleanup)
	if err != nil {
		t.slots.Release(1)
		runAll(cleanup)
		return nil, err
	}
	t.mu.Lock()
	t.pending = append(t.pending, tk)
	t.mu.Unlock()
	return tk, nil
}

func (t *TransferQueue) submit(record func(cb vk.CommandBuffer), cleanup []func()) (*TransferTicket, error) {
	t.pool.Lock()
	defer t.pool.Unlock()
	cb, err := t.commands.BeginSingleTimeCommands()
	if err != nil {
		return nil, err
	}
	if err := recordSafely(cb, record); err != nil {
		t.commands.FreeCommandBuffer(cb)
		return nil, err
	}
	if err := t.commands.EndRecording(cb); err != nil {
		t.commands.FreeCommandBuffer(cb)
		return nil, err
	}
	fence, err := t.fences.CreateFence(false)
	if err != nil {
		t.commands.FreeCommandBuffer(cb)
		return nil, err
	}
	if err := t.commands.SubmitCommandBuffers(SubmitInfo{CommandBuffers: []vk.CommandBuffer{cb}, Fence: fence}); err != nil {
		t.fences.DestroyFence(fence)
		t.commands.FreeCommandBuffer(cb)
		return nil, err
	}
	return &TransferTicket{q: t, cb: cb, fence: fence, cleanup: cleanup}, nil
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// complete releases the ticket's resources once. Callers hold tk.mu.
func (tk *TransferTicket) complete(err error) {
	if tk.done {
		return
	}
	tk.done = true
	tk.err = err
	tk.q.fences.DestroyFence(tk.fence)
	tk.q.pool.Lock()
	tk.q.commands.FreeCommandBuffer(tk.cb)
	tk.q.pool.Unlock()
	runAll(tk.cleanup)
	tk.q.slots.Release(1)

	tk.q.mu.Lock()
	for i, p := range tk.q.pending {
		if p == tk {
			tk.q.pending = append(tk.q.pending[:i], tk.q.pending[i+1:]...)
			break
		}
	}
	tk.q.mu.Unlock()
}

// poll checks the fence without blocking.
func (tk *TransferTicket) poll() bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.done {
		return true
	}
	signaled, err := tk.q.fences.FenceSignaled(tk.fence)
	if err != nil {
		tk.complete(err)
		return true
	}
	if signaled {
		tk.complete(nil)
	}
	return signaled
}

// Done reports whether the batch has finished, releasing its resources if so.
func (tk *TransferTicket) Done() bool {
	return tk.poll()
}

// Err is the batch's failure, if any, once Done reports true.
func (tk *TransferTicket) Err() error {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.err
}

// Wait blocks until the batch completes or ctx is done.
func (tk *TransferTicket) Wait(ctx context.Context) error {
	for {
		if tk.poll() {
			return tk.Err()
		}
		tk.mu.Lock()
		fence := tk.fence
		tk.mu.Unlock()
		err := tk.q.fences.WaitForFences(transferPollInterval, fence)
		if errors.Is(err, ErrDeviceLost) {
			tk.mu.Lock()
			tk.complete(err)
			tk.mu.Unlock()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Collect releases every finished batch and returns how many are still
// in flight.
func (t *TransferQueue) Collect() int {
	t.mu.Lock()
	pending := append([]*TransferTicket(nil), t.pending...)
	t.mu.Unlock()
	for _, tk := range pending {
		tk.poll()
	}
	return t.Pending()
}

// Pending is the number of batches in flight.
func (t *TransferQueue) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Destroy waits for every batch and releases the command pool.
func (t *TransferQueue) Destroy() {
	t.mu.Lock()
	pending := append([]*TransferTicket(nil), t.pending...)
	t.mu.Unlock()
	for _, tk := range pending {
		if err := tk.Wait(context.Background()); err != nil {
			Logger().Warn("transfer failed during shutdown", slog.Any("err", err))
		}
	}
	t.commands.Destroy()
}

// UploadBufferAsync copies data into dst at offset on the transfer queue.
// The staging buffer is destroyed when the batch completes.
func (rm *ResourceManager) UploadBufferAsync(ctx context.Context, tq *TransferQueue, dst AllocatedBuffer, offset uint64, data []byte) (*TransferTicket, error) {
	size := uint64(len(data))
	if size == 0 {
		return nil, errors.Wrap(ErrInvalidSize, "upload of zero bytes")
	}
	staging, err := rm.CreateStagingBuffer(size)
	if err != nil {
		return nil, err
	}
	if err := rm.checkCopy(staging, dst, size, 0, offset); err != nil {
		_ = rm.DestroyBuffer(staging)
		return nil, err
	}
	if err := rm.WriteBuffer(staging, 0, data); err != nil {
		_ = rm.DestroyBuffer(staging)
		return nil, err
	}
	return tq.Submit(ctx, func(cb vk.CommandBuffer) {
		recordCopyBuffer(cb, staging.Buffer, dst.Buffer, size, 0, offset)
	}, func() {
		if err := rm.DestroyBuffer(staging); err != nil {
			Logger().Warn("releasing staging buffer", slog.Any("err", err))
		}
	})
}
