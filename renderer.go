package vkg

import (
	"log/slog"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// RendererConfig configures NewRenderer.
type RendererConfig struct {
	AppName    string
	AppVersion Version
	Graphics   GraphicsSettings
	Memory     MemorySettings
	// ClearColor is what every frame's swapchain image is cleared to.
	ClearColor [4]float32
	// DeviceExtensions are required in addition to VK_KHR_swapchain.
	DeviceExtensions []string
}

// RendererConfigFrom builds a renderer configuration from a loaded Config.
func RendererConfigFrom(cfg Config) RendererConfig {
	return RendererConfig{
		AppName:    cfg.AppName,
		AppVersion: Version{Major: 1},
		Graphics:   cfg.Graphics,
		Memory:     cfg.Memory,
		ClearColor: [4]float32{0, 0, 0, 1},
	}
}

// Frame is one acquired swapchain image with the frame slot's command
// buffer in the recording state.
type Frame struct {
	// Slot is the frame ring index, ImageIndex the swapchain image.
	Slot          int
	ImageIndex    uint32
	CommandBuffer vk.CommandBuffer
	Image         vk.Image
	ImageView     vk.ImageView
	Extent        vk.Extent2D
}

// Renderer brings up the device, command, resource and swapchain layers
// in dependency order and drives the per-frame loop on top of them.
type Renderer struct {
	platform Platform
	cfg      RendererConfig
	settings GraphicsSettings

	device    *Device
	commands  *Commands
	resources *ResourceManager
	transfers *TransferQueue
	swapchain *Swapchain

	resized     atomic.Bool
	frame       *Frame
	initialized bool
}

// NewRenderer creates an uninitialized renderer on platform.
func NewRenderer(platform Platform, cfg RendererConfig) *Renderer {
	if cfg.AppName == "" {
		cfg.AppName = "VulkanRmlUI"
	}
	if cfg.Graphics == (GraphicsSettings{}) {
		cfg.Graphics = DefaultGraphicsSettings()
	}
	return &Renderer{platform: platform, cfg: cfg, settings: cfg.Graphics}
}

// Init constructs Device, Commands, ResourceManager with its TransferQueue
// and the Swapchain, in that order. A failure destroys whatever was built.
func (r *Renderer) Init() (err error) {
	if r.initialized {
		return nil
	}
	if r.platform == nil {
		return errors.Wrap(ErrNotInitialized, "renderer needs a platform")
	}
	blockSize, err := r.cfg.Memory.BlockSizeBytes()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			r.teardown()
		}
	}()

	r.device, err = InitDevice(DeviceConfig{
		AppName:          r.cfg.AppName,
		AppVersion:       r.cfg.AppVersion,
		Validation:       r.settings.Validation,
		PreferredGPU:     r.settings.PreferredGPU,
		DeviceExtensions: r.cfg.DeviceExtensions,
	}, r.platform)
	if err != nil {
		return errors.Wrap(err, "init device")
	}

	graphics := uint32(r.device.QueueFamilies.Graphics)
	r.commands, err = NewCommands(r.device, CommandsConfig{
		QueueFamilyIndex:          graphics,
		InitialCommandBufferCount: MaxFramesInFlight,
	})
	if err != nil {
		return errors.Wrap(err, "init commands")
	}

	r.resources, err = NewResourceManager(r.device, r.commands, ResourceManagerConfig{BlockSize: blockSize})
	if err != nil {
		return errors.Wrap(err, "init resource manager")
	}

	r.transfers, err = NewTransferQueue(r.device, transferFamily(r.device.QueueFamilies), r.cfg.Memory.MaxPendingTransfers)
	if err != nil {
		return errors.Wrap(err, "init transfer queue")
	}

	r.swapchain = NewSwapchain(r.device, r.platform, SwapchainConfig{VSync: r.settings.VSync})
	if err = r.swapchain.Initialize(); err != nil {
		return errors.Wrap(err, "init swapchain")
	}

	if wc, ok := r.platform.(windowControl); ok {
		wc.OnFramebufferResize(func(int, int) { r.OnWindowResize() })
	}

	r.initialized = true
	Logger().Info("renderer initialized", slog.String("device", r.device.String()))
	return nil
}

// transferFamily is the family async uploads run on. A dedicated transfer
// family would need queue ownership transfers for every resource it
// touches, so it is only used when it is also the graphics family.
func transferFamily(q QueueFamilyIndices) uint32 {
	if q.Transfer == q.Graphics {
		return uint32(q.Transfer)
	}
	return uint32(q.Graphics)
}

// OnWindowResize schedules a swapchain recreation before the next frame.
func (r *Renderer) OnWindowResize() {
	r.resized.Store(true)
}

var frameTransitions = map[layoutPair]layoutBarrier{
	{vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal}: {
		dstAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
	},
	{vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutPresentSrc}: {
		srcAccess: vk.AccessFlags(vk.AccessTransferWriteBit),
		srcStage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		dstStage:  vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
	},
}

func recordFrameTransition(cb vk.CommandBuffer, image vk.Image, old, new vk.ImageLayout) {
	recordBarrier(cb, image, old, new, frameTransitions[layoutPair{old, new}], 0, 1, 1)
}

// BeginFrame recreates a stale swapchain, acquires the next image and
// begins the frame slot's command buffer with the image cleared. It
// returns nil and no error when the swapchain went out of date; the
// caller skips that frame. When recording cannot begin the slot is
// abandoned: its fence is signaled by an empty submit and the swapchain
// is marked stale, so the next BeginFrame does not wait forever.
func (r *Renderer) BeginFrame() (*Frame, error) {
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if r.frame != nil {
		return nil, errors.New("vkg: frame already begun")
	}
	if r.transfers != nil {
		r.transfers.Collect()
	}

	if r.resized.Swap(false) {
		r.swapchain.MarkStale()
	}
	if r.swapchain.IsStale() {
		if err := r.swapchain.RecreateSwapchain(); err != nil {
			return nil, err
		}
	}

	idx, err := r.swapchain.AcquireNextImage()
	if errors.Is(err, ErrSwapchainOutOfDate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	slot := r.swapchain.CurrentFrame()
	f := &Frame{
		Slot:          slot,
		ImageIndex:    idx,
		CommandBuffer: r.commands.CommandBuffer(slot),
		Image:         r.swapchain.Images()[idx],
		ImageView:     r.swapchain.ImageViews()[idx],
		Extent:        r.swapchain.Extent(),
	}
	if err := r.commands.BeginRecording(f.CommandBuffer, vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)); err != nil {
		r.abandonFrame(slot)
		return nil, errors.Wrap(err, "begin frame command buffer")
	}

	recordFrameTransition(f.CommandBuffer, f.Image, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal)
	var color vk.ClearColorValue
	*(*[4]float32)(unsafe.Pointer(&color)) = r.cfg.ClearColor
	vk.CmdClearColorImage(f.CommandBuffer, f.Image, vk.ImageLayoutTransferDstOptimal, &color, 1, []vk.ImageSubresourceRange{{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}})

	r.frame = f
	return f, nil
}

// EndFrame ends the frame's command buffer, submits it against the frame
// slot's semaphores and fence, presents and advances the ring. A failed
// end or submit abandons the slot the same way BeginFrame does.
func (r *Renderer) EndFrame(f *Frame) error {
	if !r.initialized {
		return ErrNotInitialized
	}
	if f == nil || f != r.frame {
		return errors.New("vkg: frame was not begun by this renderer")
	}
	r.frame = nil

	recordFrameTransition(f.CommandBuffer, f.Image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutPresentSrc)
	if err := r.commands.EndRecording(f.CommandBuffer); err != nil {
		r.abandonFrame(f.Slot)
		return errors.Wrap(err, "end frame command buffer")
	}

	err := r.commands.SubmitCommandBuffers(SubmitInfo{
		CommandBuffers:   []vk.CommandBuffer{f.CommandBuffer},
		WaitSemaphores:   []vk.Semaphore{r.swapchain.ImageAvailableSemaphore()},
		WaitStages:       []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		SignalSemaphores: []vk.Semaphore{r.swapchain.RenderFinishedSemaphore()},
		Fence:            r.swapchain.InFlightFence(),
	})
	if err != nil {
		Logger().Error("failed to submit frame", slog.Int("slot", f.Slot), slog.Any("err", err))
		r.abandonFrame(f.Slot)
		return errors.Wrap(err, "submit frame")
	}

	if err := r.swapchain.PresentImage(f.ImageIndex); err != nil {
		return err
	}
	r.swapchain.AdvanceFrame()
	return nil
}

// abandonFrame consumes the slot's image-available semaphore and signals
// its fence without doing any work. The acquired image is never presented,
// so the chain is rebuilt before the next frame.
func (r *Renderer) abandonFrame(slot int) {
	err := r.commands.SignalFence(r.swapchain.InFlightFence(),
		[]vk.Semaphore{r.swapchain.ImageAvailableSemaphore()},
		[]vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)})
	if err != nil {
		Logger().Error("failed to release frame slot", slog.Int("slot", slot), slog.Any("err", err))
	}
	r.swapchain.MarkStale()
}

// ApplyGraphicsSettings applies a new settings snapshot at runtime. Window
// size, fullscreen and vsync take effect with the next frame; MSAA and
// validation changes only on the next start.
func (r *Renderer) ApplyGraphicsSettings(g GraphicsSettings) {
	if !r.initialized {
		return
	}
	Logger().Info("applying graphics settings")
	if err := r.WaitIdle(); err != nil {
		Logger().Error("wait idle before applying settings", slog.Any("err", err))
	}

	prev := r.settings
	if wc, ok := r.platform.(windowControl); ok {
		if g.Width != prev.Width || g.Height != prev.Height {
			wc.SetSize(g.Width, g.Height)
			r.OnWindowResize()
		}
		if g.Fullscreen != prev.Fullscreen {
			wc.SetFullscreen(g.Fullscreen, g.Width, g.Height)
			r.OnWindowResize()
		}
	} else if g.Width != prev.Width || g.Height != prev.Height || g.Fullscreen != prev.Fullscreen {
		Logger().Warn("platform cannot change the window, size and fullscreen ignored")
	}

	if g.VSync != prev.VSync && r.swapchain != nil {
		r.swapchain.SetVSync(g.VSync)
	}
	if g.MSAASamples != prev.MSAASamples {
		Logger().Info("msaa change requires restart", slog.Int("samples", g.MSAASamples))
	}
	if g.Validation != prev.Validation {
		Logger().Info("validation change requires restart", slog.Bool("validation", g.Validation))
	}

	r.settings = g
	Logger().Info("graphics settings applied",
		slog.Int("width", g.Width),
		slog.Int("height", g.Height),
		slog.Bool("fullscreen", g.Fullscreen),
		slog.Bool("vsync", g.VSync))
}

// Settings returns the graphics settings currently applied.
func (r *Renderer) Settings() GraphicsSettings { return r.settings }

func (r *Renderer) Device() *Device                   { return r.device }
func (r *Renderer) Commands() *Commands               { return r.commands }
func (r *Renderer) ResourceManager() *ResourceManager { return r.resources }
func (r *Renderer) TransferQueue() *TransferQueue     { return r.transfers }
func (r *Renderer) Swapchain() *Swapchain             { return r.swapchain }

// WaitIdle blocks until the device has finished all submitted work.
func (r *Renderer) WaitIdle() error {
	if r.device == nil {
		return nil
	}
	return r.device.WaitIdle()
}

// Destroy drains the device and tears every layer down in reverse order
// of construction.
func (r *Renderer) Destroy() {
	if r.device == nil {
		return
	}
	if err := r.WaitIdle(); err != nil {
		Logger().Warn("wait idle before renderer shutdown", slog.Any("err", err))
	}
	r.teardown()
	r.initialized = false
	Logger().Info("renderer shut down")
}

func (r *Renderer) teardown() {
	if r.swapchain != nil {
		r.swapchain.Cleanup()
		r.swapchain = nil
	}
	if r.transfers != nil {
		r.transfers.Destroy()
		r.transfers = nil
	}
	if r.resources != nil {
		r.resources.Destroy()
		r.resources = nil
	}
	if r.commands != nil {
		r.commands.Destroy()
		r.commands = nil
	}
	if r.device != nil {
		r.device.Destroy()
		r.device = nil
	}
	r.frame = nil
}
