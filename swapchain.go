package vkg

import (
	"log/slog"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// MaxFramesInFlight is the number of frame slots in the ring.
const MaxFramesInFlight = 2

// SwapchainDevice is what the swapchain manager needs from the device.
type SwapchainDevice interface {
	fenceBackend
	CreateSemaphore() (vk.Semaphore, error)
	DestroySemaphore(s vk.Semaphore)
	QuerySurfaceSupport() (*SurfaceSupport, error)
	WaitIdle() error

	createSwapchain(p swapchainParams) (vk.Swapchain, []vk.Image, error)
	destroySwapchain(sc vk.Swapchain)
	createImageView(image vk.Image, format vk.Format, aspect vk.ImageAspectFlags, mipLevels, layers uint32) (vk.ImageView, error)
	destroyImageView(view vk.ImageView)
	acquireNextImage(sc vk.Swapchain, signal vk.Semaphore) (uint32, vk.Result)
	queuePresent(sc vk.Swapchain, wait vk.Semaphore, imageIndex uint32) vk.Result
}

type swapchainParams struct {
	MinImageCount uint32
	Format        vk.SurfaceFormat
	Extent        vk.Extent2D
	PresentMode   vk.PresentMode
	PreTransform  vk.SurfaceTransformFlagBits
}

// SwapchainConfig configures NewSwapchain.
type SwapchainConfig struct {
	// PreferredWidth and PreferredHeight are used when the surface lets
	// the application pick the extent and both are non-zero.
	PreferredWidth  uint32
	PreferredHeight uint32
	VSync           bool
}

// chooseSurfaceFormat prefers B8G8R8A8 sRGB with the sRGB non-linear color
// space and falls back to the first format.
func chooseSurfaceFormat(formats []vk.SurfaceFormat) vk.SurfaceFormat {
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Srgb && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	if len(formats) == 0 {
		return vk.SurfaceFormat{Format: vk.FormatUndefined}
	}
	return formats[0]
}

// choosePresentMode uses FIFO with vsync. Without it mailbox is preferred,
// then immediate, then FIFO, which is always supported.
func choosePresentMode(modes []vk.PresentMode, vsync bool) vk.PresentMode {
	if !vsync {
		for _, want := range []vk.PresentMode{vk.PresentModeMailbox, vk.PresentModeImmediate} {
			for _, m := range modes {
				if m == want {
					return m
				}
			}
		}
	}
	return vk.PresentModeFifo
}

// chooseExtent uses the surface's current extent unless the surface leaves
// it to the application, in which case the framebuffer size, or the
// preferred size when set, is clamped to the supported range.
func chooseExtent(caps SurfaceCapabilities, fbWidth, fbHeight int, prefWidth, prefHeight uint32) vk.Extent2D {
	if caps.CurrentExtent.Width != math.MaxUint32 {
		return caps.CurrentExtent
	}
	w, h := uint32(max(fbWidth, 0)), uint32(max(fbHeight, 0))
	if prefWidth > 0 && prefHeight > 0 {
		w, h = prefWidth, prefHeight
	}
	return vk.Extent2D{
		Width:  clampUint32(w, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clampUint32(h, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

// chooseImageCount asks for one image more than the minimum, capped by
// the maximum when the surface has one.
func chooseImageCount(caps SurfaceCapabilities) uint32 {
	n := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && n > caps.MaxImageCount {
		n = caps.MaxImageCount
	}
	return n
}

// Swapchain owns the presentation chain, its image views and the frame
// ring's synchronization objects. Views and chain are rebuilt on
// recreation; the sync objects live until Cleanup.
type Swapchain struct {
	dev      SwapchainDevice
	platform Platform
	cfg      SwapchainConfig

	handle      vk.Swapchain
	images      []vk.Image
	views       []vk.ImageView
	format      vk.Format
	colorSpace  vk.ColorSpace
	extent      vk.Extent2D
	presentMode vk.PresentMode

	imageAvailable [MaxFramesInFlight]vk.Semaphore
	renderFinished [MaxFramesInFlight]vk.Semaphore
	inFlight       [MaxFramesInFlight]vk.Fence

	currentFrame int
	stale        bool
	initialized  bool
}

// NewSwapchain creates an uninitialized swapchain manager.
func NewSwapchain(dev SwapchainDevice, platform Platform, cfg SwapchainConfig) *Swapchain {
	return &Swapchain{dev: dev, platform: platform, cfg: cfg}
}

// Initialize builds the chain, one view per image and the frame ring.
func (s *Swapchain) Initialize() error {
	if s.dev == nil || s.platform == nil {
		return errors.Wrap(ErrNotInitialized, "swapchain needs a device and a platform")
	}
	if s.initialized {
		return nil
	}
	if err := s.createChain(); err != nil {
		s.destroyChain()
		return err
	}
	if err := s.createSyncObjects(); err != nil {
		s.destroySyncObjects()
		s.destroyChain()
		return err
	}
	s.initialized = true
	s.currentFrame = 0
	s.stale = false
	Logger().Info("swapchain initialized",
		slog.Int("format", int(s.format)),
		slog.Int("width", int(s.extent.Width)),
		slog.Int("height", int(s.extent.Height)),
		slog.Int("images", len(s.images)),
		slog.Int("presentMode", int(s.presentMode)))
	return nil
}

func (s *Swapchain) createChain() error {
	support, err := s.dev.QuerySurfaceSupport()
	if err != nil {
		return errors.Wrap(err, "query surface support")
	}
	if !support.Adequate() {
		return errors.Wrap(ErrNoSupportedFormat, "surface has no formats or present modes")
	}

	fbw, fbh := s.platform.FramebufferSize()
	format := chooseSurfaceFormat(support.Formats)
	params := swapchainParams{
		MinImageCount: chooseImageCount(support.Capabilities),
		Format:        format,
		Extent:        chooseExtent(support.Capabilities, fbw, fbh, s.cfg.PreferredWidth, s.cfg.PreferredHeight),
		PresentMode:   choosePresentMode(support.PresentModes, s.cfg.VSync),
		PreTransform:  support.Capabilities.CurrentTransform,
	}
	if params.Extent.Width == 0 || params.Extent.Height == 0 {
		return errors.Wrapf(ErrInvalidExtent, "swapchain extent %dx%d", params.Extent.Width, params.Extent.Height)
	}

	handle, images, err := s.dev.createSwapchain(params)
	if err != nil {
		return err
	}
	s.handle = handle
	s.images = images
	s.format = format.Format
	s.colorSpace = format.ColorSpace
	s.extent = params.Extent
	s.presentMode = params.PresentMode

	s.views = make([]vk.ImageView, 0, len(images))
	for i, img := range images {
		view, err := s.dev.createImageView(img, s.format, vk.ImageAspectFlags(vk.ImageAspectColorBit), 1, 1)
		if err != nil {
			return errors.Wrapf(err, "swapchain image view %d", i)
		}
		s.views = append(s.views, view)
	}
	return nil
}

func (s *Swapchain) destroyChain() {
	for _, v := range s.views {
		s.dev.destroyImageView(v)
	}
	s.views = nil
	if !isNull(s.handle) {
		s.dev.destroySwapchain(s.handle)
		s.handle = vk.NullSwapchain
	}
	s.images = nil
}

func (s *Swapchain) createSyncObjects() error {
	for i := 0; i < MaxFramesInFlight; i++ {
		var err error
		if s.imageAvailable[i], err = s.dev.CreateSemaphore(); err != nil {
			return errors.Wrapf(err, "frame %d image available semaphore", i)
		}
		if s.renderFinished[i], err = s.dev.CreateSemaphore(); err != nil {
			return errors.Wrapf(err, "frame %d render finished semaphore", i)
		}
		if s.inFlight[i], err = s.dev.CreateFence(true); err != nil {
			return errors.Wrapf(err, "frame %d in flight fence", i)
		}
	}
	return nil
}

func (s *Swapchain) destroySyncObjects() {
	var noSem vk.Semaphore
	for i := 0; i < MaxFramesInFlight; i++ {
		if !isNull(s.imageAvailable[i]) {
			s.dev.DestroySemaphore(s.imageAvailable[i])
			s.imageAvailable[i] = noSem
		}
		if !isNull(s.renderFinished[i]) {
			s.dev.DestroySemaphore(s.renderFinished[i])
			s.renderFinished[i] = noSem
		}
		if !isNull(s.inFlight[i]) {
			s.dev.DestroyFence(s.inFlight[i])
			s.inFlight[i] = vk.NullFence
		}
	}
}

// AcquireNextImage waits for the current frame slot's fence and acquires
// the next image. An out of date chain marks the swapchain stale and
// returns ErrSwapchainOutOfDate with the fence left signaled, so the
// frame can be retried after recreation. A suboptimal chain is accepted.
func (s *Swapchain) AcquireNextImage() (uint32, error) {
	if !s.initialized || isNull(s.handle) {
		return 0, ErrNotInitialized
	}
	fence := s.inFlight[s.currentFrame]
	if err := s.dev.WaitForFences(NoTimeout, fence); err != nil {
		return 0, errors.Wrap(err, "wait for frame fence")
	}

	idx, res := s.dev.acquireNextImage(s.handle, s.imageAvailable[s.currentFrame])
	switch res {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		s.stale = true
		Logger().Debug("swapchain out of date on acquire")
		return 0, ErrSwapchainOutOfDate
	default:
		err := vkErr(res, "acquire next image")
		Logger().Error("failed to acquire swapchain image", slog.Any("err", err))
		return 0, err
	}

	if err := s.dev.ResetFences(fence); err != nil {
		return 0, err
	}
	return idx, nil
}

// PresentImage queues imageIndex for presentation once the current frame
// slot's render finished semaphore signals. Out of date and suboptimal
// results mark the swapchain stale and are not errors.
func (s *Swapchain) PresentImage(imageIndex uint32) error {
	if !s.initialized || isNull(s.handle) {
		return ErrNotInitialized
	}
	res := s.dev.queuePresent(s.handle, s.renderFinished[s.currentFrame], imageIndex)
	switch res {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		s.stale = true
		Logger().Debug("swapchain stale on present", slog.Int("result", int(res)))
		return nil
	}
	err := vkErr(res, "present")
	Logger().Error("failed to present swapchain image", slog.Any("err", err))
	return err
}

// RecreateSwapchain rebuilds the chain and its views for the current
// surface. While the window is minimized it blocks in the platform's event
// wait until the framebuffer has a size again.
func (s *Swapchain) RecreateSwapchain() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	w, h := s.platform.FramebufferSize()
	for w == 0 || h == 0 {
		s.platform.WaitEvents()
		w, h = s.platform.FramebufferSize()
	}

	if err := s.dev.WaitIdle(); err != nil {
		return err
	}
	s.destroyChain()
	if err := s.createChain(); err != nil {
		s.destroyChain()
		Logger().Error("failed to recreate swapchain", slog.Any("err", err))
		return errors.Wrap(err, "recreate swapchain")
	}
	s.stale = false
	Logger().Info("swapchain recreated",
		slog.Int("width", int(s.extent.Width)),
		slog.Int("height", int(s.extent.Height)),
		slog.Int("images", len(s.images)))
	return nil
}

// AdvanceFrame moves to the next frame slot.
func (s *Swapchain) AdvanceFrame() {
	s.currentFrame = (s.currentFrame + 1) % MaxFramesInFlight
}

// SetVSync changes the present mode policy. The chain picks it up on the
// next recreation, which this schedules.
func (s *Swapchain) SetVSync(vsync bool) {
	if s.cfg.VSync == vsync {
		return
	}
	s.cfg.VSync = vsync
	s.stale = true
}

// MarkStale schedules a recreation, e.g. after a window resize.
func (s *Swapchain) MarkStale() { s.stale = true }

// IsStale reports whether the chain must be recreated before use.
func (s *Swapchain) IsStale() bool { return s.stale }

func (s *Swapchain) Handle() vk.Swapchain        { return s.handle }
func (s *Swapchain) Images() []vk.Image          { return s.images }
func (s *Swapchain) ImageViews() []vk.ImageView  { return s.views }
func (s *Swapchain) ImageCount() int             { return len(s.images) }
func (s *Swapchain) Format() vk.Format           { return s.format }
func (s *Swapchain) ColorSpace() vk.ColorSpace   { return s.colorSpace }
func (s *Swapchain) Extent() vk.Extent2D         { return s.extent }
func (s *Swapchain) PresentMode() vk.PresentMode { return s.presentMode }
func (s *Swapchain) CurrentFrame() int           { return s.currentFrame }
func (s *Swapchain) VSync() bool                 { return s.cfg.VSync }

func (s *Swapchain) ImageAvailableSemaphore() vk.Semaphore {
	return s.imageAvailable[s.currentFrame]
}

func (s *Swapchain) RenderFinishedSemaphore() vk.Semaphore {
	return s.renderFinished[s.currentFrame]
}

func (s *Swapchain) InFlightFence() vk.Fence {
	return s.inFlight[s.currentFrame]
}

// Cleanup waits for the device and destroys the sync objects, the views
// and the chain.
func (s *Swapchain) Cleanup() {
	if !s.initialized {
		return
	}
	if err := s.dev.WaitIdle(); err != nil {
		Logger().Warn("wait idle before swapchain cleanup", slog.Any("err", err))
	}
	s.destroySyncObjects()
	s.destroyChain()
	s.initialized = false
	Logger().Debug("swapchain cleaned up")
}

func (d *Device) createSwapchain(p swapchainParams) (vk.Swapchain, []vk.Image, error) {
	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.Surface,
		MinImageCount:    p.MinImageCount,
		ImageFormat:      p.Format.Format,
		ImageColorSpace:  p.Format.ColorSpace,
		ImageExtent:      p.Extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     p.PreTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      p.PresentMode,
		Clipped:          vk.True,
		OldSwapchain:     vk.NullSwapchain,
		ImageSharingMode: vk.SharingModeExclusive,
	}
	if d.QueueFamilies.Graphics != d.QueueFamilies.Present {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{uint32(d.QueueFamilies.Graphics), uint32(d.QueueFamilies.Present)}
	}

	var sc vk.Swapchain
	if err := vkErr(vk.CreateSwapchain(d.VKDevice, &info, nil, &sc), "create swapchain"); err != nil {
		return vk.NullSwapchain, nil, err
	}

	var count uint32
	if err := vkErr(vk.GetSwapchainImages(d.VKDevice, sc, &count, nil), "get swapchain images"); err != nil {
		vk.DestroySwapchain(d.VKDevice, sc, nil)
		return vk.NullSwapchain, nil, err
	}
	images := make([]vk.Image, count)
	if err := vkErr(vk.GetSwapchainImages(d.VKDevice, sc, &count, images), "get swapchain images"); err != nil {
		vk.DestroySwapchain(d.VKDevice, sc, nil)
		return vk.NullSwapchain, nil, err
	}
	return sc, images, nil
}

func (d *Device) destroySwapchain(sc vk.Swapchain) {
	vk.DestroySwapchain(d.VKDevice, sc, nil)
}

func (d *Device) acquireNextImage(sc vk.Swapchain, signal vk.Semaphore) (uint32, vk.Result) {
	var idx uint32
	res := vk.AcquireNextImage(d.VKDevice, sc, math.MaxUint64, signal, vk.NullFence, &idx)
	return idx, res
}

func (d *Device) queuePresent(sc vk.Swapchain, wait vk.Semaphore, imageIndex uint32) vk.Result {
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{wait},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc},
		PImageIndices:      []uint32{imageIndex},
	}
	return vk.QueuePresent(d.PresentQueue.VKQueue, &info)
}
