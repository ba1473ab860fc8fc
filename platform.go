package vkg

import (
	"sync"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// Platform is the window system as seen by the core.
type Platform interface {
	// RequiredInstanceExtensions lists the instance extensions the window
	// system needs for presentation.
	RequiredInstanceExtensions() []string
	// CreateSurface creates a presentation surface for the window.
	CreateSurface(instance vk.Instance) (vk.Surface, error)
	// FramebufferSize returns the framebuffer size in pixels.
	FramebufferSize() (int, int)
	// WaitEvents blocks until the window system has an event.
	WaitEvents()
}

// windowControl is implemented by platforms whose window can be resized
// and moved between windowed and fullscreen.
type windowControl interface {
	SetSize(width, height int)
	SetFullscreen(fullscreen bool, width, height int)
	OnFramebufferResize(func(width, height int))
}

// InitGLFW initializes glfw and loads the Vulkan entry points through it.
// Must be called from the main thread before any window is created.
func InitGLFW() error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "glfw init")
	}
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		glfw.Terminate()
		return errors.Wrap(err, "vulkan init")
	}
	return nil
}

// GLFWPlatform implements Platform on a glfw window.
type GLFWPlatform struct {
	Window *glfw.Window

	mu       sync.Mutex
	onResize []func(width, height int)
}

// NewGLFWPlatform wraps window and installs its framebuffer size callback.
func NewGLFWPlatform(window *glfw.Window) *GLFWPlatform {
	p := &GLFWPlatform{Window: window}
	window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		p.mu.Lock()
		handlers := append([]func(int, int){}, p.onResize...)
		p.mu.Unlock()
		for _, h := range handlers {
			h(width, height)
		}
	})
	return p
}

func (p *GLFWPlatform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *GLFWPlatform) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	ptr, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		var none vk.Surface
		return none, errors.Wrap(err, "create window surface")
	}
	return vk.SurfaceFromPointer(ptr), nil
}

func (p *GLFWPlatform) FramebufferSize() (int, int) {
	return p.Window.GetFramebufferSize()
}

func (p *GLFWPlatform) WaitEvents() {
	glfw.WaitEvents()
}

func (p *GLFWPlatform) SetSize(width, height int) {
	p.Window.SetSize(width, height)
}

// SetFullscreen moves the window onto the primary monitor at its current
// video mode, or back to a windowed frame of the given size.
func (p *GLFWPlatform) SetFullscreen(fullscreen bool, width, height int) {
	if fullscreen {
		mon := glfw.GetPrimaryMonitor()
		if mon == nil {
			Logger().Warn("no primary monitor, staying windowed")
			return
		}
		vm := mon.GetVideoMode()
		p.Window.SetMonitor(mon, 0, 0, vm.Width, vm.Height, vm.RefreshRate)
		return
	}
	p.Window.SetMonitor(nil, windowedX, windowedY, width, height, 0)
}

// OnFramebufferResize registers fn to run on every framebuffer resize.
func (p *GLFWPlatform) OnFramebufferResize(fn func(width, height int)) {
	p.mu.Lock()
	p.onResize = append(p.onResize, fn)
	p.mu.Unlock()
}

const (
	windowedX = 100
	windowedY = 100
)
