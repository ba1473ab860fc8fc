/*
Package vkg is the Vulkan resource and presentation core of the launcher
renderer. It owns the GPU objects the UI layer draws with and hides the
bookkeeping Vulkan leaves to the application.

# Layers

The package is built bottom-up, each layer depending only on the ones
above it in this list:

	Device           instance, surface, physical device choice, logical device and queues
	Allocator        block sub-allocation of device memory per memory type
	ResourceManager  buffers, images, staging uploads, layout transitions, mipmaps
	Commands         a command pool with steady state and single-time buffers
	TransferQueue    asynchronous uploads, each batch fenced on its own
	Swapchain        presentation chain, views and the frame ring
	Renderer         brings the layers up in order and drives BeginFrame/EndFrame

A typical program:

	if err := vkg.InitGLFW(); err != nil { ... }
	window, _ := glfw.CreateWindow(w, h, "launcher", nil, nil)
	r := vkg.NewRenderer(vkg.NewGLFWPlatform(window), vkg.RendererConfigFrom(cfg))
	if err := r.Init(); err != nil { ... }
	defer r.Destroy()

	for !window.ShouldClose() {
		glfw.PollEvents()
		frame, err := r.BeginFrame()
		if err != nil { ... }
		if frame == nil {
			continue // swapchain was out of date, retried next frame
		}
		// record into frame.CommandBuffer
		if err := r.EndFrame(frame); err != nil { ... }
	}

# Frames

MaxFramesInFlight frame slots each own an image-available semaphore, a
render-finished semaphore and a fence. A slot's command buffer is only
re-recorded after its fence has signaled. The number of swapchain images
is unrelated to the number of slots.

# Errors

Failures are returned as errors wrapping one of the Err* sentinels and can
be tested with errors.Is. ErrDeviceLost is not recoverable: the renderer
must be destroyed and initialized again.

# Logging

The package is silent by default. SetLogger installs a *slog.Logger; the
validation layer's messages are routed through it when validation is on.
*/
package vkg
