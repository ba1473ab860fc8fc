package vkg

import (
	"fmt"
	"log/slog"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// DeviceConfig selects what InitDevice brings up.
type DeviceConfig struct {
	AppName    string
	AppVersion Version
	// Validation enables the Khronos validation layer and routes its
	// messages into the package logger.
	Validation bool
	// PreferredGPU picks a device whose name contains it. "" or "auto"
	// selects the highest rated device.
	PreferredGPU string
	// InstanceExtensions are enabled in addition to the platform's.
	InstanceExtensions []string
	// DeviceExtensions are required in addition to VK_KHR_swapchain.
	DeviceExtensions []string
}

// Device is the device context: instance, chosen GPU, logical device,
// its queues and the presentation surface.
type Device struct {
	Instance       *Instance
	PhysicalDevice *PhysicalDevice
	VKDevice       vk.Device
	Surface        vk.Surface

	QueueFamilies QueueFamilyIndices
	GraphicsQueue *Queue
	PresentQueue  *Queue
	TransferQueue *Queue

	validation bool
}

// InitDevice creates the instance, surface, physical and logical device.
// Anything created before a failure is destroyed again in reverse order.
func InitDevice(cfg DeviceConfig, platform Platform) (_ *Device, err error) {
	if platform == nil {
		return nil, errors.Wrap(ErrNotInitialized, "platform is nil")
	}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	d := &Device{validation: cfg.Validation}

	app := &App{
		Name:       cfg.AppName,
		EngineName: "vkg",
		Version:    cfg.AppVersion,
		APIVersion: Version{Major: 1, Minor: 0},
	}
	for _, ext := range platform.RequiredInstanceExtensions() {
		app.EnableExtension(ext)
	}
	for _, ext := range cfg.InstanceExtensions {
		app.EnableExtension(ext)
	}
	if cfg.Validation {
		if err = app.EnableValidation(); err != nil {
			return nil, err
		}
	}

	d.Instance, err = app.CreateInstance()
	if err != nil {
		return nil, err
	}
	undo = append(undo, d.Instance.Destroy)

	if cfg.Validation {
		if err = d.Instance.InstallDebugCallback(); err != nil {
			return nil, err
		}
	}

	d.Surface, err = platform.CreateSurface(d.Instance.VKInstance)
	if err != nil {
		return nil, errors.Wrap(err, "create surface")
	}
	undo = append(undo, func() { vk.DestroySurface(d.Instance.VKInstance, d.Surface, nil) })

	devices, err := d.Instance.PhysicalDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.Wrap(ErrNoSuitableDevice, "no Vulkan capable GPU")
	}

	required := append([]string{swapchainExtensionName}, cfg.DeviceExtensions...)
	d.PhysicalDevice, d.QueueFamilies, err = selectPhysicalDevice(devices, d.Surface, required, cfg.PreferredGPU)
	if err != nil {
		return nil, err
	}
	Logger().Info("selected GPU",
		slog.String("device", d.PhysicalDevice.DeviceName),
		slog.Bool("discrete", d.PhysicalDevice.Discrete),
		slog.String("queues", d.QueueFamilies.String()))

	if err = d.createLogicalDevice(required, app.EnabledLayers); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) createLogicalDevice(extensions, layers []string) error {
	families := d.QueueFamilies.Unique()
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, fam := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: fam,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	features := vk.PhysicalDeviceFeatures{SamplerAnisotropy: vk.True}
	ext := safeStrings(extensions)
	lay := safeStrings(layers)
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(ext)),
		PpEnabledExtensionNames: ext,
		EnabledLayerCount:       uint32(len(lay)),
		PpEnabledLayerNames:     lay,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
	}

	var device vk.Device
	if err := vkErr(vk.CreateDevice(d.PhysicalDevice.VKPhysicalDevice, &createInfo, nil, &device), "create logical device"); err != nil {
		return err
	}
	d.VKDevice = device

	d.GraphicsQueue = d.queue(uint32(d.QueueFamilies.Graphics))
	d.PresentQueue = d.queue(uint32(d.QueueFamilies.Present))
	d.TransferQueue = d.queue(uint32(d.QueueFamilies.Transfer))
	return nil
}

func (d *Device) queue(family uint32) *Queue {
	var vkq vk.Queue
	vk.GetDeviceQueue(d.VKDevice, family, 0, &vkq)
	return &Queue{Device: d, FamilyIndex: family, VKQueue: vkq}
}

func (d *Device) String() string {
	return fmt.Sprintf("{ PhysicalDevice: %s Queues: %s }", d.PhysicalDevice, d.QueueFamilies)
}

// ValidationEnabled reports whether the device was brought up with validation.
func (d *Device) ValidationEnabled() bool {
	return d.validation
}

// FindMemoryType returns the first memory type in typeFilter with all of
// properties.
func (d *Device) FindMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	return d.PhysicalDevice.FindMemoryType(typeFilter, properties)
}

// FindSupportedFormat returns the first candidate with features for tiling.
func (d *Device) FindSupportedFormat(candidates []vk.Format, tiling vk.ImageTiling, features vk.FormatFeatureFlags) (vk.Format, error) {
	return d.PhysicalDevice.FindSupportedFormat(candidates, tiling, features)
}

var depthFormatCandidates = []vk.Format{
	vk.FormatD32Sfloat,
	vk.FormatD32SfloatS8Uint,
	vk.FormatD24UnormS8Uint,
}

// FindDepthFormat returns a format usable as an optimal tiled depth
// stencil attachment.
func (d *Device) FindDepthFormat() (vk.Format, error) {
	return d.FindSupportedFormat(depthFormatCandidates, vk.ImageTilingOptimal,
		vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit))
}

// QuerySurfaceSupport queries the presentation surface on the chosen GPU.
func (d *Device) QuerySurfaceSupport() (*SurfaceSupport, error) {
	return d.PhysicalDevice.SurfaceSupport(d.Surface)
}

// WaitIdle blocks until the device has finished all submitted work.
func (d *Device) WaitIdle() error {
	return vkErr(vk.DeviceWaitIdle(d.VKDevice), "device wait idle")
}

// Destroy releases the logical device, debug callback, surface and
// instance in that order. Calling it twice is harmless.
func (d *Device) Destroy() {
	if !isNull(d.VKDevice) {
		vk.DestroyDevice(d.VKDevice, nil)
		var none vk.Device
		d.VKDevice = none
	}
	if d.Instance == nil {
		return
	}
	d.Instance.destroyDebugCallback()
	if !isNull(d.Surface) {
		vk.DestroySurface(d.Instance.VKInstance, d.Surface, nil)
		d.Surface = vk.NullSurface
	}
	d.Instance.Destroy()
	d.Instance = nil
}
