package vkg

import (
	"context"
	"log/slog"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

const (
	validationLayerName    = "VK_LAYER_KHRONOS_validation"
	debugReportExtension   = "VK_EXT_debug_report"
	swapchainExtensionName = "VK_KHR_swapchain"
)

// Version is used to specify versions of components
type Version struct {
	Major int
	Minor int
	Patch int
}

// VKVersion returns a Vulkan compatible version representation
func (v Version) VKVersion() uint32 {
	return vk.MakeVersion(v.Major, v.Minor, v.Patch)
}

// App describes the application to Vulkan and collects the layers and
// extensions the instance is created with.
type App struct {
	// Name the name of the application
	Name string
	// EngineName the name of the engine associated with the application
	EngineName string
	// Version the version of the application
	Version Version
	// APIVersion the expected minimum version of the Vulkan API (i.e. 1.0.0)
	APIVersion Version

	EnabledLayers     []string
	EnabledExtensions []string
}

// SupportedLayers returns the instance layers the loader knows about.
// Vulkan must have been initialized with vk.Init first.
func SupportedLayers() ([]string, error) {
	var count uint32
	if err := vkErr(vk.EnumerateInstanceLayerProperties(&count, nil), "enumerate layers"); err != nil {
		return nil, err
	}
	props := make([]vk.LayerProperties, count)
	if err := vkErr(vk.EnumerateInstanceLayerProperties(&count, props), "enumerate layers"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, layer := range props {
		layer.Deref()
		names = append(names, vk.ToString(layer.LayerName[:]))
	}
	return names, nil
}

// SupportedExtensions returns the instance extensions the loader knows about.
func SupportedExtensions() ([]string, error) {
	var count uint32
	if err := vkErr(vk.EnumerateInstanceExtensionProperties("", &count, nil), "enumerate instance extensions"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vkErr(vk.EnumerateInstanceExtensionProperties("", &count, props), "enumerate instance extensions"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, ext := range props {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

// EnableLayer enables a layer if the loader supports it.
func (a *App) EnableLayer(layer string) error {
	layers, err := SupportedLayers()
	if err != nil {
		return errors.Wrap(err, "query supported layers")
	}
	if !containsString(layers, layer) {
		return errors.Wrapf(ErrValidationLayerMissing, "layer %q", layer)
	}
	if !containsString(a.EnabledLayers, layer) {
		a.EnabledLayers = append(a.EnabledLayers, layer)
	}
	return nil
}

// EnableExtension enables an instance extension.
func (a *App) EnableExtension(extension string) *App {
	if !containsString(a.EnabledExtensions, extension) {
		a.EnabledExtensions = append(a.EnabledExtensions, extension)
	}
	return a
}

// EnableValidation turns on the Khronos validation layer and the debug
// report extension its messages are delivered through.
func (a *App) EnableValidation() error {
	if err := a.EnableLayer(validationLayerName); err != nil {
		return err
	}
	a.EnableExtension(debugReportExtension)
	return nil
}

// ValidationEnabled reports whether the validation layer was requested.
func (a *App) ValidationEnabled() bool {
	return containsString(a.EnabledLayers, validationLayerName)
}

// VKApplicationInfo creates a structure representing this application in a Vulkan friendly format
func (a *App) VKApplicationInfo() vk.ApplicationInfo {
	api := a.APIVersion
	if api.Major < 1 {
		api = Version{Major: 1}
	}
	return vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         api.VKVersion(),
		ApplicationVersion: a.Version.VKVersion(),
		PApplicationName:   safeString(a.Name),
		PEngineName:        safeString(a.EngineName),
	}
}

// CreateInstance creates the Vulkan instance.
func (a *App) CreateInstance() (*Instance, error) {
	appInfo := a.VKApplicationInfo()
	extensions := safeStrings(a.EnabledExtensions)
	layers := safeStrings(a.EnabledLayers)

	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}

	instance := &Instance{}
	if err := vkErr(vk.CreateInstance(&createInfo, nil, &instance.VKInstance), "create instance"); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(instance.VKInstance); err != nil {
		vk.DestroyInstance(instance.VKInstance, nil)
		return nil, errors.Wrap(err, "init instance function table")
	}
	Logger().Debug("instance created",
		slog.Int("extensions", len(extensions)),
		slog.Int("layers", len(layers)))
	return instance, nil
}

// Instance is an instance of the Vulkan subsystem
type Instance struct {
	// VKInstance is the native Vulkan instance object
	VKInstance vk.Instance

	debugCallback vk.DebugReportCallback
}

// PhysicalDevices returns the physical devices known to Vulkan with their
// properties, features and memory layout already queried.
func (i *Instance) PhysicalDevices() ([]*PhysicalDevice, error) {
	var count uint32
	if err := vkErr(vk.EnumeratePhysicalDevices(i.VKInstance, &count, nil), "enumerate physical devices"); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := vkErr(vk.EnumeratePhysicalDevices(i.VKInstance, &count, devices), "enumerate physical devices"); err != nil {
		return nil, err
	}
	ret := make([]*PhysicalDevice, 0, count)
	for _, device := range devices {
		ret = append(ret, newPhysicalDevice(device))
	}
	return ret, nil
}

// InstallDebugCallback routes validation messages into the package logger.
func (i *Instance) InstallDebugCallback() error {
	flags := vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit
	var cb vk.DebugReportCallback
	res := vk.CreateDebugReportCallback(i.VKInstance, &vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(flags),
		PfnCallback: debugReportCallback,
	}, nil, &cb)
	if err := vkErr(res, "create debug report callback"); err != nil {
		return err
	}
	i.debugCallback = cb
	return nil
}

// debugSeverity maps debug report flags to a severity name and log level.
func debugSeverity(flags vk.DebugReportFlags) (string, slog.Level) {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		return "error", slog.LevelError
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		return "warning", slog.LevelWarn
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		return "performance", slog.LevelWarn
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		return "debug", slog.LevelDebug
	}
	return "info", slog.LevelInfo
}

func debugReportCallback(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
	object uint64, location uint64, messageCode int32, pLayerPrefix string,
	pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

	severity, level := debugSeverity(flags)
	Logger().Log(context.Background(), level, "validation",
		slog.String("severity", severity),
		slog.Int("type", int(objectType)),
		slog.String("layer", pLayerPrefix),
		slog.Int("code", int(messageCode)),
		slog.String("message", pMessage))
	return vk.Bool32(vk.False)
}

func (i *Instance) destroyDebugCallback() {
	if !isNull(i.debugCallback) {
		vk.DestroyDebugReportCallback(i.VKInstance, i.debugCallback, nil)
		var none vk.DebugReportCallback
		i.debugCallback = none
	}
}

// Destroy releases the debug callback and the instance.
func (i *Instance) Destroy() {
	i.destroyDebugCallback()
	if !isNull(i.VKInstance) {
		vk.DestroyInstance(i.VKInstance, nil)
		i.VKInstance = nil
	}
}
