package vkg

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
)

// MemoryType is a dereferenced vk.MemoryType.
type MemoryType struct {
	PropertyFlags vk.MemoryPropertyFlags
	HeapIndex     uint32
}

// Has reports whether all bits of props are set on the type.
func (m MemoryType) Has(props vk.MemoryPropertyFlags) bool {
	return m.PropertyFlags&props == props
}

// MemoryHeap is a dereferenced vk.MemoryHeap.
type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// FormatFeatures holds the feature flags of a format per tiling mode.
type FormatFeatures struct {
	Linear  vk.FormatFeatureFlags
	Optimal vk.FormatFeatureFlags
	Buffer  vk.FormatFeatureFlags
}

// Supports reports whether the format has all the given features for a tiling.
func (f FormatFeatures) Supports(tiling vk.ImageTiling, features vk.FormatFeatureFlags) bool {
	switch tiling {
	case vk.ImageTilingLinear:
		return f.Linear&features == features
	case vk.ImageTilingOptimal:
		return f.Optimal&features == features
	}
	return false
}

// PhysicalDevice is a GPU as reported by the instance, with the properties
// the core needs already dereferenced.
type PhysicalDevice struct {
	DeviceName       string
	VKPhysicalDevice vk.PhysicalDevice

	VKPhysicalDeviceProperties vk.PhysicalDeviceProperties
	VKPhysicalDeviceFeatures   vk.PhysicalDeviceFeatures

	Discrete               bool
	MaxImageDimension2D    uint32
	NonCoherentAtomSize    uint64
	BufferImageGranularity uint64
	GeometryShader         bool
	SamplerAnisotropy      bool

	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
}

func newPhysicalDevice(device vk.PhysicalDevice) *PhysicalDevice {
	p := &PhysicalDevice{VKPhysicalDevice: device}

	vk.GetPhysicalDeviceProperties(device, &p.VKPhysicalDeviceProperties)
	p.VKPhysicalDeviceProperties.Deref()
	p.VKPhysicalDeviceProperties.Limits.Deref()
	p.DeviceName = vk.ToString(p.VKPhysicalDeviceProperties.DeviceName[:])
	p.Discrete = p.VKPhysicalDeviceProperties.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu
	p.MaxImageDimension2D = p.VKPhysicalDeviceProperties.Limits.MaxImageDimension2D
	p.NonCoherentAtomSize = uint64(p.VKPhysicalDeviceProperties.Limits.NonCoherentAtomSize)
	p.BufferImageGranularity = uint64(p.VKPhysicalDeviceProperties.Limits.BufferImageGranularity)

	vk.GetPhysicalDeviceFeatures(device, &p.VKPhysicalDeviceFeatures)
	p.VKPhysicalDeviceFeatures.Deref()
	p.GeometryShader = p.VKPhysicalDeviceFeatures.GeometryShader == vk.True
	p.SamplerAnisotropy = p.VKPhysicalDeviceFeatures.SamplerAnisotropy == vk.True

	var mp vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(device, &mp)
	mp.Deref()
	for i := uint32(0); i < mp.MemoryTypeCount; i++ {
		mt := mp.MemoryTypes[i]
		mt.Deref()
		p.MemoryTypes = append(p.MemoryTypes, MemoryType{PropertyFlags: mt.PropertyFlags, HeapIndex: mt.HeapIndex})
	}
	for i := uint32(0); i < mp.MemoryHeapCount; i++ {
		h := mp.MemoryHeaps[i]
		h.Deref()
		p.MemoryHeaps = append(p.MemoryHeaps, MemoryHeap{
			Size:        uint64(h.Size),
			DeviceLocal: h.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0,
		})
	}
	return p
}

func (p *PhysicalDevice) String() string {
	return p.DeviceName
}

// QueueFamilies returns the queue families of the device.
func (p *PhysicalDevice) QueueFamilies() QueueFamilySlice {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VKPhysicalDevice, &count, nil)
	if count == 0 {
		return nil
	}
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VKPhysicalDevice, &count, props)

	ret := make(QueueFamilySlice, count)
	for i, prop := range props {
		prop.Deref()
		ret[i] = &QueueFamily{Index: i, PhysicalDevice: p, VKQueueFamilyProperties: prop}
	}
	return ret
}

// SupportedExtensions returns the names of the device extensions.
func (p *PhysicalDevice) SupportedExtensions() ([]string, error) {
	var count uint32
	if err := vkErr(vk.EnumerateDeviceExtensionProperties(p.VKPhysicalDevice, "", &count, nil), "enumerate device extensions"); err != nil {
		return nil, err
	}
	ext := make([]vk.ExtensionProperties, count)
	if err := vkErr(vk.EnumerateDeviceExtensionProperties(p.VKPhysicalDevice, "", &count, ext), "enumerate device extensions"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, e := range ext {
		e.Deref()
		names = append(names, vk.ToString(e.ExtensionName[:]))
	}
	return names, nil
}

// FormatFeatures returns the feature flags of format on this device.
func (p *PhysicalDevice) FormatFeatures(format vk.Format) FormatFeatures {
	var fp vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(p.VKPhysicalDevice, format, &fp)
	fp.Deref()
	return FormatFeatures{
		Linear:  fp.LinearTilingFeatures,
		Optimal: fp.OptimalTilingFeatures,
		Buffer:  fp.BufferFeatures,
	}
}

// SurfaceCapabilities is a dereferenced vk.SurfaceCapabilities.
type SurfaceCapabilities struct {
	MinImageCount           uint32
	MaxImageCount           uint32
	CurrentExtent           vk.Extent2D
	MinImageExtent          vk.Extent2D
	MaxImageExtent          vk.Extent2D
	CurrentTransform        vk.SurfaceTransformFlagBits
	SupportedCompositeAlpha vk.CompositeAlphaFlags
}

// SurfaceSupport describes what a surface supports on a physical device.
type SurfaceSupport struct {
	Capabilities SurfaceCapabilities
	Formats      []vk.SurfaceFormat
	PresentModes []vk.PresentMode
}

// Adequate reports whether a swapchain can be built for the surface.
func (s *SurfaceSupport) Adequate() bool {
	return len(s.Formats) > 0 && len(s.PresentModes) > 0
}

// SurfaceSupport queries capabilities, formats and present modes.
func (p *PhysicalDevice) SurfaceSupport(surface vk.Surface) (*SurfaceSupport, error) {
	var caps vk.SurfaceCapabilities
	if err := vkErr(vk.GetPhysicalDeviceSurfaceCapabilities(p.VKPhysicalDevice, surface, &caps), "surface capabilities"); err != nil {
		return nil, err
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	ret := &SurfaceSupport{
		Capabilities: SurfaceCapabilities{
			MinImageCount:           caps.MinImageCount,
			MaxImageCount:           caps.MaxImageCount,
			CurrentExtent:           vk.Extent2D{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
			MinImageExtent:          vk.Extent2D{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
			MaxImageExtent:          vk.Extent2D{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
			CurrentTransform:        caps.CurrentTransform,
			SupportedCompositeAlpha: caps.SupportedCompositeAlpha,
		},
	}

	var count uint32
	if err := vkErr(vk.GetPhysicalDeviceSurfaceFormats(p.VKPhysicalDevice, surface, &count, nil), "surface formats"); err != nil {
		return nil, err
	}
	if count > 0 {
		formats := make([]vk.SurfaceFormat, count)
		if err := vkErr(vk.GetPhysicalDeviceSurfaceFormats(p.VKPhysicalDevice, surface, &count, formats), "surface formats"); err != nil {
			return nil, err
		}
		for _, f := range formats {
			f.Deref()
			ret.Formats = append(ret.Formats, vk.SurfaceFormat{Format: f.Format, ColorSpace: f.ColorSpace})
		}
	}

	count = 0
	if err := vkErr(vk.GetPhysicalDeviceSurfacePresentModes(p.VKPhysicalDevice, surface, &count, nil), "surface present modes"); err != nil {
		return nil, err
	}
	if count > 0 {
		ret.PresentModes = make([]vk.PresentMode, count)
		if err := vkErr(vk.GetPhysicalDeviceSurfacePresentModes(p.VKPhysicalDevice, surface, &count, ret.PresentModes), "surface present modes"); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// deviceCandidate is everything device selection looks at, gathered up
// front so rating and suitability are plain functions.
type deviceCandidate struct {
	Name                string
	Discrete            bool
	MaxImageDimension2D uint32
	GeometryShader      bool
	SamplerAnisotropy   bool
	Families            QueueFamilyIndices
	Extensions          []string
	FormatCount         int
	PresentModeCount    int
}

// rateDevice scores a device. Devices without geometry shaders score 0.
func rateDevice(c deviceCandidate) int {
	if !c.GeometryShader {
		return 0
	}
	score := 0
	if c.Discrete {
		score += 1000
	}
	score += int(c.MaxImageDimension2D)
	return score
}

// missingExtensions returns the required extensions absent from available.
func missingExtensions(required, available []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, a := range available {
		have[trimNull(a)] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := have[trimNull(r)]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

func isDeviceSuitable(c deviceCandidate, required []string) bool {
	return c.Families.IsComplete() &&
		len(missingExtensions(required, c.Extensions)) == 0 &&
		c.FormatCount > 0 && c.PresentModeCount > 0 &&
		c.SamplerAnisotropy
}

// pickDevice returns the index of the best suitable candidate. A preferred
// name other than "" or "auto" selects the first suitable device whose name
// contains it, case-insensitively, falling back to the best score.
func pickDevice(cands []deviceCandidate, required []string, preferred string) (int, error) {
	type scored struct {
		index int
		score int
	}
	var suitable []scored
	for i, c := range cands {
		if !isDeviceSuitable(c, required) {
			continue
		}
		s := rateDevice(c)
		if s <= 0 {
			continue
		}
		suitable = append(suitable, scored{index: i, score: s})
	}
	if len(suitable) == 0 {
		return -1, ErrNoSuitableDevice
	}
	if preferred != "" && !strings.EqualFold(preferred, "auto") {
		for _, s := range suitable {
			if strings.Contains(strings.ToLower(cands[s.index].Name), strings.ToLower(preferred)) {
				return s.index, nil
			}
		}
		Logger().Warn("preferred GPU not found, using best match", slog.String("preferred", preferred))
	}
	sort.SliceStable(suitable, func(a, b int) bool { return suitable[a].score > suitable[b].score })
	return suitable[0].index, nil
}

// candidate gathers the selection inputs for this device against a surface.
func (p *PhysicalDevice) candidate(surface vk.Surface) (deviceCandidate, error) {
	c := deviceCandidate{
		Name:                p.DeviceName,
		Discrete:            p.Discrete,
		MaxImageDimension2D: p.MaxImageDimension2D,
		GeometryShader:      p.GeometryShader,
		SamplerAnisotropy:   p.SamplerAnisotropy,
		Families:            p.QueueFamilies().Indices(surface),
	}
	var err error
	c.Extensions, err = p.SupportedExtensions()
	if err != nil {
		return c, err
	}
	support, err := p.SurfaceSupport(surface)
	if err != nil {
		return c, err
	}
	c.FormatCount = len(support.Formats)
	c.PresentModeCount = len(support.PresentModes)
	return c, nil
}

// selectPhysicalDevice rates every device and returns the chosen one with
// its queue family indices.
func selectPhysicalDevice(devices []*PhysicalDevice, surface vk.Surface, required []string, preferred string) (*PhysicalDevice, QueueFamilyIndices, error) {
	cands := make([]deviceCandidate, len(devices))
	for i, d := range devices {
		c, err := d.candidate(surface)
		if err != nil {
			Logger().Warn("skipping device", slog.String("device", d.DeviceName), slog.Any("err", err))
			continue
		}
		cands[i] = c
		Logger().Debug("device candidate",
			slog.String("device", c.Name),
			slog.Int("score", rateDevice(c)),
			slog.Bool("suitable", isDeviceSuitable(c, required)))
	}
	idx, err := pickDevice(cands, required, preferred)
	if err != nil {
		return nil, QueueFamilyIndices{}, errors.Wrapf(err, "%d devices considered", len(devices))
	}
	return devices[idx], cands[idx].Families, nil
}

// FindMemoryType returns the first memory type allowed by typeFilter that
// has all of properties.
func (p *PhysicalDevice) FindMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	if i, ok := findMemoryTypeIndex(p.MemoryTypes, typeFilter, properties); ok {
		return i, nil
	}
	return 0, errors.Wrapf(ErrNoMemoryType, "filter %#x properties %#x", typeFilter, uint32(properties))
}

func findMemoryTypeIndex(types []MemoryType, typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, bool) {
	for i, mt := range types {
		if typeFilter&(1<<uint(i)) != 0 && mt.Has(properties) {
			return uint32(i), true
		}
	}
	return 0, false
}

// FindSupportedFormat returns the first candidate that supports features
// with the given tiling.
func (p *PhysicalDevice) FindSupportedFormat(candidates []vk.Format, tiling vk.ImageTiling, features vk.FormatFeatureFlags) (vk.Format, error) {
	for _, f := range candidates {
		if p.FormatFeatures(f).Supports(tiling, features) {
			return f, nil
		}
	}
	return vk.FormatUndefined, errors.Wrap(ErrNoSupportedFormat, fmt.Sprintf("%d candidates", len(candidates)))
}
