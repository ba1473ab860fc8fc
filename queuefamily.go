package vkg

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// QueueFamilyIndices holds the chosen family per role. A negative index
// means no family was found for that role.
type QueueFamilyIndices struct {
	Graphics int
	Present  int
	Transfer int
}

func noQueueFamilies() QueueFamilyIndices {
	return QueueFamilyIndices{Graphics: -1, Present: -1, Transfer: -1}
}

// IsComplete reports whether every role has a family.
func (q QueueFamilyIndices) IsComplete() bool {
	return q.Graphics >= 0 && q.Present >= 0 && q.Transfer >= 0
}

// Unique returns the distinct family indices in graphics, present, transfer
// order.
func (q QueueFamilyIndices) Unique() []uint32 {
	var ret []uint32
	seen := map[int]bool{}
	for _, i := range []int{q.Graphics, q.Present, q.Transfer} {
		if i < 0 || seen[i] {
			continue
		}
		seen[i] = true
		ret = append(ret, uint32(i))
	}
	return ret
}

func (q QueueFamilyIndices) String() string {
	return fmt.Sprintf("{ Graphics: %d Present: %d Transfer: %d }", q.Graphics, q.Present, q.Transfer)
}

// queueFamilyInfo is the part of a family that selection looks at.
type queueFamilyInfo struct {
	Flags   vk.QueueFlags
	Present bool
}

// findQueueFamilies walks the families in order, letting later matches
// overwrite earlier ones, and stops as soon as every role is filled.
func findQueueFamilies(families []queueFamilyInfo) QueueFamilyIndices {
	ret := noQueueFamilies()
	for i, f := range families {
		if f.Flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			ret.Graphics = i
		}
		if f.Present {
			ret.Present = i
		}
		if f.Flags&vk.QueueFlags(vk.QueueTransferBit) != 0 {
			ret.Transfer = i
		}
		if ret.IsComplete() {
			break
		}
	}
	return ret
}

type QueueFamilySlice []*QueueFamily

func (ql QueueFamilySlice) Filter(f func(q *QueueFamily) bool) QueueFamilySlice {
	ret := make([]*QueueFamily, 0)
	for _, q := range ql {
		if f(q) {
			ret = append(ret, q)
		}
	}
	return ret
}

func (ql QueueFamilySlice) FilterGraphics() QueueFamilySlice {
	return ql.Filter(func(q *QueueFamily) bool {
		return q.IsGraphics()
	})
}

// Indices picks the graphics, present and transfer families for surface.
func (ql QueueFamilySlice) Indices(surface vk.Surface) QueueFamilyIndices {
	infos := make([]queueFamilyInfo, len(ql))
	for i, q := range ql {
		infos[i] = queueFamilyInfo{
			Flags:   q.VKQueueFamilyProperties.QueueFlags,
			Present: q.SupportsPresent(surface),
		}
	}
	return findQueueFamilies(infos)
}

type QueueFamily struct {
	Index                   int
	PhysicalDevice          *PhysicalDevice
	VKQueueFamilyProperties vk.QueueFamilyProperties
}

func (q *QueueFamily) has(bit vk.QueueFlagBits) bool {
	return q.VKQueueFamilyProperties.QueueFlags&vk.QueueFlags(bit) == vk.QueueFlags(bit)
}

func (q *QueueFamily) IsCompute() bool  { return q.has(vk.QueueComputeBit) }
func (q *QueueFamily) IsGraphics() bool { return q.has(vk.QueueGraphicsBit) }
func (q *QueueFamily) IsTransfer() bool { return q.has(vk.QueueTransferBit) }

func (q *QueueFamily) SupportsPresent(surface vk.Surface) bool {
	if isNull(surface) {
		return false
	}
	var supportsPresent vk.Bool32
	vk.GetPhysicalDeviceSurfaceSupport(q.PhysicalDevice.VKPhysicalDevice, uint32(q.Index), surface, &supportsPresent)
	return supportsPresent == vk.True
}

func (q *QueueFamily) String() string {
	return fmt.Sprintf("{ Index: %d Count: %d Compute: %v Graphics: %v Transfer: %v }",
		q.Index, q.VKQueueFamilyProperties.QueueCount, q.IsCompute(), q.IsGraphics(), q.IsTransfer())
}
