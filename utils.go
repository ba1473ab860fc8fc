package vkg

import (
	"unsafe"
)

const end = "\x00"

// ToBytes views n bytes starting at ptr as a byte slice. The slice aliases
// the memory, so it is only valid while the mapping behind ptr is.
func ToBytes(ptr unsafe.Pointer, n int) []byte {
	if ptr == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// safeString null-terminates s for the C side of the bindings.
func safeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != end[0] {
		return s + end
	}
	return s
}

func safeStrings(list []string) []string {
	ret := make([]string, len(list))
	for i := range list {
		ret[i] = safeString(list[i])
	}
	return ret
}

func trimNull(s string) string {
	for len(s) > 0 && s[len(s)-1] == end[0] {
		s = s[:len(s)-1]
	}
	return s
}

func clampUint32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func containsString(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

// isNull reports whether a Vulkan handle is the null handle. Handles are
// pointers on 64-bit targets and integers elsewhere, the zero value covers both.
func isNull[T comparable](h T) bool {
	var zero T
	return h == zero
}
