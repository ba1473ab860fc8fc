package vkg

import (
	"fmt"
)

// Region is a sub-range of a memory block.
type Region struct {
	Offset uint64
	Size   uint64
}

func (r *Region) String() string {
	return fmt.Sprintf("[%d %d]", r.Offset, r.Size)
}

func (r *Region) end() uint64 { return r.Offset + r.Size }

// LinearAllocator sub-allocates a fixed size range. Live regions are kept
// sorted by offset and free space is whatever lies between them, so freeing
// a region merges it with any neighbouring free space.
type LinearAllocator struct {
	Size    uint64
	regions []*Region
	used    uint64
}

func NewLinearAllocator(size uint64) *LinearAllocator {
	return &LinearAllocator{Size: size}
}

func alignUp(a, align uint64) uint64 {
	if align <= 1 {
		return a
	}
	m := a % align
	if m == 0 {
		return a
	}
	return a - m + align
}

func alignDown(a, align uint64) uint64 {
	if align <= 1 {
		return a
	}
	return a - a%align
}

// Allocate returns the first gap that fits size bytes at the given
// alignment, or nil when no gap is large enough.
func (p *LinearAllocator) Allocate(size, align uint64) *Region {
	if size == 0 || size > p.Size {
		return nil
	}
	var lo uint64
	for i := 0; i <= len(p.regions); i++ {
		hi := p.Size
		if i < len(p.regions) {
			hi = p.regions[i].Offset
		}
		start := alignUp(lo, align)
		if start <= hi && hi-start >= size {
			r := &Region{Offset: start, Size: size}
			p.regions = append(p.regions, nil)
			copy(p.regions[i+1:], p.regions[i:])
			p.regions[i] = r
			p.used += size
			return r
		}
		if i < len(p.regions) {
			lo = p.regions[i].end()
		}
	}
	return nil
}

// Free releases r. It reports false when r does not belong to p.
func (p *LinearAllocator) Free(r *Region) bool {
	for i, c := range p.regions {
		if c == r {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			p.used -= r.Size
			return true
		}
	}
	return false
}

// Used is the number of bytes in live regions.
func (p *LinearAllocator) Used() uint64 { return p.used }

// Empty reports whether no region is live.
func (p *LinearAllocator) Empty() bool { return len(p.regions) == 0 }

// Len is the number of live regions.
func (p *LinearAllocator) Len() int { return len(p.regions) }

// LargestFree is the size of the largest unaligned gap.
func (p *LinearAllocator) LargestFree() uint64 {
	var lo, best uint64
	for _, r := range p.regions {
		if r.Offset-lo > best {
			best = r.Offset - lo
		}
		lo = r.end()
	}
	if p.Size-lo > best {
		best = p.Size - lo
	}
	return best
}

func (p *LinearAllocator) String() string {
	return fmt.Sprintf("%v", p.regions)
}
