package vkg

import (
	"unsafe"

	vk "github.com/goki/vulkan"
)

// ByteSource is anything that can be uploaded as raw bytes.
type ByteSource interface {
	Bytes() []byte
}

// IndexSource is index data with its element type.
type IndexSource interface {
	ByteSource
	IndexType() vk.IndexType
}

// RawBytes is a ByteSource over a byte slice.
type RawBytes []byte

func (b RawBytes) Bytes() []byte { return b }

// Float32Slice is vertex data of packed float32 attributes.
type Float32Slice []float32

func (f Float32Slice) Bytes() []byte {
	if len(f) == 0 {
		return nil
	}
	return ToBytes(unsafe.Pointer(&f[0]), len(f)*int(unsafe.Sizeof(float32(0))))
}

type IndexSliceUint16 []uint16

func (i IndexSliceUint16) Bytes() []byte {
	if len(i) == 0 {
		return nil
	}
	return ToBytes(unsafe.Pointer(&i[0]), len(i)*int(unsafe.Sizeof(uint16(0))))
}

func (i IndexSliceUint16) IndexType() vk.IndexType {
	return vk.IndexTypeUint16
}

type IndexSliceUint32 []uint32

func (i IndexSliceUint32) Bytes() []byte {
	if len(i) == 0 {
		return nil
	}
	return ToBytes(unsafe.Pointer(&i[0]), len(i)*int(unsafe.Sizeof(uint32(0))))
}

func (i IndexSliceUint32) IndexType() vk.IndexType {
	return vk.IndexTypeUint32
}
