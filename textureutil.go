package vkg

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	vk "github.com/goki/vulkan"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// TextureFormat is the format decoded images are uploaded in.
const TextureFormat = vk.FormatR8g8b8a8Unorm

// toRGBA returns src as tightly packed RGBA with its origin at 0,0.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	if m, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && m.Stride == 4*b.Dx() {
		return m
	}
	m := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(m, m.Bounds(), src, b.Min, draw.Src)
	return m
}

// UploadImage uploads src as a sampled RGBA texture, with a full mip
// chain when mipmaps is set.
func (rm *ResourceManager) UploadImage(src image.Image, mipmaps bool) (AllocatedImage, error) {
	m := toRGBA(src)
	w, h := uint32(m.Rect.Dx()), uint32(m.Rect.Dy())
	mips := uint32(1)
	if mipmaps {
		mips = MipLevelsFor(w, h)
	}
	return rm.UploadTexture(m.Pix, w, h, TextureFormat, mips)
}

// DecodeImageFile decodes a png, jpeg, bmp or webp file.
func DecodeImageFile(filename string) (image.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", filename)
	}
	return src, nil
}

// UploadImageFile decodes filename and uploads it with UploadImage.
func (rm *ResourceManager) UploadImageFile(filename string, mipmaps bool) (AllocatedImage, error) {
	src, err := DecodeImageFile(filename)
	if err != nil {
		return AllocatedImage{}, err
	}
	return rm.UploadImage(src, mipmaps)
}
