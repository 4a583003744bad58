package core

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// Texture is a single-channel alpha texture sampled by the baker. Texels
// are row-major, one byte per texel.
type Texture struct {
	Name   string
	Texels []uint8
	Width  uint32
	Height uint32
}

// LoadAlphaTexture reads a PNG and keeps only its alpha channel.
func LoadAlphaTexture(filename string) (*Texture, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := png.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("core: decode %s: %w", filename, err)
	}
	return AlphaTextureFromImage(filename, img), nil
}

// AlphaTextureFromImage extracts the alpha channel of an arbitrary image.
// Fully opaque formats yield a texture of all 255s.
func AlphaTextureFromImage(name string, img image.Image) *Texture {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	texels := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			_, _, _, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			texels[y*w+x] = uint8(a >> 8)
		}
	}

	return &Texture{
		Name:   name,
		Texels: texels,
		Width:  uint32(w),
		Height: uint32(h),
	}
}

// At returns the alpha value at (x, y) with wrap addressing.
func (t *Texture) At(x, y int) uint8 {
	w, h := int(t.Width), int(t.Height)
	x = ((x % w) + w) % w
	y = ((y % h) + h) % h
	return t.Texels[y*w+x]
}

// ScaleToBudget downsamples the texture in place until it holds at most
// maxTexels texels, preserving aspect ratio. A zero budget means unlimited.
func (t *Texture) ScaleToBudget(maxTexels uint64) {
	if maxTexels == 0 || uint64(t.Width)*uint64(t.Height) <= maxTexels {
		return
	}

	scale := math.Sqrt(float64(maxTexels) / (float64(t.Width) * float64(t.Height)))
	w := int(float64(t.Width) * scale)
	h := int(float64(t.Height) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	src := &image.Gray{
		Pix:    t.Texels,
		Stride: int(t.Width),
		Rect:   image.Rect(0, 0, int(t.Width), int(t.Height)),
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)

	t.Texels = dst.Pix
	t.Width = uint32(w)
	t.Height = uint32(h)
}
