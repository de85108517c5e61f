package models

import (
	"fmt"
	"image"
)

// Image is an 8-bit raster with interleaved channels, as handed to and returned
// by the fusion core. Channels is 1 for grayscale and 3 for RGB.
type Image struct {
	// Pix holds the samples in row-major order, Channels values per pixel
	Pix []uint8

	// Width and Height are the spatial dimensions in pixels
	Width  int
	Height int

	// Channels is the number of interleaved samples per pixel
	Channels int
}

// NewImage allocates a zeroed image with the given geometry
func NewImage(width, height, channels int) *Image {
	return &Image{
		Pix:      make([]uint8, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

// Size returns the spatial dimensions as a point
func (img *Image) Size() image.Point {
	return image.Point{X: img.Width, Y: img.Height}
}

// At returns the sample of channel c at (x, y)
func (img *Image) At(x, y, c int) uint8 {
	return img.Pix[(y*img.Width+x)*img.Channels+c]
}

// Set stores the sample of channel c at (x, y)
func (img *Image) Set(x, y, c int, v uint8) {
	img.Pix[(y*img.Width+x)*img.Channels+c] = v
}

// Clone returns a deep copy of the image
func (img *Image) Clone() *Image {
	out := &Image{
		Pix:      make([]uint8, len(img.Pix)),
		Width:    img.Width,
		Height:   img.Height,
		Channels: img.Channels,
	}
	copy(out.Pix, img.Pix)
	return out
}

func (img *Image) String() string {
	return fmt.Sprintf("Image[%dx%dx%d]", img.Width, img.Height, img.Channels)
}

// Plane is a single-channel floating point grid stored row-major. Luminance,
// chrominance, saliency and weight maps all use this representation.
type Plane struct {
	Data   []float64
	Width  int
	Height int
}

// NewPlane allocates a zeroed plane
func NewPlane(width, height int) Plane {
	return Plane{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

func (p Plane) At(x, y int) float64     { return p.Data[y*p.Width+x] }
func (p Plane) Set(x, y int, v float64) { p.Data[y*p.Width+x] = v }
func (p Plane) Size() image.Point       { return image.Point{X: p.Width, Y: p.Height} }

// Clone returns a deep copy of the plane
func (p Plane) Clone() Plane {
	out := NewPlane(p.Width, p.Height)
	copy(out.Data, p.Data)
	return out
}
