// Package colorspace converts 8-bit images to and from the floating point
// luma/chroma representation the fusion core works in.
//
// The conversion follows the YCrCb convention used for normalized float images:
//
//	Y  = 0.299 R + 0.587 G + 0.114 B
//	Cr = (R - Y) * 0.713 + 0.5
//	Cb = (B - Y) * 0.564 + 0.5
//
// with all channels in [0, 1].
package colorspace

import (
	"fmt"

	"medfuse/internal/models"
)

const (
	kr = 0.299
	kg = 0.587
	kb = 0.114

	crScale = 0.713
	cbScale = 0.564

	// Inverse coefficients
	rFromCr = 1.403
	gFromCr = -0.714
	gFromCb = -0.344
	bFromCb = 1.773

	chromaDelta = 0.5
)

// Chroma is the pair of color difference planes that accompany a luminance
// plane. It is kept untouched between decomposition and reconstruction.
type Chroma struct {
	Cr models.Plane
	Cb models.Plane
}

// ChannelError reports an image whose channel count the converter cannot handle
type ChannelError struct {
	// Index is the position of the image in the caller's input, or -1
	Index    int
	Channels int
}

func (e *ChannelError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("unsupported channel count %d (want 1 or 3)", e.Channels)
	}
	return fmt.Sprintf("image %d: unsupported channel count %d (want 1 or 3)", e.Index, e.Channels)
}

// IsGray reports whether img carries no color information: either it has a
// single channel, or all three channels are identical at every pixel.
func IsGray(img *models.Image) bool {
	if img.Channels < 3 {
		return true
	}
	n := img.Width * img.Height
	c := img.Channels
	for i := 0; i < n; i++ {
		r := img.Pix[i*c]
		if img.Pix[i*c+1] != r || img.Pix[i*c+2] != r {
			return false
		}
	}
	return true
}

// NormalizeGray maps a gray image to a [0,1] plane. Three channel images with
// identical channels use channel 0.
func NormalizeGray(img *models.Image) models.Plane {
	p := models.NewPlane(img.Width, img.Height)
	c := img.Channels
	for i := range p.Data {
		p.Data[i] = float64(img.Pix[i*c]) / 255.0
	}
	return p
}

// ToLuminanceChrominance splits an 8-bit RGB image into its Y plane and the
// Cr/Cb pair.
func ToLuminanceChrominance(img *models.Image) (models.Plane, Chroma, error) {
	if img.Channels != 3 {
		return models.Plane{}, Chroma{}, &ChannelError{Index: -1, Channels: img.Channels}
	}

	w, h := img.Width, img.Height
	y := models.NewPlane(w, h)
	chroma := Chroma{Cr: models.NewPlane(w, h), Cb: models.NewPlane(w, h)}

	for i := range y.Data {
		r := float64(img.Pix[i*3]) / 255.0
		g := float64(img.Pix[i*3+1]) / 255.0
		b := float64(img.Pix[i*3+2]) / 255.0

		lum := kr*r + kg*g + kb*b
		y.Data[i] = lum
		chroma.Cr.Data[i] = (r-lum)*crScale + chromaDelta
		chroma.Cb.Data[i] = (b-lum)*cbScale + chromaDelta
	}

	return y, chroma, nil
}

// FromLuminanceChrominance rebuilds an RGB image. Values are clipped to [0,1]
// before scaling, since a fused luminance may leave the valid range.
func FromLuminanceChrominance(y models.Plane, chroma Chroma) (*models.Image, error) {
	if y.Size() != chroma.Cr.Size() || y.Size() != chroma.Cb.Size() {
		return nil, fmt.Errorf("luminance %v and chrominance %v/%v differ in size",
			y.Size(), chroma.Cr.Size(), chroma.Cb.Size())
	}

	out := models.NewImage(y.Width, y.Height, 3)
	for i, lum := range y.Data {
		cr := chroma.Cr.Data[i] - chromaDelta
		cb := chroma.Cb.Data[i] - chromaDelta

		out.Pix[i*3] = ToUint8(lum + rFromCr*cr)
		out.Pix[i*3+1] = ToUint8(lum + gFromCr*cr + gFromCb*cb)
		out.Pix[i*3+2] = ToUint8(lum + bFromCb*cb)
	}
	return out, nil
}

// PlaneToGray converts a [0,1] plane to a single channel 8-bit image
func PlaneToGray(p models.Plane) *models.Image {
	out := models.NewImage(p.Width, p.Height, 1)
	for i, v := range p.Data {
		out.Pix[i] = ToUint8(v)
	}
	return out
}

// ToUint8 clips v to [0,1] and scales it to 8 bits, truncating toward zero
func ToUint8(v float64) uint8 {
	return uint8(Clip(v) * 255)
}

// Clip limits v to [0,1]
func Clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
