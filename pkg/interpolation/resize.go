package interpolation

import (
	"fmt"
	"math"

	"medfuse/internal/models"
)

// Method selects how a plane is resampled to a new grid
type Method int

const (
	// Nearest picks src = floor(dst * in / out), the default mode of
	// torch.nn.functional.interpolate
	Nearest Method = iota
	// Bilinear uses half-pixel centers without corner alignment
	Bilinear
)

func (m Method) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts a configuration value into a Method
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	default:
		return Nearest, fmt.Errorf("unknown interpolation method %q", s)
	}
}

// Resize resamples p to width x height. When the size already matches a copy
// is returned so callers may mutate the result freely.
func Resize(p models.Plane, width, height int, method Method) (models.Plane, error) {
	if width <= 0 || height <= 0 {
		return models.Plane{}, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return models.Plane{}, fmt.Errorf("cannot resize empty plane %dx%d", p.Width, p.Height)
	}
	if p.Width == width && p.Height == height {
		return p.Clone(), nil
	}

	switch method {
	case Nearest:
		return resizeNearest(p, width, height), nil
	case Bilinear:
		return resizeBilinear(p, width, height), nil
	default:
		return models.Plane{}, fmt.Errorf("unsupported interpolation method %v", method)
	}
}

func resizeNearest(p models.Plane, width, height int) models.Plane {
	out := models.NewPlane(width, height)
	scaleX := float64(p.Width) / float64(width)
	scaleY := float64(p.Height) / float64(height)

	// Precompute source columns once per call
	srcX := make([]int, width)
	for x := range srcX {
		srcX[x] = nearestIndex(x, scaleX, p.Width)
	}

	for y := 0; y < height; y++ {
		sy := nearestIndex(y, scaleY, p.Height)
		srcRow := p.Data[sy*p.Width : (sy+1)*p.Width]
		dstRow := out.Data[y*width : (y+1)*width]
		for x, sx := range srcX {
			dstRow[x] = srcRow[sx]
		}
	}
	return out
}

func nearestIndex(dst int, scale float64, size int) int {
	src := int(math.Floor(float64(dst) * scale))
	if src > size-1 {
		src = size - 1
	}
	return src
}

func resizeBilinear(p models.Plane, width, height int) models.Plane {
	out := models.NewPlane(width, height)
	scaleX := float64(p.Width) / float64(width)
	scaleY := float64(p.Height) / float64(height)

	for y := 0; y < height; y++ {
		y0, y1, wy := bilinearTaps(y, scaleY, p.Height)
		for x := 0; x < width; x++ {
			x0, x1, wx := bilinearTaps(x, scaleX, p.Width)

			top := p.At(x0, y0)*(1-wx) + p.At(x1, y0)*wx
			bottom := p.At(x0, y1)*(1-wx) + p.At(x1, y1)*wx
			out.Set(x, y, top*(1-wy)+bottom*wy)
		}
	}
	return out
}

// bilinearTaps returns the two neighbouring source indices and the weight of
// the second one
func bilinearTaps(dst int, scale float64, size int) (int, int, float64) {
	src := (float64(dst)+0.5)*scale - 0.5
	if src < 0 {
		src = 0
	}
	i0 := int(src)
	if i0 > size-1 {
		i0 = size - 1
	}
	i1 := i0 + 1
	if i1 > size-1 {
		i1 = size - 1
	}
	return i0, i1, src - float64(i0)
}
