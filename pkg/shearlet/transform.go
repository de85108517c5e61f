// Package shearlet detects edges with a discrete shearlet filter bank. Every
// filter is a band-pass radial window times a sheared directional window,
// applied to the image spectrum. The strongest response across scales and
// shears gives the edge strength and its orientation at each pixel.
package shearlet

import (
	"math"
	"math/cmplx"

	"github.com/rs/zerolog"

	"medfuse/internal/models"
)

const (
	defaultScales = 3

	// minEdge is the strongest response still treated as numerical noise
	minEdge = 1e-9
)

// Transform implements the discrete shearlet edge detector
type Transform struct {
	scales int
	logger zerolog.Logger
}

// EdgeInfo holds edge detection information for a plane
type EdgeInfo struct {
	// Edges are normalized to [0,1], row-major like the input plane
	Edges []float64

	// Orientations hold the gradient direction in radians of the filter
	// that responded strongest at each pixel
	Orientations []float64

	Width  int
	Height int
}

// Option configures a Transform
type Option func(*Transform)

// WithScales sets the number of scales. Scale j carries 2^j shears on each
// side of the cone axis.
func WithScales(scales int) Option {
	return func(t *Transform) {
		if scales > 0 {
			t.scales = scales
		}
	}
}

// WithLogger attaches a logger for progress output
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transform) {
		t.logger = logger
	}
}

// NewTransform creates a new shearlet transform instance
func NewTransform(opts ...Option) *Transform {
	t := &Transform{
		scales: defaultScales,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// filter is one element of the bank. The frequency response is evaluated on
// demand so that large grids need no stored bank.
type filter struct {
	scale int
	shear int

	// vertical selects the cone around the vertical frequency axis
	vertical bool

	// center is the normalized radial frequency of peak response
	center float64

	// slope is the sheared direction within the cone, sharpness the inverse
	// width of the directional window
	slope     float64
	sharpness float64

	orientation float64
}

// response evaluates the filter at normalized frequency (fx, fy)
func (f filter) response(fx, fy float64) float64 {
	r := math.Hypot(fx, fy)
	if r == 0 {
		return 0
	}

	var s float64
	if f.vertical {
		if math.Abs(fy) < math.Abs(fx) {
			return 0
		}
		s = fx / fy
	} else {
		if math.Abs(fx) < math.Abs(fy) {
			return 0
		}
		s = fy / fx
	}

	q := (r / f.center) * (r / f.center)
	radial := q * math.Exp(1-q)

	d := (s - f.slope) * f.sharpness
	return radial * math.Exp(-0.5*d*d)
}

// filters builds the bank, coarsest scale first
func (t *Transform) filters() []filter {
	var bank []filter
	for scale := 0; scale < t.scales; scale++ {
		maxShear := 1 << scale
		center := 0.5 / float64(int(1)<<(t.scales-1-scale))

		for _, vertical := range []bool{false, true} {
			for _, shear := range t.getShearRange(maxShear) {
				slope := float64(shear) / float64(maxShear)
				orientation := math.Atan(slope)
				if vertical {
					orientation = math.Pi/2 - orientation
				}
				bank = append(bank, filter{
					scale:       scale,
					shear:       shear,
					vertical:    vertical,
					center:      center,
					slope:       slope,
					sharpness:   2 * float64(maxShear),
					orientation: orientation,
				})
			}
		}
	}
	return bank
}

// getShearRange returns the range of shear parameters for a given maximum shear
func (t *Transform) getShearRange(maxShear int) []int {
	shearRange := make([]int, 2*maxShear+1)
	for i := 0; i <= 2*maxShear; i++ {
		shearRange[i] = i - maxShear
	}
	return shearRange
}

// DetectEdgesWithOrientation applies the shearlet transform to detect edges
// and their orientations. Non-square planes are padded to a square by
// replicating their last row or column.
func (t *Transform) DetectEdgesWithOrientation(p models.Plane) EdgeInfo {
	n := p.Width * p.Height
	info := EdgeInfo{
		Edges:        make([]float64, n),
		Orientations: make([]float64, n),
		Width:        p.Width,
		Height:       p.Height,
	}
	if n == 0 {
		return info
	}

	size := max(p.Width, p.Height)
	plan := newFFTPlan(size)
	spectrum := plan.forward(padSquare(p, size))

	bank := t.filters()
	t.logger.Debug().
		Int("width", p.Width).
		Int("height", p.Height).
		Int("filters", len(bank)).
		Int("scales", t.scales).
		Msg("Detecting edges")

	filtered := make([]complex128, size*size)
	for _, f := range bank {
		for i := 0; i < size; i++ {
			fy := frequency(i, size)
			for j := 0; j < size; j++ {
				filtered[i*size+j] = spectrum[i*size+j] * complex(f.response(frequency(j, size), fy), 0)
			}
		}
		plan.inverse(filtered)

		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				c := cmplx.Abs(filtered[y*size+x])
				idx := y*p.Width + x
				if c > info.Edges[idx] {
					info.Edges[idx] = c
					info.Orientations[idx] = f.orientation
				}
			}
		}
	}

	maxEdge := 0.0
	for _, e := range info.Edges {
		maxEdge = math.Max(maxEdge, e)
	}
	if maxEdge < minEdge {
		for i := range info.Edges {
			info.Edges[i] = 0
			info.Orientations[i] = 0
		}
		return info
	}
	for i := range info.Edges {
		info.Edges[i] /= maxEdge
	}

	t.logger.Debug().Float64("peak", maxEdge).Msg("Edge detection completed")
	return info
}

// DetectEdges is a simplified version that only returns the edge map
func (t *Transform) DetectEdges(p models.Plane) []float64 {
	return t.DetectEdgesWithOrientation(p).Edges
}

// padSquare copies p into a size×size grid, repeating the last column and
// row into the padding
func padSquare(p models.Plane, size int) []float64 {
	out := make([]float64, size*size)
	for y := 0; y < size; y++ {
		sy := min(y, p.Height-1)
		for x := 0; x < size; x++ {
			out[y*size+x] = p.At(min(x, p.Width-1), sy)
		}
	}
	return out
}
