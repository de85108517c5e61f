// Package procrustes finds the similarity transform that best maps one set of
// landmarks onto another.
//
// Given target points X and source points Y (one point per row), Align
// returns the rotation T, scale b and translation c minimizing
// ||X - (b*Y*T + c)||², along with the normalized residual (disparity).
package procrustes

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Reflection controls whether the fitted rotation may mirror the source
type Reflection int

const (
	// ReflectionBest keeps whatever the SVD yields
	ReflectionBest Reflection = iota
	// ReflectionAllow forces a transform that includes a reflection
	ReflectionAllow
	// ReflectionForbid forces a proper rotation
	ReflectionForbid
)

func (r Reflection) String() string {
	switch r {
	case ReflectionBest:
		return "best"
	case ReflectionAllow:
		return "true"
	case ReflectionForbid:
		return "false"
	default:
		return fmt.Sprintf("Reflection(%d)", int(r))
	}
}

// ParseReflection converts "best", "true" or "false" into a Reflection
func ParseReflection(s string) (Reflection, error) {
	switch s {
	case "", "best":
		return ReflectionBest, nil
	case "true":
		return ReflectionAllow, nil
	case "false":
		return ReflectionForbid, nil
	default:
		return ReflectionBest, fmt.Errorf("unknown reflection mode %q", s)
	}
}

// Options configures Align
type Options struct {
	// Scaling fits the scale factor; when false the scale is fixed at 1
	Scaling    bool
	Reflection Reflection
}

// DefaultOptions matches the common Procrustes defaults
func DefaultOptions() Options {
	return Options{Scaling: true, Reflection: ReflectionBest}
}

// Transform maps source points onto the target frame as b*Y*T + c
type Transform struct {
	// Rotation is dims(Y) x dims(X)
	Rotation    *mat.Dense
	Scale       float64
	Translation []float64
}

// Apply maps the rows of y with the transform
func (t Transform) Apply(y mat.Matrix) (*mat.Dense, error) {
	rr, rc := t.Rotation.Dims()
	n, d := y.Dims()
	if d != rr {
		return nil, fmt.Errorf("points have %d dimensions, transform expects %d", d, rr)
	}

	var out mat.Dense
	out.Mul(y, t.Rotation)
	out.Scale(t.Scale, &out)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		floats.Add(row, t.Translation[:rc])
	}
	return &out, nil
}

// Result of an alignment
type Result struct {
	// Disparity is the residual sum of squares of the normalized sets
	Disparity float64

	// Z is Y mapped into X's frame
	Z *mat.Dense

	Transform Transform
}

// Align fits Y onto X. Both sets need the same number of points; when their
// dimensionality differs the smaller set is padded with zero columns.
func Align(x, y mat.Matrix, opts Options) (*Result, error) {
	n, mx := x.Dims()
	ny, my := y.Dims()
	if n != ny {
		return nil, &DegenerateInputError{Points: n, Reason: fmt.Sprintf("point counts differ (%d vs %d)", n, ny)}
	}
	if n < 2 {
		return nil, &DegenerateInputError{Points: n, Reason: "at least two points are required"}
	}
	m := max(mx, my)

	// Center both sets, padding to a common dimensionality
	x0, muX := centered(x, m)
	y0, muY := centered(y, m)

	ssX := sumSquares(x0)
	ssY := sumSquares(y0)
	if ssX == 0 {
		return nil, &DegenerateInputError{Points: n, Reason: "target points are all identical"}
	}
	if ssY == 0 {
		return nil, &DegenerateInputError{Points: n, Reason: "source points are all identical"}
	}

	normX := math.Sqrt(ssX)
	normY := math.Sqrt(ssY)
	x0.Scale(1/normX, x0)
	y0.Scale(1/normY, y0)

	// Optimum rotation from the SVD of X0ᵀY0
	var a mat.Dense
	a.Mul(x0.T(), y0)

	var svd mat.SVD
	if ok := svd.Factorize(&a, mat.SVDThin); !ok {
		return nil, &NumericalInstabilityError{Op: "svd"}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	var t mat.Dense
	t.Mul(&v, u.T())

	if opts.Reflection != ReflectionBest {
		hasReflection := mat.Det(&t) < 0
		wantReflection := opts.Reflection == ReflectionAllow
		if hasReflection != wantReflection {
			last := len(s) - 1
			for i := 0; i < m; i++ {
				v.Set(i, last, -v.At(i, last))
			}
			s[last] = -s[last]
			t.Mul(&v, u.T())
		}
	}

	traceTA := floats.Sum(s)
	if math.IsNaN(traceTA) || math.IsInf(traceTA, 0) {
		return nil, &NumericalInstabilityError{Op: "trace"}
	}

	var (
		b         float64
		disparity float64
		z         mat.Dense
	)
	z.Mul(y0, &t)
	if opts.Scaling {
		b = traceTA * normX / normY
		disparity = 1 - traceTA*traceTA
		z.Scale(normX*traceTA, &z)
	} else {
		b = 1
		disparity = 1 + ssY/ssX - 2*traceTA*normY/normX
		z.Scale(normY, &z)
	}
	for i := 0; i < n; i++ {
		floats.Add(z.RawRowView(i), muX)
	}

	// Only the rows that act on Y's own coordinates are part of the transform
	rotation := mat.DenseCopyOf(t.Slice(0, my, 0, m))

	muYRow := mat.NewDense(1, my, muY[:my])
	var shift mat.Dense
	shift.Mul(muYRow, rotation)
	translation := make([]float64, m)
	floats.AddScaledTo(translation, muX, -b, shift.RawRowView(0))

	return &Result{
		Disparity: disparity,
		Z:         &z,
		Transform: Transform{
			Rotation:    rotation,
			Scale:       b,
			Translation: translation,
		},
	}, nil
}

// centered returns a copy of p with its column means removed, widened to m
// columns, together with the (zero padded) means
func centered(p mat.Matrix, m int) (*mat.Dense, []float64) {
	n, d := p.Dims()
	out := mat.NewDense(n, m, nil)
	mean := make([]float64, m)
	for j := 0; j < d; j++ {
		for i := 0; i < n; i++ {
			mean[j] += p.At(i, j)
		}
		mean[j] /= float64(n)
		for i := 0; i < n; i++ {
			out.Set(i, j, p.At(i, j)-mean[j])
		}
	}
	return out, mean
}

func sumSquares(p *mat.Dense) float64 {
	n, _ := p.Dims()
	var ss float64
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		ss += floats.Dot(row, row)
	}
	return ss
}
