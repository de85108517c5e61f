package procrustes

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// landmarks is a small irregular 2-D point set
func landmarks() *mat.Dense {
	return mat.NewDense(5, 2, []float64{
		0, 0,
		4, 1,
		3, 5,
		-1, 3,
		2, 2.5,
	})
}

// similarity returns s*X*R(theta) + t
func similarity(x *mat.Dense, s, theta float64, t []float64) *mat.Dense {
	r := mat.NewDense(2, 2, []float64{
		math.Cos(theta), math.Sin(theta),
		-math.Sin(theta), math.Cos(theta),
	})
	var y mat.Dense
	y.Mul(x, r)
	y.Scale(s, &y)
	n, _ := y.Dims()
	for i := 0; i < n; i++ {
		y.Set(i, 0, y.At(i, 0)+t[0])
		y.Set(i, 1, y.At(i, 1)+t[1])
	}
	return &y
}

func assertMatrixClose(t *testing.T, name string, want, got mat.Matrix, tol float64) {
	t.Helper()
	if !mat.EqualApprox(want, got, tol) {
		t.Errorf("%s: expected\n%v\ngot\n%v", name, mat.Formatted(want), mat.Formatted(got))
	}
}

// TestExactRecovery aligns a scaled, rotated and shifted copy
func TestExactRecovery(t *testing.T) {
	x := landmarks()
	y := similarity(x, 2.5, math.Pi/6, []float64{10, -4})

	res, err := Align(x, y, DefaultOptions())
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}

	if math.Abs(res.Disparity) > 1e-10 {
		t.Errorf("expected zero disparity, got %g", res.Disparity)
	}
	assertMatrixClose(t, "Z", x, res.Z, 1e-9)

	if math.Abs(res.Transform.Scale-1/2.5) > 1e-9 {
		t.Errorf("expected scale %f, got %f", 1/2.5, res.Transform.Scale)
	}
	if det := mat.Det(res.Transform.Rotation); math.Abs(det-1) > 1e-9 {
		t.Errorf("expected proper rotation, det = %f", det)
	}

	mapped, err := res.Transform.Apply(y)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertMatrixClose(t, "Apply(Y)", x, mapped, 1e-9)
}

// TestWithoutScaling checks the fixed-scale variant on a rigid motion
func TestWithoutScaling(t *testing.T) {
	x := landmarks()
	y := similarity(x, 1, -0.4, []float64{3, 7})

	res, err := Align(x, y, Options{Scaling: false, Reflection: ReflectionBest})
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if math.Abs(res.Disparity) > 1e-10 {
		t.Errorf("expected zero disparity, got %g", res.Disparity)
	}
	if res.Transform.Scale != 1 {
		t.Errorf("expected unit scale, got %f", res.Transform.Scale)
	}
	assertMatrixClose(t, "Z", x, res.Z, 1e-9)

	// A scaled copy cannot be matched without scaling
	res, err = Align(x, similarity(x, 2, 0, []float64{0, 0}), Options{Scaling: false})
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if res.Disparity < 0.1 {
		t.Errorf("expected positive disparity for unmatched scale, got %g", res.Disparity)
	}
}

// TestReflectionPolicy verifies the determinant of the fitted rotation
// follows the requested policy
func TestReflectionPolicy(t *testing.T) {
	x := landmarks()
	mirrored := mat.DenseCopyOf(x)
	for i := 0; i < 5; i++ {
		mirrored.Set(i, 0, -mirrored.At(i, 0))
	}
	rotated := similarity(x, 1.3, 1.1, []float64{-2, 2})

	testCases := []struct {
		name       string
		y          *mat.Dense
		reflection Reflection
		wantNeg    bool
		wantExact  bool
	}{
		{"best on mirrored", mirrored, ReflectionBest, true, true},
		{"forbid on mirrored", mirrored, ReflectionForbid, false, false},
		{"allow on rotated", rotated, ReflectionAllow, true, false},
		{"forbid on rotated", rotated, ReflectionForbid, false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Align(x, tc.y, Options{Scaling: true, Reflection: tc.reflection})
			if err != nil {
				t.Fatalf("Align failed: %v", err)
			}
			det := mat.Det(res.Transform.Rotation)
			if (det < 0) != tc.wantNeg {
				t.Errorf("det = %f, expected negative: %v", det, tc.wantNeg)
			}
			if exact := math.Abs(res.Disparity) < 1e-9; exact != tc.wantExact {
				t.Errorf("disparity %g, expected exact fit: %v", res.Disparity, tc.wantExact)
			}
		})
	}
}

// TestDegenerateInput verifies invalid point sets are rejected
func TestDegenerateInput(t *testing.T) {
	testCases := []struct {
		name string
		x, y *mat.Dense
	}{
		{"single point", mat.NewDense(1, 2, []float64{1, 2}), mat.NewDense(1, 2, []float64{3, 4})},
		{"count mismatch", landmarks(), mat.NewDense(2, 2, []float64{0, 0, 1, 1})},
		{"identical targets", mat.NewDense(3, 2, []float64{1, 1, 1, 1, 1, 1}), mat.NewDense(3, 2, []float64{0, 0, 1, 0, 0, 1})},
		{"identical sources", mat.NewDense(3, 2, []float64{0, 0, 1, 0, 0, 1}), mat.NewDense(3, 2, []float64{5, 5, 5, 5, 5, 5})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Align(tc.x, tc.y, DefaultOptions())
			var degErr *DegenerateInputError
			if !errors.As(err, &degErr) {
				t.Fatalf("expected DegenerateInputError, got %v", err)
			}
		})
	}
}

// TestMixedDimensions aligns a planar set onto a 3-D one
func TestMixedDimensions(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		0, 0, 0,
		2, 0, 0,
		0, 3, 0,
		1, 1, 0,
	})
	y := mat.NewDense(4, 2, []float64{
		0, 0,
		2, 0,
		0, 3,
		1, 1,
	})

	res, err := Align(x, y, DefaultOptions())
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	r, c := res.Transform.Rotation.Dims()
	if r != 2 || c != 3 {
		t.Fatalf("expected 2x3 rotation, got %dx%d", r, c)
	}
	if math.Abs(res.Disparity) > 1e-10 {
		t.Errorf("expected zero disparity, got %g", res.Disparity)
	}

	mapped, err := res.Transform.Apply(y)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertMatrixClose(t, "Apply(Y)", x, mapped, 1e-9)
}

// TestParseReflection covers the configuration strings
func TestParseReflection(t *testing.T) {
	testCases := map[string]Reflection{
		"":      ReflectionBest,
		"best":  ReflectionBest,
		"true":  ReflectionAllow,
		"false": ReflectionForbid,
	}
	for in, want := range testCases {
		got, err := ParseReflection(in)
		if err != nil || got != want {
			t.Errorf("ParseReflection(%q) = %v, %v; expected %v", in, got, err, want)
		}
	}
	if _, err := ParseReflection("maybe"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
