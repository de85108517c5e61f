package metrics

import (
	"math"
	"testing"

	"medfuse/internal/models"
)

// createTestImage builds an image whose samples come from pattern
func createTestImage(width, height, channels int, pattern func(x, y, c int) uint8) *models.Image {
	img := models.NewImage(width, height, channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				img.Set(x, y, c, pattern(x, y, c))
			}
		}
	}
	return img
}

// TestEntropy verifies entropy values for known distributions
func TestEntropy(t *testing.T) {
	testCases := []struct {
		name     string
		data     []float64
		expected float64
	}{
		{"constant", []float64{0.3, 0.3, 0.3, 0.3}, 0},
		{"two levels", []float64{0, 1, 0, 1}, 1},
		{"four levels", []float64{0, 0.25, 0.5, 1}, 2},
		{"empty", nil, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Entropy(tc.data); math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("expected %f bits, got %f", tc.expected, got)
			}
		})
	}
}

// TestMutualInformation compares a signal with itself and with a constant
func TestMutualInformation(t *testing.T) {
	x := []float64{0, 1, 0, 1, 0, 1, 0, 1}
	if got := MutualInformation(x, x); math.Abs(got-1) > 1e-9 {
		t.Errorf("MI(x,x): expected 1 bit, got %f", got)
	}

	constant := make([]float64, len(x))
	if got := MutualInformation(x, constant); math.Abs(got) > 1e-9 {
		t.Errorf("MI(x,const): expected 0, got %f", got)
	}

	if got := MutualInformation(x, x[:3]); got != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %f", got)
	}
}

// planeOf wraps values in a single row plane
func planeOf(values ...float64) models.Plane {
	p := models.NewPlane(len(values), 1)
	copy(p.Data, values)
	return p
}

// TestRMSEAndSSIM checks identity, a known offset and mismatched sizes
func TestRMSEAndSSIM(t *testing.T) {
	x := planeOf(0.1, 0.4, 0.2, 0.9, 0.5)
	if got := RMSE(x, x); got != 0 {
		t.Errorf("RMSE(x,x): expected 0, got %f", got)
	}
	if got := SSIM(x, x); math.Abs(got-1) > 1e-12 {
		t.Errorf("SSIM(x,x): expected 1, got %f", got)
	}

	shifted := x.Clone()
	for i := range shifted.Data {
		shifted.Data[i] += 0.1
	}
	if got := RMSE(x, shifted); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("RMSE: expected 0.1, got %f", got)
	}
	if got := SSIM(x, shifted); got >= 1 || got <= 0 {
		t.Errorf("SSIM of shifted signal should be in (0,1), got %f", got)
	}

	short := planeOf(0.1, 0.4)
	if got := RMSE(x, short); got != 0 {
		t.Errorf("RMSE of mismatched planes: expected 0, got %f", got)
	}
	if got := SSIM(x, short); got != 0 {
		t.Errorf("SSIM of mismatched planes: expected 0, got %f", got)
	}
}

// TestEdgePreservation verifies identical, flat and degraded planes
func TestEdgePreservation(t *testing.T) {
	square := models.NewPlane(32, 32)
	for y := 8; y < 24; y++ {
		for x := 8; x < 24; x++ {
			square.Set(x, y, 1)
		}
	}
	if got := EdgePreservation(square, square); math.Abs(got-1) > 1e-9 {
		t.Errorf("expected 1 for identical planes, got %f", got)
	}

	flat := models.NewPlane(32, 32)
	if got := EdgePreservation(square, flat); got != 0 {
		t.Errorf("expected 0 against a flat plane, got %f", got)
	}
	if got := EdgePreservation(flat, flat); got != 1 {
		t.Errorf("expected 1 for two flat planes, got %f", got)
	}

	// Moving the square away keeps edges but in the wrong place
	shifted := models.NewPlane(32, 32)
	for y := 0; y < 16; y++ {
		for x := 16; x < 32; x++ {
			shifted.Set(x, y, 1)
		}
	}
	if got := EdgePreservation(square, shifted); got >= 0.9 {
		t.Errorf("expected misplaced edges to score below 0.9, got %f", got)
	}
}

// TestEvaluate runs the full report on gray and color sources
func TestEvaluate(t *testing.T) {
	gray := createTestImage(8, 8, 1, func(x, y, c int) uint8 { return uint8(x*30 + y) })
	color := createTestImage(8, 8, 3, func(x, y, c int) uint8 { return uint8(x*20 + c*40) })

	report, err := Evaluate(gray, []*models.Image{gray})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if report.HasColor {
		t.Error("expected no color shift for gray inputs")
	}
	if s := report.Sources[0]; s.RMSE != 0 || math.Abs(s.SSIM-1) > 1e-12 || math.Abs(s.EdgePreserved-1) > 1e-9 {
		t.Errorf("expected perfect match against itself, got %+v", s)
	}
	if report.Entropy <= 0 {
		t.Errorf("expected positive entropy, got %f", report.Entropy)
	}

	report, err = Evaluate(color, []*models.Image{gray, color})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !report.HasColor || math.Abs(report.ColorShift) > 1e-9 {
		t.Errorf("expected zero color shift against itself, got %v %f", report.HasColor, report.ColorShift)
	}
	if len(report.Sources) != 2 {
		t.Fatalf("expected 2 source entries, got %d", len(report.Sources))
	}

	if _, err := Evaluate(gray, []*models.Image{models.NewImage(4, 4, 1)}); err == nil {
		t.Error("expected error for mismatched sizes")
	}
}

// TestMeanColorShift detects a visible color change
func TestMeanColorShift(t *testing.T) {
	a := createTestImage(4, 4, 3, func(x, y, c int) uint8 { return 128 })
	b := createTestImage(4, 4, 3, func(x, y, c int) uint8 {
		if c == 0 {
			return 200
		}
		return 128
	})
	if got := MeanColorShift(a, b); got <= 0.05 {
		t.Errorf("expected a noticeable color shift, got %f", got)
	}
}
