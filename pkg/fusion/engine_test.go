package fusion

import (
	"errors"
	"math"
	"strings"
	"testing"

	"medfuse/internal/models"
	"medfuse/pkg/colorspace"
	"medfuse/pkg/features"
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

func flatImage(width, height int, v uint8) *models.Image {
	return createTestImage(width, height, 1, func(x, y, c int) uint8 { return v })
}

func stripedImage(width, height int) *models.Image {
	return createTestImage(width, height, 1, func(x, y, c int) uint8 {
		if x%4 < 2 {
			return 255
		}
		return 0
	})
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(nil, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// assertClose fails when any sample differs by more than tol
func assertClose(t *testing.T, want, got *models.Image, tol int) {
	t.Helper()
	if want.Size() != got.Size() || want.Channels != got.Channels {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want.Pix {
		diff := int(want.Pix[i]) - int(got.Pix[i])
		if diff < -tol || diff > tol {
			t.Fatalf("sample %d: expected %d, got %d", i, want.Pix[i], got.Pix[i])
		}
	}
}

// TestFuseIdenticalInputs verifies fusing copies of one image returns it
func TestFuseIdenticalInputs(t *testing.T) {
	e := newTestEngine(t)

	testCases := []struct {
		name  string
		img   *models.Image
		count int
	}{
		{"gray pair", stripedImage(12, 10), 2},
		{"gray triple", createTestImage(9, 9, 1, func(x, y, c int) uint8 { return uint8(x*20 + y) }), 3},
		{"color pair", createTestImage(8, 8, 3, func(x, y, c int) uint8 { return uint8(30*c + 10*x + y) }), 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			images := make([]*models.Image, tc.count)
			for i := range images {
				images[i] = tc.img.Clone()
			}

			out, err := e.Fuse(images)
			if err != nil {
				t.Fatalf("Fuse failed: %v", err)
			}
			assertClose(t, tc.img, out, 1)
		})
	}
}

// TestWeightsSumToOne checks the per-pixel weight sums on a real fusion and
// on extreme saliency values
func TestWeightsSumToOne(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.FuseDetailed([]*models.Image{
		stripedImage(16, 16),
		flatImage(16, 16, 90),
		createTestImage(16, 16, 3, func(x, y, c int) uint8 { return uint8(x*y + 40*c) }),
	})
	if err != nil {
		t.Fatalf("FuseDetailed failed: %v", err)
	}
	checkSums(t, res.Weights[3])

	huge := []models.Plane{models.NewPlane(3, 1), models.NewPlane(3, 1)}
	huge[0].Data = []float64{1e5, -1e5, 800}
	huge[1].Data = []float64{1e5 + 1, 1e5, 799}
	weights, err := Softmax(huge)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	for _, w := range weights {
		for i, v := range w.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("weight %d is not finite: %v", i, v)
			}
		}
	}
	checkSums(t, weights)
	if weights[1].Data[1] < 0.999 {
		t.Errorf("expected dominant weight near 1, got %f", weights[1].Data[1])
	}
}

func checkSums(t *testing.T, weights []models.Plane) {
	t.Helper()
	if len(weights) == 0 {
		t.Fatal("no weight maps")
	}
	for p := range weights[0].Data {
		sum := 0.0
		for _, w := range weights {
			sum += w.Data[p]
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Fatalf("pixel %d: weights sum to %f", p, sum)
		}
	}
}

// TestFlatInputsAreSymmetric verifies that two featureless images share the
// interior weight equally
func TestFlatInputsAreSymmetric(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.FuseDetailed([]*models.Image{flatImage(10, 10, 40), flatImage(10, 10, 200)})
	if err != nil {
		t.Fatalf("FuseDetailed failed: %v", err)
	}

	w := res.Weights[3]
	for y := 1; y < 9; y++ {
		for x := 1; x < 9; x++ {
			if math.Abs(w[0].At(x, y)-0.5) > 1e-9 {
				t.Fatalf("(%d,%d): expected weight 0.5, got %f", x, y, w[0].At(x, y))
			}
		}
	}

	got := int(res.Image.At(5, 5, 0))
	if got < 119 || got > 120 {
		t.Errorf("expected interior average near 120, got %d", got)
	}
}

// TestStructuredInputIsFavored checks that the image with edges dominates a
// flat one
func TestStructuredInputIsFavored(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.FuseDetailed([]*models.Image{stripedImage(16, 16), flatImage(16, 16, 128)})
	if err != nil {
		t.Fatalf("FuseDetailed failed: %v", err)
	}

	w := res.Weights[3]
	for y := 2; y < 14; y++ {
		for x := 2; x < 14; x++ {
			if w[0].At(x, y) <= 0.5 {
				t.Fatalf("(%d,%d): expected structured weight > 0.5, got %f", x, y, w[0].At(x, y))
			}
		}
	}
	if res.Image.Channels != 1 {
		t.Errorf("expected gray output for gray inputs, got %d channels", res.Image.Channels)
	}
}

// TestInputErrors verifies typed errors for malformed input sets
func TestInputErrors(t *testing.T) {
	e := newTestEngine(t)

	t.Run("no images", func(t *testing.T) {
		if _, err := e.Fuse(nil); !errors.Is(err, ErrNoImages) {
			t.Errorf("expected ErrNoImages, got %v", err)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := e.Fuse([]*models.Image{flatImage(8, 8, 1), flatImage(8, 8, 2), flatImage(8, 6, 3)})
		var dimErr *DimensionMismatchError
		if !errors.As(err, &dimErr) {
			t.Fatalf("expected DimensionMismatchError, got %v", err)
		}
		if dimErr.Index != 2 || dimErr.Got.Y != 6 || dimErr.Want.Y != 8 {
			t.Errorf("unexpected error contents: %+v", dimErr)
		}
	})

	t.Run("channel count", func(t *testing.T) {
		_, err := e.Fuse([]*models.Image{flatImage(8, 8, 1), models.NewImage(8, 8, 4)})
		var chErr *colorspace.ChannelError
		if !errors.As(err, &chErr) {
			t.Fatalf("expected ChannelError, got %v", err)
		}
		if chErr.Index != 1 || chErr.Channels != 4 {
			t.Errorf("unexpected error contents: %+v", chErr)
		}
	})

	t.Run("short pixel buffer", func(t *testing.T) {
		truncated := flatImage(8, 8, 2)
		truncated.Channels = 3
		_, err := e.Fuse([]*models.Image{flatImage(8, 8, 1), truncated})
		if err == nil {
			t.Fatal("expected error for a pixel buffer shorter than its geometry")
		}
		if !strings.Contains(err.Error(), "image 1") {
			t.Errorf("expected error to name image 1, got %v", err)
		}
	})
}

// TestColorOutput verifies the output channel count follows the inputs
func TestColorOutput(t *testing.T) {
	e := newTestEngine(t)
	color := createTestImage(8, 8, 3, func(x, y, c int) uint8 {
		if c == 0 {
			return 200
		}
		return uint8(20 * x)
	})

	out, err := e.Fuse([]*models.Image{stripedImage(8, 8), color})
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}
	if out.Channels != 3 {
		t.Errorf("expected 3 channel output when a color input is present, got %d", out.Channels)
	}
}

// TestReconstructLastColorWins checks that chrominance comes from the last
// color input
func TestReconstructLastColorWins(t *testing.T) {
	lum := models.NewPlane(4, 4)
	for i := range lum.Data {
		lum.Data[i] = 0.5
	}
	chromaOf := func(cr, cb float64) *colorspace.Chroma {
		c := &colorspace.Chroma{Cr: models.NewPlane(4, 4), Cb: models.NewPlane(4, 4)}
		for i := range c.Cr.Data {
			c.Cr.Data[i] = cr
			c.Cb.Data[i] = cb
		}
		return c
	}
	red, blue := chromaOf(0.7, 0.4), chromaOf(0.4, 0.7)

	out, err := Reconstruct(lum, []*colorspace.Chroma{red, nil, blue})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	want, err := colorspace.FromLuminanceChrominance(lum, *blue)
	if err != nil {
		t.Fatalf("FromLuminanceChrominance failed: %v", err)
	}
	assertClose(t, want, out, 0)

	gray, err := Reconstruct(lum, []*colorspace.Chroma{nil, nil})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if gray.Channels != 1 || gray.Pix[0] != 127 {
		t.Errorf("expected gray 127, got %v with first sample %d", gray, gray.Pix[0])
	}
}

// TestMultipleDepths checks depth fusions are combined by maximum
func TestMultipleDepths(t *testing.T) {
	net, err := features.New(features.WithTapDepths(1, 3))
	if err != nil {
		t.Fatalf("features.New failed: %v", err)
	}
	e, err := NewEngine(net)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	res, err := e.FuseDetailed([]*models.Image{stripedImage(8, 8), flatImage(8, 8, 60)})
	if err != nil {
		t.Fatalf("FuseDetailed failed: %v", err)
	}
	if len(res.Depths) != 2 || len(res.Weights) != 2 {
		t.Fatalf("expected two depths, got %v", res.Depths)
	}

	striped := stripedImage(8, 8)
	for p := range res.Luminance.Data {
		best := math.Inf(-1)
		for _, depth := range res.Depths {
			w := res.Weights[depth]
			lum := w[0].Data[p]*(float64(striped.Pix[p])/255.0) + w[1].Data[p]*(60/255.0)
			best = math.Max(best, lum)
		}
		if math.Abs(res.Luminance.Data[p]-best) > 1e-9 {
			t.Fatalf("pixel %d: expected %f, got %f", p, best, res.Luminance.Data[p])
		}
	}
}

// recorderFunc adapts a function to the Recorder interface
type recorderFunc func(stage, name string, p models.Plane) error

func (f recorderFunc) Record(stage, name string, p models.Plane) error { return f(stage, name, p) }

// TestRecorder verifies every stage is reported
func TestRecorder(t *testing.T) {
	stages := map[string]int{}
	e := newTestEngine(t, WithRecorder(recorderFunc(func(stage, name string, p models.Plane) error {
		stages[stage]++
		return errors.New("ignored")
	})))

	if _, err := e.Fuse([]*models.Image{flatImage(6, 6, 10), stripedImage(6, 6)}); err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}

	expected := map[string]int{StageLuminance: 2, StageSaliency: 2, StageWeights: 2, StageFused: 1}
	for stage, want := range expected {
		if stages[stage] != want {
			t.Errorf("stage %s: expected %d records, got %d", stage, want, stages[stage])
		}
	}
}

// TestLargeScenario runs full size fusions of 256x256 inputs
func TestLargeScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large fusion in short mode")
	}

	const size = 256
	e := newTestEngine(t)

	t.Run("gray scan and color overlay", func(t *testing.T) {
		mri := createTestImage(size, size, 1, func(x, y, c int) uint8 {
			dx, dy := float64(x-size/2), float64(y-size/2)
			if dx*dx+dy*dy < 80*80 {
				return uint8(100 + (x+y)%50)
			}
			return 0
		})
		ct := createTestImage(size, size, 3, func(x, y, c int) uint8 {
			if x > 60 && x < 190 && y > 60 && y < 190 {
				return uint8(255 - 40*c)
			}
			return uint8(10 * c)
		})

		out, err := e.Fuse([]*models.Image{mri, ct})
		if err != nil {
			t.Fatalf("Fuse failed: %v", err)
		}
		if out.Width != size || out.Height != size || out.Channels != 3 {
			t.Errorf("expected %dx%dx3 output, got %v", size, size, out)
		}
	})

	t.Run("black and white", func(t *testing.T) {
		res, err := e.FuseDetailed([]*models.Image{flatImage(size, size, 0), flatImage(size, size, 255)})
		if err != nil {
			t.Fatalf("FuseDetailed failed: %v", err)
		}

		// Away from the border both planes are featureless and share the weight
		w := res.Weights[3]
		if got := w[0].At(size/2, size/2); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("expected centre weight 0.5, got %f", got)
		}
		centre := res.Image.At(size/2, size/2, 0)
		if centre < 127 || centre > 128 {
			t.Errorf("expected centre between the inputs near 127, got %d", centre)
		}

		// Zero padding gives the white image structure at the border
		corner := res.Image.At(0, 0, 0)
		if corner <= centre {
			t.Errorf("expected the border to favor the white image, got corner %d centre %d", corner, centre)
		}
	})
}
