// Package metrics scores a fused image against the sources it was built from.
package metrics

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"medfuse/internal/models"
	"medfuse/pkg/colorspace"
	"medfuse/pkg/shearlet"
)

const (
	entropyBins = 256
	miBins      = 64

	// maxColorSamples bounds the pixels visited for the CIEDE2000 average
	maxColorSamples = 1 << 16
)

// edgeDetector is stateless between calls and shared by all evaluations
var edgeDetector = shearlet.NewTransform()

// SourceMetrics compares the fused image with one source
type SourceMetrics struct {
	// MI (Mutual Information) in bits between the two luminance planes.
	// Higher values mean more of the source survived fusion.
	MI float64

	// SSIM (Structural Similarity Index) computed globally over the planes.
	// Values range from -1 to 1, with 1 indicating identical structure.
	SSIM float64

	// RMSE of the luminance difference, in [0,1] units
	RMSE float64

	// EdgePreserved is the correlation of the shearlet edge maps
	EdgePreserved float64
}

// Report holds the quality metrics of one fusion
type Report struct {
	// Entropy of the fused luminance in bits
	Entropy float64

	// Sources has one entry per input image, in input order
	Sources []SourceMetrics

	// ColorShift is the mean CIEDE2000 distance to the last color source.
	// It is only meaningful when HasColor is set.
	ColorShift float64
	HasColor   bool
}

// Evaluate computes the report for fused against sources, which must all
// have the fused image's dimensions
func Evaluate(fused *models.Image, sources []*models.Image) (*Report, error) {
	fusedLum, err := luminance(fused)
	if err != nil {
		return nil, fmt.Errorf("fused image: %w", err)
	}

	fusedEdges := edgeDetector.DetectEdges(fusedLum)
	report := &Report{
		Entropy: Entropy(fusedLum.Data),
		Sources: make([]SourceMetrics, len(sources)),
	}

	var colorSource *models.Image
	for i, src := range sources {
		if src.Size() != fused.Size() {
			return nil, fmt.Errorf("source %d: size %v does not match fused %v", i, src.Size(), fused.Size())
		}
		lum, err := luminance(src)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}

		report.Sources[i] = SourceMetrics{
			MI:            MutualInformation(lum.Data, fusedLum.Data),
			SSIM:          SSIM(lum, fusedLum),
			RMSE:          RMSE(lum, fusedLum),
			EdgePreserved: edgeCorrelation(edgeDetector.DetectEdges(lum), fusedEdges),
		}

		if src.Channels == 3 && !colorspace.IsGray(src) {
			colorSource = src
		}
	}

	if colorSource != nil && fused.Channels == 3 {
		report.ColorShift = MeanColorShift(colorSource, fused)
		report.HasColor = true
	}
	return report, nil
}

func luminance(img *models.Image) (models.Plane, error) {
	if colorspace.IsGray(img) {
		return colorspace.NormalizeGray(img), nil
	}
	y, _, err := colorspace.ToLuminanceChrominance(img)
	return y, err
}

// Entropy computes the Shannon entropy of data in bits over 256 bins
// spanning its range
func Entropy(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	hist := histogram(data, lo, hi, entropyBins)
	return stat.Entropy(normalize(hist)) / math.Ln2
}

// MutualInformation estimates I(X;Y) in bits from a joint histogram over
// [0,1]
func MutualInformation(x, y []float64) float64 {
	n := len(x)
	if n != len(y) || n == 0 {
		return 0
	}

	joint := make([]float64, miBins*miBins)
	px := make([]float64, miBins)
	py := make([]float64, miBins)
	for i := range x {
		bx := bin(x[i], 0, 1, miBins)
		by := bin(y[i], 0, 1, miBins)
		joint[bx*miBins+by]++
		px[bx]++
		py[by]++
	}

	mi := stat.Entropy(normalize(px)) + stat.Entropy(normalize(py)) - stat.Entropy(normalize(joint))
	return math.Max(0, mi/math.Ln2)
}

// RMSE computes the root mean square luminance difference of two planes of
// equal size, or 0 when they differ
func RMSE(a, b models.Plane) float64 {
	n := len(a.Data)
	if a.Size() != b.Size() || n == 0 {
		return 0
	}
	return floats.Distance(a.Data, b.Data, 2) / math.Sqrt(float64(n))
}

// SSIM computes the global Structural Similarity Index of two [0,1] planes
func SSIM(a, b models.Plane) float64 {
	// stabilizers for a dynamic range of 1
	const (
		c1 = 0.01 * 0.01
		c2 = 0.03 * 0.03
	)

	if a.Size() != b.Size() || len(a.Data) < 2 {
		return 0
	}

	muA, varA := stat.MeanVariance(a.Data, nil)
	muB, varB := stat.MeanVariance(b.Data, nil)
	cov := stat.Covariance(a.Data, b.Data, nil)

	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den <= 0 {
		return 0
	}
	return (2*muA*muB + c1) * (2*cov + c2) / den
}

// EdgePreservation correlates the shearlet edge maps of two planes. Planes
// without any edge score 1 against each other and 0 otherwise.
func EdgePreservation(original, reconstructed models.Plane) float64 {
	return edgeCorrelation(edgeDetector.DetectEdges(original), edgeDetector.DetectEdges(reconstructed))
}

func edgeCorrelation(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	flatA := len(a) < 2 || stat.Variance(a, nil) == 0
	flatB := len(b) < 2 || stat.Variance(b, nil) == 0
	switch {
	case flatA && flatB:
		return 1
	case flatA || flatB:
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// MeanColorShift averages the CIEDE2000 distance between two RGB images
func MeanColorShift(a, b *models.Image) float64 {
	n := a.Width * a.Height
	step := max(1, n/maxColorSamples)

	var total float64
	var count int
	for i := 0; i < n; i += step {
		ca := colorful.Color{
			R: float64(a.Pix[i*3]) / 255,
			G: float64(a.Pix[i*3+1]) / 255,
			B: float64(a.Pix[i*3+2]) / 255,
		}
		cb := colorful.Color{
			R: float64(b.Pix[i*3]) / 255,
			G: float64(b.Pix[i*3+1]) / 255,
			B: float64(b.Pix[i*3+2]) / 255,
		}
		total += ca.DistanceCIEDE2000(cb)
		count++
	}
	return total / float64(count)
}

func histogram(data []float64, lo, hi float64, bins int) []float64 {
	hist := make([]float64, bins)
	for _, v := range data {
		hist[bin(v, lo, hi, bins)]++
	}
	return hist
}

// bin maps v in [lo, hi] to a bin index, clamping out of range values
func bin(v, lo, hi float64, bins int) int {
	idx := int((v - lo) / (hi - lo) * float64(bins))
	if idx >= bins {
		idx = bins - 1
	} else if idx < 0 {
		idx = 0
	}
	return idx
}

// normalize turns counts into probabilities
func normalize(hist []float64) []float64 {
	total := floats.Sum(hist)
	if total == 0 {
		return hist
	}
	return floats.ScaleTo(make([]float64, len(hist)), 1/total, hist)
}
