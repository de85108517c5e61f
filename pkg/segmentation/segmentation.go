// Package segmentation isolates the dominant structure of a fused image: an
// Otsu threshold separates foreground from background and only the largest
// 8-connected foreground region is kept.
package segmentation

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"medfuse/internal/models"
)

// Result of a segmentation
type Result struct {
	// Image is the input with everything outside Mask set to zero
	Image *models.Image

	// Mask is a single channel image, 255 inside the kept region
	Mask *models.Image

	Threshold  uint8
	Components int
	Area       int
}

// Gray converts img to 8-bit luma with the BT.601 weights, rounding to nearest
func Gray(img *models.Image) ([]uint8, error) {
	n := img.Width * img.Height
	out := make([]uint8, n)
	switch img.Channels {
	case 1:
		copy(out, img.Pix)
	case 3:
		for i := 0; i < n; i++ {
			r := float64(img.Pix[i*3])
			g := float64(img.Pix[i*3+1])
			b := float64(img.Pix[i*3+2])
			out[i] = uint8(math.Round(0.299*r + 0.587*g + 0.114*b))
		}
	default:
		return nil, fmt.Errorf("unsupported channel count %d", img.Channels)
	}
	return out, nil
}

// OtsuThreshold returns the level t maximizing the between-class variance of
// the classes {v <= t} and {v > t}
func OtsuThreshold(gray []uint8) uint8 {
	var histogram [256]int
	for _, v := range gray {
		histogram[v]++
	}

	total := len(gray)
	if total == 0 {
		return 0
	}

	sum := 0.0
	for i, c := range histogram {
		sum += float64(i) * float64(c)
	}

	var (
		sumB        float64
		wB          int
		maxVariance float64
		best        int
	)
	for t := 0; t < 256; t++ {
		wB += histogram[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}

		sumB += float64(t) * float64(histogram[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)

		// Between-class variance
		varBetween := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if varBetween > maxVariance {
			maxVariance = varBetween
			best = t
		}
	}
	return uint8(best)
}

// Label assigns 8-connected component labels to the true cells of mask.
// Background is 0 and components are numbered from 1 in scan order.
func Label(mask []bool, width, height int) ([]int, int) {
	labels := make([]int, len(mask))
	next := 0
	stack := make([]int, 0, 64)

	for start, fg := range mask {
		if !fg || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%width, p/width

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					x, y := px+dx, py+dy
					if x < 0 || x >= width || y < 0 || y >= height {
						continue
					}
					q := y*width + x
					if mask[q] && labels[q] == 0 {
						labels[q] = next
						stack = append(stack, q)
					}
				}
			}
		}
	}
	return labels, next
}

// Segment keeps the largest foreground region of img
func Segment(img *models.Image, logger zerolog.Logger) (*Result, error) {
	gray, err := Gray(img)
	if err != nil {
		return nil, err
	}

	threshold := OtsuThreshold(gray)
	mask := make([]bool, len(gray))
	for i, v := range gray {
		mask[i] = v > threshold
	}

	labels, count := Label(mask, img.Width, img.Height)
	if count == 0 {
		return nil, fmt.Errorf("no foreground above threshold %d", threshold)
	}

	// Component areas, index 0 is background
	areas := make([]int, count+1)
	for _, l := range labels {
		areas[l]++
	}
	largest := 1
	for l := 2; l <= count; l++ {
		if areas[l] > areas[largest] {
			largest = l
		}
	}

	res := &Result{
		Image:      models.NewImage(img.Width, img.Height, img.Channels),
		Mask:       models.NewImage(img.Width, img.Height, 1),
		Threshold:  threshold,
		Components: count,
		Area:       areas[largest],
	}
	c := img.Channels
	for i, l := range labels {
		if l != largest {
			continue
		}
		res.Mask.Pix[i] = 255
		copy(res.Image.Pix[i*c:(i+1)*c], img.Pix[i*c:(i+1)*c])
	}

	logger.Info().
		Uint8("threshold", threshold).
		Int("components", count).
		Int("area", res.Area).
		Msg("Segmentation complete")
	return res, nil
}
