package fusion

import (
	"fmt"

	"medfuse/internal/models"
	"medfuse/pkg/colorspace"
)

// Reconstruct rebuilds the output image from the fused luminance. chromas has
// one entry per input image, nil for gray inputs. Every color input is
// recombined with the fused luminance and the last one is returned; when no
// input carries color the luminance itself is returned as a gray image.
func Reconstruct(fused models.Plane, chromas []*colorspace.Chroma) (*models.Image, error) {
	var out *models.Image
	for i, chroma := range chromas {
		if chroma == nil {
			continue
		}
		img, err := colorspace.FromLuminanceChrominance(fused, *chroma)
		if err != nil {
			return nil, fmt.Errorf("reconstructing image %d: %w", i, err)
		}
		out = img
	}

	if out == nil {
		return colorspace.PlaneToGray(fused), nil
	}
	return out, nil
}
