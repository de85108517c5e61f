// Package registration aligns a moving image to a fixed one from paired
// landmarks, using a Procrustes fit and a bilinear warp.
package registration

import (
	"fmt"
	"image"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"medfuse/internal/models"
	"medfuse/pkg/imageio"
	"medfuse/pkg/procrustes"
)

// ParseLandmarks reads a list of 2-D points written as "[[x1,y1],[x2,y2],...]"
func ParseLandmarks(s string) (*mat.Dense, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty landmark list")
	}

	var points [][]float64
	if err := yaml.Unmarshal([]byte(s), &points); err != nil {
		return nil, fmt.Errorf("failed to parse landmarks: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("empty landmark list")
	}

	data := make([]float64, 0, 2*len(points))
	for i, p := range points {
		if len(p) != 2 {
			return nil, fmt.Errorf("landmark %d has %d coordinates, want 2", i, len(p))
		}
		data = append(data, p...)
	}
	return mat.NewDense(len(points), 2, data), nil
}

// Aff3 converts a 2-D transform into the source-to-destination matrix used
// by x/image/draw. Points are treated as row vectors, so the rotation is
// transposed.
func Aff3(t procrustes.Transform) (f64.Aff3, error) {
	r, c := t.Rotation.Dims()
	if r != 2 || c != 2 || len(t.Translation) != 2 {
		return f64.Aff3{}, fmt.Errorf("transform is %dx%d, want 2x2", r, c)
	}
	b := t.Scale
	rot := t.Rotation
	return f64.Aff3{
		b * rot.At(0, 0), b * rot.At(1, 0), t.Translation[0],
		b * rot.At(0, 1), b * rot.At(1, 1), t.Translation[1],
	}, nil
}

// Warp maps src into a width x height canvas with the source-to-destination
// matrix s2d. Pixels that fall outside src are black.
func Warp(src *models.Image, s2d f64.Aff3, width, height int) *models.Image {
	in := imageio.ToStdImage(src)
	rect := image.Rect(0, 0, width, height)

	var dst draw.Image
	if src.Channels == 1 {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.BiLinear.Transform(dst, s2d, in, in.Bounds(), draw.Src, nil)

	return imageio.FromStdImage(dst)
}

// Result of a registration
type Result struct {
	// Image is the moving image resampled into the fixed image's frame
	Image *models.Image

	// Alignment is the Procrustes fit of moving onto fixed landmarks
	Alignment *procrustes.Result
}

// Register fits movingPts onto fixedPts and warps moving into the frame of
// fixed. Both landmark sets are (n x 2) in pixel coordinates.
func Register(fixed, moving *models.Image, fixedPts, movingPts mat.Matrix, opts procrustes.Options, logger zerolog.Logger) (*Result, error) {
	if _, c := fixedPts.Dims(); c != 2 {
		return nil, fmt.Errorf("fixed landmarks have %d dimensions, want 2", c)
	}
	if _, c := movingPts.Dims(); c != 2 {
		return nil, fmt.Errorf("moving landmarks have %d dimensions, want 2", c)
	}

	alignment, err := procrustes.Align(fixedPts, movingPts, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to align landmarks: %w", err)
	}

	s2d, err := Aff3(alignment.Transform)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Float64("disparity", alignment.Disparity).
		Float64("scale", alignment.Transform.Scale).
		Floats64("translation", alignment.Transform.Translation).
		Msg("Landmarks aligned")

	return &Result{
		Image:     Warp(moving, s2d, fixed.Width, fixed.Height),
		Alignment: alignment,
	}, nil
}
