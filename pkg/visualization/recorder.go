// Package visualization writes float planes and images to disk for
// inspection: intermediary fusion stages and side-by-side comparisons.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/fogleman/gg"
	"github.com/rs/zerolog"

	"medfuse/internal/models"
	"medfuse/pkg/imageio"
)

// titleHeight is the band reserved above each panel of a comparison
const titleHeight = 20

// Recorder stores intermediary planes under dir/<stage>/. Planes are
// stretched to their own range so saliency maps remain visible.
type Recorder struct {
	dir      string
	quality  int
	annotate bool
	logger   zerolog.Logger

	mu    sync.Mutex
	count map[string]int
}

// NewRecorder creates a recorder writing JPEG files of the given quality.
// With annotate set each plane is written as a PNG with its name drawn on it.
func NewRecorder(dir string, quality int, annotate bool, logger zerolog.Logger) *Recorder {
	return &Recorder{
		dir:      dir,
		quality:  quality,
		annotate: annotate,
		logger:   logger,
		count:    make(map[string]int),
	}
}

// Record writes p as the next file of stage
func (r *Recorder) Record(stage, name string, p models.Plane) error {
	stageDir := filepath.Join(r.dir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}

	r.mu.Lock()
	index := r.count[stage]
	r.count[stage]++
	r.mu.Unlock()

	img := PlaneToImage(p)
	var filename string
	if r.annotate {
		filename = filepath.Join(stageDir, fmt.Sprintf("%03d_%s.png", index, name))
		if err := saveTitled(img, name, filename); err != nil {
			return err
		}
	} else {
		filename = filepath.Join(stageDir, fmt.Sprintf("%03d_%s.jpg", index, name))
		if err := SaveImage(img, filename, r.quality); err != nil {
			return err
		}
	}

	r.logger.Debug().Str("stage", stage).Str("file", filename).Msg("Saved intermediary result")
	return nil
}

// PlaneToImage maps the range of p linearly onto 8-bit gray. A constant
// plane maps to black.
func PlaneToImage(p models.Plane) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	if len(p.Data) == 0 {
		return img
	}

	lo, hi := p.Data[0], p.Data[0]
	for _, v := range p.Data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return img
	}

	scale := 255 / (hi - lo)
	for i, v := range p.Data {
		img.Pix[i] = uint8((v-lo)*scale + 0.5)
	}
	return img
}

// SaveImage writes img as a JPEG file
func SaveImage(img image.Image, filename string, quality int) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if quality < 1 || quality > 100 {
		quality = imageio.DefaultJPEGQuality
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

func saveTitled(img image.Image, title, filename string) error {
	dc := gg.NewContextForImage(img)
	drawTitle(dc, title, 0, 0)
	if err := dc.SavePNG(filename); err != nil {
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return nil
}

// drawTitle writes title in yellow with a dark outline at the top left of
// the region starting at (x, y)
func drawTitle(dc *gg.Context, title string, x, y float64) {
	dc.SetRGB(0, 0, 0)
	for dy := -1.0; dy <= 1; dy++ {
		for dx := -1.0; dx <= 1; dx++ {
			dc.DrawString(title, x+4+dx, y+14+dy)
		}
	}
	dc.SetRGB(1, 1, 0)
	dc.DrawString(title, x+4, y+14)
}

// SaveComparison places the images side by side, each under its title, and
// writes the result as a PNG. Images may differ in size and channel count.
func SaveComparison(filename string, images []*models.Image, titles []string) error {
	if len(images) == 0 {
		return fmt.Errorf("no images to compare")
	}
	if len(titles) != len(images) {
		return fmt.Errorf("got %d titles for %d images", len(titles), len(images))
	}

	width, height := 0, 0
	for _, img := range images {
		width += img.Width
		height = max(height, img.Height)
	}

	dc := gg.NewContext(width, height+titleHeight)
	dc.SetColor(color.Black)
	dc.Clear()

	x := 0
	for i, img := range images {
		dc.DrawImage(imageio.ToStdImage(img), x, titleHeight)
		drawTitle(dc, titles[i], float64(x), 0)
		x += img.Width
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := dc.SavePNG(filename); err != nil {
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return nil
}
