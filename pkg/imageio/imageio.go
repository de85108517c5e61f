// Package imageio loads and saves images on disk as models.Image values.
//
// JPEG, PNG, TIFF and BMP are decoded. Grayscale sources stay single
// channel; everything else becomes RGB with alpha dropped. JPEG files are
// rotated upright according to their EXIF orientation.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"medfuse/internal/models"
)

// DefaultJPEGQuality is used by Save when no quality is given
const DefaultJPEGQuality = 95

// Load reads an image file
func Load(path string) (*models.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Decode reads an image from r and applies its EXIF orientation, if any
func Decode(r io.ReadSeeker) (*models.Image, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	img := FromStdImage(src)

	if format == "jpeg" {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		img = Orient(img, readOrientation(r))
	}
	return img, nil
}

// readOrientation returns the EXIF orientation tag, or 1 when absent
func readOrientation(r io.Reader) int {
	ex, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// Save writes img to path, choosing the encoder from the file extension.
// quality applies to JPEG output; values outside 1..100 use the default.
func Save(path string, img *models.Image, quality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := Encode(f, img, filepath.Ext(path), quality); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes img in the format named by ext (".jpg", ".png", ".tif" or ".bmp")
func Encode(w io.Writer, img *models.Image, ext string, quality int) error {
	std := ToStdImage(img)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		if quality < 1 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		return jpeg.Encode(w, std, &jpeg.Options{Quality: quality})
	case ".png":
		return png.Encode(w, std)
	case ".tif", ".tiff":
		return tiff.Encode(w, std, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		return bmp.Encode(w, std)
	default:
		return fmt.Errorf("unsupported image format %q", ext)
	}
}

// FromStdImage converts any image.Image. Gray color models map to one
// channel, all others to RGB.
func FromStdImage(src image.Image) *models.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		out := models.NewImage(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				out.Pix[y*w+x] = g.Y
			}
		}
		return out
	}

	out := models.NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(bl >> 8)
		}
	}
	return out
}

// ToStdImage wraps img as an *image.Gray or *image.RGBA
func ToStdImage(img *models.Image) image.Image {
	rect := image.Rect(0, 0, img.Width, img.Height)
	if img.Channels == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, img.Pix)
		return g
	}

	rgba := image.NewRGBA(rect)
	n := img.Width * img.Height
	for i := 0; i < n; i++ {
		rgba.Pix[i*4] = img.Pix[i*img.Channels]
		rgba.Pix[i*4+1] = img.Pix[i*img.Channels+1]
		rgba.Pix[i*4+2] = img.Pix[i*img.Channels+2]
		rgba.Pix[i*4+3] = 0xff
	}
	return rgba
}

// Orient returns img transformed so that an EXIF orientation o displays
// upright. Orientation 1 returns img unchanged.
func Orient(img *models.Image, o int) *models.Image {
	if o <= 1 || o > 8 {
		return img
	}

	w, h := img.Width, img.Height
	ow, oh := w, h
	if o >= 5 {
		ow, oh = h, w
	}
	out := models.NewImage(ow, oh, img.Channels)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch o {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 clockwise
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 90 counter-clockwise
				dx, dy = y, w-1-x
			}
			for c := 0; c < img.Channels; c++ {
				out.Set(dx, dy, c, img.At(x, y, c))
			}
		}
	}
	return out
}
