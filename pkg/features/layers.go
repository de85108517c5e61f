package features

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"medfuse/internal/models"
)

const (
	kernelSize = 3

	// maxColumnElems bounds the im2col buffer of one band (16 MiB of float64)
	maxColumnElems = 1 << 21
)

// layerKind identifies the operation a layer performs
type layerKind int

const (
	kindConv layerKind = iota
	kindReLU
	kindMaxPool
)

func (k layerKind) String() string {
	switch k {
	case kindConv:
		return "conv"
	case kindReLU:
		return "relu"
	case kindMaxPool:
		return "maxpool"
	default:
		return "unknown"
	}
}

// layer is one entry of the feature stack. Conv layers carry their weights.
type layer struct {
	kind layerKind
	conv *conv2D
}

func (l layer) forward(in *models.Tensor, workers int) (*models.Tensor, error) {
	switch l.kind {
	case kindConv:
		return l.conv.forward(in, workers)
	case kindReLU:
		return relu(in), nil
	case kindMaxPool:
		return maxPool2x2(in), nil
	default:
		return nil, fmt.Errorf("unknown layer kind %d", l.kind)
	}
}

// conv2D is a 3x3 convolution with stride 1 and zero padding 1
type conv2D struct {
	in, out int
	kernel  *mat.Dense // out x (in*9), PyTorch weight layout flattened
	bias    []float64
}

func newConv2D(w ConvWeights) (*conv2D, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &conv2D{
		in:     w.In,
		out:    w.Out,
		kernel: mat.NewDense(w.Out, w.In*kernelSize*kernelSize, w.Kernel),
		bias:   w.Bias,
	}, nil
}

// forward computes the convolution by lowering disjoint row bands of the
// output to matrix products. Bands are processed concurrently.
func (c *conv2D) forward(in *models.Tensor, workers int) (*models.Tensor, error) {
	if in.Channels != c.in {
		return nil, fmt.Errorf("conv expects %d input channels, got %d", c.in, in.Channels)
	}

	h, w := in.Height, in.Width
	out := models.NewTensor(c.out, h, w)
	if h == 0 || w == 0 {
		return out, nil
	}

	rowsPerBand := maxColumnElems / (c.in * kernelSize * kernelSize * w)
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for y0 := 0; y0 < h; y0 += rowsPerBand {
		y0 := y0
		y1 := min(y0+rowsPerBand, h)
		g.Go(func() error {
			return c.forwardBand(in, out, y0, y1)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// forwardBand fills output rows [y0, y1)
func (c *conv2D) forwardBand(in, out *models.Tensor, y0, y1 int) error {
	h, w := in.Height, in.Width
	pixels := (y1 - y0) * w
	rows := c.in * kernelSize * kernelSize
	if pixels <= 0 {
		return fmt.Errorf("empty band [%d,%d)", y0, y1)
	}

	cols := make([]float64, rows*pixels)
	for ch := 0; ch < c.in; ch++ {
		src := in.Channel(ch)
		for ky := 0; ky < kernelSize; ky++ {
			for kx := 0; kx < kernelSize; kx++ {
				dst := cols[(ch*kernelSize*kernelSize+ky*kernelSize+kx)*pixels:][:pixels]
				for y := y0; y < y1; y++ {
					sy := y + ky - 1
					rowOff := (y - y0) * w
					if sy < 0 || sy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						sx := x + kx - 1
						if sx < 0 || sx >= w {
							continue
						}
						dst[rowOff+x] = src[sy*w+sx]
					}
				}
			}
		}
	}

	var prod mat.Dense
	prod.Mul(c.kernel, mat.NewDense(rows, pixels, cols))

	raw := prod.RawMatrix()
	for o := 0; o < c.out; o++ {
		dst := out.Channel(o)[y0*w : y1*w]
		src := raw.Data[o*raw.Stride : o*raw.Stride+pixels]
		b := c.bias[o]
		for i, v := range src {
			dst[i] = v + b
		}
	}
	return nil
}

// relu returns max(x, 0) element-wise
func relu(in *models.Tensor) *models.Tensor {
	out := models.NewTensor(in.Channels, in.Height, in.Width)
	for i, v := range in.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

// maxPool2x2 applies a 2x2 max pool with stride 2; odd trailing rows and
// columns are dropped
func maxPool2x2(in *models.Tensor) *models.Tensor {
	oh, ow := in.Height/2, in.Width/2
	out := models.NewTensor(in.Channels, oh, ow)
	for c := 0; c < in.Channels; c++ {
		src := in.Channel(c)
		dst := out.Channel(c)
		for y := 0; y < oh; y++ {
			r0 := src[(2*y)*in.Width:]
			r1 := src[(2*y+1)*in.Width:]
			for x := 0; x < ow; x++ {
				dst[y*ow+x] = max(r0[2*x], r0[2*x+1], r1[2*x], r1[2*x+1])
			}
		}
	}
	return out
}
