package features

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ConvWeights holds the parameters of one 3x3 convolution in PyTorch layout:
// Kernel is (Out, In, 3, 3) flattened row-major, Bias has Out entries.
type ConvWeights struct {
	In     int
	Out    int
	Kernel []float64
	Bias   []float64
}

func (w ConvWeights) validate() error {
	if w.In <= 0 || w.Out <= 0 {
		return fmt.Errorf("invalid conv shape %dx%d", w.Out, w.In)
	}
	if len(w.Kernel) != w.Out*w.In*kernelSize*kernelSize {
		return fmt.Errorf("conv %d->%d: kernel has %d values, want %d",
			w.In, w.Out, len(w.Kernel), w.Out*w.In*kernelSize*kernelSize)
	}
	if len(w.Bias) != w.Out {
		return fmt.Errorf("conv %d->%d: bias has %d values, want %d", w.In, w.Out, len(w.Bias), w.Out)
	}
	return nil
}

// Weights is the ordered list of convolution parameters of a feature stack
type Weights struct {
	Convs []ConvWeights
}

// LoadWeightsFile reads convolution parameters from path, see LoadWeights
func LoadWeightsFile(path string, numConvs int) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()

	w, err := LoadWeights(bufio.NewReader(f), numConvs)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights from %s: %w", path, err)
	}
	return w, nil
}

// LoadWeights reads the first numConvs convolutions of the VGG19 feature
// stack from r. The stream is a sequence of little-endian float32 values in
// state_dict order: for each convolution its weight tensor followed by its
// bias. Anything after the requested convolutions is ignored.
func LoadWeights(r io.Reader, numConvs int) (*Weights, error) {
	shapes := convShapes()
	if numConvs < 1 || numConvs > len(shapes) {
		return nil, fmt.Errorf("requested %d convolutions, stack has %d", numConvs, len(shapes))
	}

	weights := &Weights{Convs: make([]ConvWeights, numConvs)}
	for i := 0; i < numConvs; i++ {
		in, out := shapes[i][0], shapes[i][1]

		kernel, err := readFloat32s(r, out*in*kernelSize*kernelSize)
		if err != nil {
			return nil, fmt.Errorf("conv %d kernel: %w", i, err)
		}
		bias, err := readFloat32s(r, out)
		if err != nil {
			return nil, fmt.Errorf("conv %d bias: %w", i, err)
		}

		weights.Convs[i] = ConvWeights{In: in, Out: out, Kernel: kernel, Bias: bias}
	}
	return weights, nil
}

func readFloat32s(r io.Reader, n int) ([]float64, error) {
	buf := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	out := make([]float64, n)
	for i, v := range buf {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite value at offset %d", i)
		}
		out[i] = f
	}
	return out, nil
}

// WriteWeights serializes w in the format read by LoadWeights
func WriteWeights(wr io.Writer, w *Weights) error {
	for i, c := range w.Convs {
		if err := c.validate(); err != nil {
			return fmt.Errorf("conv %d: %w", i, err)
		}
		for _, part := range [][]float64{c.Kernel, c.Bias} {
			buf := make([]float32, len(part))
			for j, v := range part {
				buf[j] = float32(v)
			}
			if err := binary.Write(wr, binary.LittleEndian, buf); err != nil {
				return fmt.Errorf("conv %d: %w", i, err)
			}
		}
	}
	return nil
}

// BuiltinWeights returns a deterministic filter bank for the first numConvs
// convolutions, used when no trained weights are configured.
//
// The first convolution holds oriented first and second derivative kernels
// in sign-opposed pairs, each zero-sum, so after the ReLU the channel sum is
// the rectified edge energy of the input and a constant region responds with
// zero. Deeper convolutions pass input channel o%In through unchanged.
func BuiltinWeights(numConvs int) *Weights {
	shapes := convShapes()
	if numConvs > len(shapes) {
		numConvs = len(shapes)
	}

	w := &Weights{Convs: make([]ConvWeights, 0, numConvs)}
	for i := 0; i < numConvs; i++ {
		in, out := shapes[i][0], shapes[i][1]
		if i == 0 {
			w.Convs = append(w.Convs, edgeBank(in, out))
		} else {
			w.Convs = append(w.Convs, passThrough(in, out))
		}
	}
	return w
}

// edgeBank builds out/2 oriented kernels and their negations. Each kernel is
// spread evenly across the input channels.
func edgeBank(in, out int) ConvWeights {
	const taps = kernelSize * kernelSize
	c := ConvWeights{
		In:     in,
		Out:    out,
		Kernel: make([]float64, out*in*taps),
		Bias:   make([]float64, out),
	}

	half := out / 2
	orientations := (half + 1) / 2
	for k := 0; k < half; k++ {
		theta := math.Pi * float64(k%orientations) / float64(orientations)
		cos, sin := math.Cos(theta), math.Sin(theta)
		secondOrder := k >= orientations

		var base [taps]float64
		var mean float64
		for ky := 0; ky < kernelSize; ky++ {
			for kx := 0; kx < kernelSize; kx++ {
				d := cos*float64(kx-1) + sin*float64(ky-1)
				if secondOrder {
					d *= d
				}
				base[ky*kernelSize+kx] = d
				mean += d
			}
		}
		mean /= taps
		for i := range base {
			base[i] = (base[i] - mean) / float64(in)
		}

		for sign, o := range []int{k, k + half} {
			s := 1.0
			if sign == 1 {
				s = -1
			}
			for ch := 0; ch < in; ch++ {
				dst := c.Kernel[(o*in+ch)*taps:][:taps]
				for i, v := range base {
					dst[i] = s * v
				}
			}
		}
	}
	return c
}

// passThrough copies input channel o%in to output o via the kernel center
func passThrough(in, out int) ConvWeights {
	const taps = kernelSize * kernelSize
	c := ConvWeights{
		In:     in,
		Out:    out,
		Kernel: make([]float64, out*in*taps),
		Bias:   make([]float64, out),
	}
	for o := 0; o < out; o++ {
		ch := o % in
		c.Kernel[(o*in+ch)*taps+taps/2] = 1
	}
	return c
}
