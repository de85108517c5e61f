package shearlet

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftPlan holds the gonum transforms for one square grid size
type fftPlan struct {
	size int
	real *fourier.FFT
	cplx *fourier.CmplxFFT

	line []complex128
	out  []complex128
}

func newFFTPlan(size int) *fftPlan {
	return &fftPlan{
		size: size,
		real: fourier.NewFFT(size),
		cplx: fourier.NewCmplxFFT(size),
		line: make([]complex128, size),
		out:  make([]complex128, size),
	}
}

// forward returns the full 2D spectrum of a size×size row-major grid.
// Rows use the real transform and are completed by conjugate symmetry,
// columns use the complex transform.
func (p *fftPlan) forward(data []float64) []complex128 {
	size := p.size
	spectrum := make([]complex128, size*size)
	half := make([]complex128, size/2+1)

	for i := 0; i < size; i++ {
		p.real.Coefficients(half, data[i*size:(i+1)*size])
		row := spectrum[i*size : (i+1)*size]
		copy(row, half)
		for j := len(half); j < size; j++ {
			row[j] = cmplx.Conj(half[size-j])
		}
	}

	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			p.line[i] = spectrum[i*size+j]
		}
		p.cplx.Coefficients(p.out, p.line)
		for i := 0; i < size; i++ {
			spectrum[i*size+j] = p.out[i]
		}
	}
	return spectrum
}

// inverse transforms spectrum back to the spatial domain in place. gonum
// leaves the inverse unscaled, so the 1/n² factor is applied here.
func (p *fftPlan) inverse(spectrum []complex128) {
	size := p.size
	scale := complex(1/float64(size*size), 0)

	for i := 0; i < size; i++ {
		row := spectrum[i*size : (i+1)*size]
		p.cplx.Sequence(p.out, row)
		copy(row, p.out)
	}

	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			p.line[i] = spectrum[i*size+j]
		}
		p.cplx.Sequence(p.out, p.line)
		for i := 0; i < size; i++ {
			spectrum[i*size+j] = p.out[i] * scale
		}
	}
}

// frequency maps FFT index k of an n-point transform to a signed frequency
// normalized to (-1, 1]
func frequency(k, n int) float64 {
	if k > n/2 {
		k -= n
	}
	return float64(k) / (float64(n) / 2)
}
