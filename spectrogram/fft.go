package spectrogram

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT is a reusable real forward transform of fixed length.
// An FFT is not safe for concurrent use; give each worker its own.
type FFT struct {
	n      int
	plan   *fourier.FFT
	coeffs []complex128
}

// NewFFT creates a transform plan for frames of length n.
func NewFFT(n int) *FFT {
	return &FFT{
		n:      n,
		plan:   fourier.NewFFT(n),
		coeffs: make([]complex128, n/2+1),
	}
}

// Len returns the frame length.
func (f *FFT) Len() int { return f.n }

// Magnitudes transforms frame and adds |X[k]|/n to acc[k] for every k < len(acc).
func (f *FFT) Magnitudes(acc, frame []float64) {
	f.coeffs = f.plan.Coefficients(f.coeffs, frame)

	scale := 1 / float64(f.n)
	for k := range acc {
		acc[k] += cmplx.Abs(f.coeffs[k]) * scale
	}
}
