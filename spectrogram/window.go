package spectrogram

import (
	"fmt"

	"github.com/mjibson/go-dsp/window"
)

// Hamming holds symmetric Hamming coefficients,
// w[i] = 0.54 - 0.46*cos(2*pi*i/(size-1)).
type Hamming struct {
	size         int
	coefficients []float64
}

// NewHamming precomputes a window of the given size.
func NewHamming(size int) *Hamming {
	return &Hamming{
		size:         size,
		coefficients: window.Hamming(size),
	}
}

// Apply writes the windowed src into dst and zero-pads dst past len(src).
// src may be shorter than the window; dst must be exactly the window size.
func (h *Hamming) Apply(dst, src []float64) error {
	if len(dst) != h.size {
		return fmt.Errorf("frame length (%d) doesn't match window size (%d)", len(dst), h.size)
	}
	if len(src) > h.size {
		src = src[:h.size]
	}

	for i, v := range src {
		dst[i] = v * h.coefficients[i]
	}
	clear(dst[len(src):])

	return nil
}

// Coefficients returns a copy of the window coefficients.
func (h *Hamming) Coefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// Size returns the window size.
func (h *Hamming) Size() int {
	return h.size
}
