// Package changepoint marks blocks where the spectral power of a spectrogram shifts.
package changepoint

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Result holds one value per spectrogram block.
type Result struct {
	ChangePoints []float64 `json:"change_points"` // 1 at a detected change, 0 elsewhere
	Summed       []float64 `json:"summed_signal"` // total magnitude of each block
}

// Detector finds change points in an nfreqs x nblocks spectrogram.
type Detector interface {
	Detect(spec mat.Matrix) (Result, error)
}

// CUSUM is a two-sided cumulative sum detector over the summed block power.
//
// The noise scale is estimated from first differences of the summed signal, so a level
// shift does not inflate it. Deviations are taken from the running mean of the current
// segment; after an alarm the sums and the segment restart at the alarming block.
type CUSUM struct {
	Drift     float64 `json:"drift"`     // allowance k, in noise units
	Threshold float64 `json:"threshold"` // decision interval h, in noise units
}

// NewCUSUM returns a detector with k = 0.5 and h = 5.
func NewCUSUM() *CUSUM {
	return &CUSUM{Drift: 0.5, Threshold: 5}
}

func (c *CUSUM) Detect(spec mat.Matrix) (Result, error) {
	if c.Threshold <= 0 || c.Drift < 0 {
		return Result{}, fmt.Errorf("invalid cusum settings: drift %v threshold %v", c.Drift, c.Threshold)
	}

	nfreqs, nblocks := spec.Dims()
	summed := make([]float64, nblocks)
	column := make([]float64, nfreqs)
	for b := range summed {
		summed[b] = floats.Sum(mat.Col(column, b, spec))
	}

	return Result{
		ChangePoints: c.mark(summed),
		Summed:       summed,
	}, nil
}

func (c *CUSUM) mark(x []float64) []float64 {
	marks := make([]float64, len(x))
	if len(x) < 3 {
		return marks
	}

	diffs := make([]float64, len(x)-1)
	for i := range diffs {
		diffs[i] = x[i+1] - x[i]
	}
	sigma := stat.StdDev(diffs, nil) / math.Sqrt2
	if sigma == 0 || math.IsNaN(sigma) {
		return marks
	}

	var pos, neg float64
	segSum, segLen := x[0], 1
	for i := 1; i < len(x); i++ {
		z := (x[i] - segSum/float64(segLen)) / sigma
		pos = max(0, pos+z-c.Drift)
		neg = max(0, neg-z-c.Drift)

		if pos > c.Threshold || neg > c.Threshold {
			marks[i] = 1
			pos, neg = 0, 0
			segSum, segLen = x[i], 1
			continue
		}
		segSum += x[i]
		segLen++
	}
	return marks
}
