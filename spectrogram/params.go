// Package spectrogram computes averaged bipolar-montage spectrograms from EEG recordings.
package spectrogram

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/RyanBlaney/sonido-eeg/recording"
)

// Fixed analysis design: a 4 second window stepped by 1 second.
const (
	WindowSeconds = 4
	HopSeconds    = 1

	// fftPad is extra zero padding added to the next power of two.
	fftPad = 0
)

// InvalidHandle marks params whose recording could not be opened.
const InvalidHandle = -1

// Params holds the sizing of one spectrogram computation.
type Params struct {
	Filename     string  `json:"filename"`
	Duration     float64 `json:"duration"` // requested duration in hours
	Handle       int     `json:"handle"`
	Fs           int     `json:"fs"`
	WindowLength int     `json:"window_length"` // analysis window in samples
	Hop          int     `json:"hop"`           // step between windows in samples
	FFTLength    int     `json:"fft_length"`
	NSamples     int     `json:"nsamples"`
	NBlocks      int     `json:"nblocks"`
	NFreqs       int     `json:"nfreqs"`
	SpecLen      int     `json:"spec_len"` // seconds covered
}

// Valid reports whether the params refer to an open recording. No other field may be
// used when Valid is false.
func (p Params) Valid() bool {
	return p.Handle != InvalidHandle
}

// InvalidParams returns the sentinel params for a recording that failed to open:
// the handle is InvalidHandle and every numeric field is zero.
func InvalidParams(filename string, hours float64) Params {
	return Params{Filename: filename, Duration: hours, Handle: InvalidHandle}
}

// DeriveParams computes spectrogram sizing from recording metadata. The sample rate and
// length are taken from channel 0; every channel is assumed to share them.
func DeriveParams(meta recording.Metadata, filename string, hours float64, handle int) (Params, error) {
	p := InvalidParams(filename, hours)

	if meta.SignalCount() < 1 {
		return p, recording.Errorf(recording.KindMalformedRecording, "derive", filename, "recording has no signals")
	}
	if hours <= 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return p, recording.Errorf(recording.KindInvalidParameters, "derive", filename, "duration %v hours must be positive", hours)
	}

	recordSeconds := meta.RecordDuration().Seconds()
	if recordSeconds <= 0 {
		return p, recording.Errorf(recording.KindMalformedRecording, "derive", filename, "data record duration %v", meta.RecordDuration())
	}

	fs := int(math.Round(float64(meta.SamplesPerRecord(0)) / recordSeconds))
	if fs < 1 {
		return p, recording.Errorf(recording.KindInvalidParameters, "derive", filename, "sample rate %d", fs)
	}

	windowLength := fs * WindowSeconds
	hop := fs * HopSeconds
	fftLength := max(nextPow2(windowLength+fftPad), windowLength)
	nsamples := int(min(float64(meta.SamplesInFile(0)), float64(fs)*3600*hours))
	if nsamples < windowLength {
		return p, recording.Errorf(recording.KindInvalidParameters, "derive", filename,
			"%d samples cannot fill a %d sample window", nsamples, windowLength)
	}
	nblocks := (nsamples-windowLength)/hop + 1

	return Params{
		Filename:     filename,
		Duration:     hours,
		Handle:       handle,
		Fs:           fs,
		WindowLength: windowLength,
		Hop:          hop,
		FFTLength:    fftLength,
		NSamples:     nsamples,
		NBlocks:      nblocks,
		NFreqs:       fftLength/2 + 1,
		SpecLen:      nsamples / fs,
	}, nil
}

func (p Params) String() string {
	if !p.Valid() {
		return fmt.Sprintf("%s: invalid", p.Filename)
	}
	return fmt.Sprintf("%s: fs=%d window=%d hop=%d nfft=%d nsamples=%d nblocks=%d nfreqs=%d spec_len=%ds",
		p.Filename, p.Fs, p.WindowLength, p.Hop, p.FFTLength, p.NSamples, p.NBlocks, p.NFreqs, p.SpecLen)
}

func nextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}
