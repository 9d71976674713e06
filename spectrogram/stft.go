package spectrogram

import (
	"runtime"
	"sync"

	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"gonum.org/v1/gonum/mat"
)

// Engine accumulates the short-time magnitude spectra of the difference signals of one
// montage chain. The accumulator is nblocks x nfreqs and is summed across signals until
// Finalize averages and transposes it.
//
// Each block of a signal is Hamming windowed over fft_length samples starting at
// block*hop. The first block that runs past nsamples is zero padded and is the last block
// processed for that signal: later blocks keep no contribution.
type Engine struct {
	params  Params
	window  *Hamming
	logger  logging.Logger
	workers []engineWorker

	acc       *mat.Dense
	blocks    int // blocks processed per signal
	diffs     int
	finalized bool
}

type engineWorker struct {
	fft   *FFT
	frame []float64
}

// NewEngine prepares an engine for p. workers <= 0 uses one worker per CPU.
func NewEngine(p Params, workers int) (*Engine, error) {
	if !p.Valid() {
		return nil, recording.Errorf(recording.KindInvalidParameters, "stft", p.Filename, "recording is not open")
	}
	if p.NBlocks < 1 || p.NSamples < 1 || p.Hop < 1 || p.FFTLength < 2 || p.NFreqs != p.FFTLength/2+1 {
		return nil, recording.Errorf(recording.KindInvalidParameters, "stft", p.Filename, "inconsistent params %s", p)
	}

	blocks := processedBlocks(p)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, blocks)

	e := &Engine{
		params:  p,
		window:  NewHamming(p.FFTLength),
		acc:     mat.NewDense(p.NBlocks, p.NFreqs, nil),
		blocks:  blocks,
		workers: make([]engineWorker, workers),
		logger: logging.WithFields(logging.Fields{
			"component": "stft_engine",
			"file":      p.Filename,
		}),
	}
	for i := range e.workers {
		e.workers[i] = engineWorker{
			fft:   NewFFT(p.FFTLength),
			frame: make([]float64, p.FFTLength),
		}
	}

	if blocks < p.NBlocks {
		e.logger.Debug("Tail blocks left empty", logging.Fields{
			"nblocks":   p.NBlocks,
			"processed": blocks,
		})
	}
	return e, nil
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger logging.Logger) {
	e.logger = logger.WithFields(logging.Fields{"component": "stft_engine"})
}

// processedBlocks returns how many blocks of a signal are transformed: every full block
// plus the first truncated one.
func processedBlocks(p Params) int {
	for idx := 0; idx < p.NBlocks; idx++ {
		if idx*p.Hop+p.FFTLength > p.NSamples {
			return idx + 1
		}
	}
	return p.NBlocks
}

// Blocks returns the number of blocks transformed per difference signal.
func (e *Engine) Blocks() int { return e.blocks }

// Accumulate adds the spectra of one difference signal of nsamples samples.
// Blocks are spread over the workers; each accumulator row is written by one goroutine.
func (e *Engine) Accumulate(diff []float64) error {
	p := e.params
	if e.finalized {
		return recording.Errorf(recording.KindInvalidParameters, "stft", p.Filename, "engine already finalized")
	}
	if len(diff) < p.NSamples {
		return recording.Errorf(recording.KindInvalidParameters, "stft", p.Filename,
			"signal has %d samples, want %d", len(diff), p.NSamples)
	}

	process := func(w *engineWorker, idx int) {
		start := idx * p.Hop
		end := min(start+p.FFTLength, p.NSamples)
		// frame length always matches the window
		_ = e.window.Apply(w.frame, diff[start:end])
		w.fft.Magnitudes(e.acc.RawRowView(idx), w.frame)
	}

	if len(e.workers) == 1 {
		for idx := 0; idx < e.blocks; idx++ {
			process(&e.workers[0], idx)
		}
		e.diffs++
		return nil
	}

	jobs := make(chan int, len(e.workers))
	var wg sync.WaitGroup
	for i := range e.workers {
		wg.Add(1)
		go func(w *engineWorker) {
			defer wg.Done()
			for idx := range jobs {
				process(w, idx)
			}
		}(&e.workers[i])
	}

	for idx := 0; idx < e.blocks; idx++ {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	e.diffs++
	return nil
}

// Finalize averages the accumulator over the signals added and returns it transposed,
// nfreqs x nblocks, so that m.At(freq, block) is the averaged magnitude.
func (e *Engine) Finalize() (*mat.Dense, error) {
	if e.diffs == 0 {
		return nil, recording.Errorf(recording.KindInvalidParameters, "stft", e.params.Filename, "no difference signals accumulated")
	}
	if !e.finalized {
		e.acc.Scale(1/float64(e.diffs), e.acc)
		e.finalized = true
	}

	e.logger.Debug("Spectrogram finalized", logging.Fields{
		"signals": e.diffs,
		"nblocks": e.params.NBlocks,
		"nfreqs":  e.params.NFreqs,
	})
	return mat.DenseCopyOf(e.acc.T()), nil
}
