package spectrogram

import (
	"fmt"

	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/recording"
)

// SampleReader reads a channel from its first sample. *recording.Handle implements it.
type SampleReader interface {
	ReadChannel(ch int, buf []float64) (int, error)
}

// ReaderOptions tunes a DifferentialReader.
type ReaderOptions struct {
	// MaxSamples caps nsamples per channel; 0 disables the cap.
	MaxSamples int
	Pool       *BufferPool
	Logger     logging.Logger
}

// DifferentialReader produces the bipolar difference signals of a montage chain.
// It holds two sample buffers, swapped along the chain; the older one is overwritten
// with each difference.
type DifferentialReader struct {
	src      SampleReader
	nsamples int
	opts     ReaderOptions
	logger   logging.Logger
}

// NewDifferentialReader creates a reader of nsamples samples per channel.
func NewDifferentialReader(src SampleReader, nsamples int, opts ReaderOptions) *DifferentialReader {
	if opts.Pool == nil {
		opts.Pool = NewBufferPool()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &DifferentialReader{
		src:      src,
		nsamples: nsamples,
		opts:     opts,
		logger:   logger.WithFields(logging.Fields{"component": "differential_reader"}),
	}
}

// Each calls fn with diff_i = samples[chain[i]] - samples[chain[i-1]] for i in [1, len(chain)),
// passing i-1 as the difference index. diff is reused between calls and must not be retained.
// A read error or an error from fn stops the walk; buffers are released on every path.
func (r *DifferentialReader) Each(chain []Channel, fn func(i int, diff []float64) error) error {
	if len(chain) < 2 {
		return recording.Errorf(recording.KindInvalidParameters, "differential", "", "chain of %d channels has no differences", len(chain))
	}
	if r.nsamples < 1 {
		return recording.Errorf(recording.KindInvalidParameters, "differential", "", "nsamples %d", r.nsamples)
	}
	if r.opts.MaxSamples > 0 && r.nsamples > r.opts.MaxSamples {
		return recording.Errorf(recording.KindAllocationFailure, "differential", "",
			"%d samples per channel exceeds limit of %d", r.nsamples, r.opts.MaxSamples)
	}

	pool := r.opts.Pool
	prevBuf, curBuf := pool.Get(r.nsamples), pool.Get(r.nsamples)
	defer func() {
		pool.Put(prevBuf)
		pool.Put(curBuf)
	}()

	prev, cur := *prevBuf, *curBuf

	if err := r.read(chain[0], prev); err != nil {
		return err
	}
	for i := 1; i < len(chain); i++ {
		if err := r.read(chain[i], cur); err != nil {
			return err
		}
		// the difference overwrites prev
		for j := range prev {
			prev[j] = cur[j] - prev[j]
		}
		if err := fn(i-1, prev); err != nil {
			return err
		}
		prev, cur = cur, prev
	}

	return nil
}

// read fills buf with the channel, zero-filling past a short read.
func (r *DifferentialReader) read(ch Channel, buf []float64) error {
	n, err := r.src.ReadChannel(int(ch), buf)
	if err != nil {
		if recording.KindOf(err) == recording.KindUnknown {
			err = recording.NewError(recording.KindReadError, "read", "", err)
		}
		return fmt.Errorf("reading channel %s: %w", ch, err)
	}
	if n < len(buf) {
		r.logger.Debug("Short read, zero-filling", logging.Fields{
			"channel":   ch.String(),
			"requested": len(buf),
			"read":      n,
		})
		clear(buf[max(n, 0):])
	}
	return nil
}
