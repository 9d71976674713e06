package spectrogram

import (
	"fmt"
	"time"

	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"gonum.org/v1/gonum/mat"
)

// Options configures a Computer.
type Options struct {
	STFTWorkers int `json:"stft_workers"` // goroutines per difference signal; 0 uses every CPU
	MaxSamples  int `json:"max_samples"`  // per-channel sample cap; 0 disables it
}

// Computer derives params and computes montage spectrograms through a shared handle cache.
// It is safe for concurrent use.
type Computer struct {
	cache  *recording.Cache
	opts   Options
	pool   *BufferPool
	logger logging.Logger
}

// NewComputer creates a Computer reading recordings through cache.
func NewComputer(cache *recording.Cache, opts Options) *Computer {
	return &Computer{
		cache:  cache,
		opts:   opts,
		pool:   NewBufferPool(),
		logger: logging.WithFields(logging.Fields{"component": "spectrogram"}),
	}
}

// SetLogger replaces the computer logger.
func (c *Computer) SetLogger(logger logging.Logger) {
	c.logger = logger.WithFields(logging.Fields{"component": "spectrogram"})
}

// Params opens filename, or reuses its cached handle, and derives the spectrogram sizing
// for the first hours of the recording. When the file cannot be opened the returned params
// are InvalidParams together with the open error.
func (c *Computer) Params(filename string, hours float64) (Params, error) {
	h, err := c.cache.Acquire(filename)
	if err != nil {
		return InvalidParams(filename, hours), err
	}
	defer h.Release()

	p, err := DeriveParams(h.Metadata(), filename, hours, h.ID())
	if err != nil {
		return p, err
	}
	c.logger.Debug("Derived spectrogram params", logging.Fields{
		"file":    filename,
		"fs":      p.Fs,
		"nblocks": p.NBlocks,
		"nfreqs":  p.NFreqs,
	})
	return p, nil
}

// Compute returns the averaged nfreqs x nblocks spectrogram of montage m.
func (c *Computer) Compute(p Params, m Montage) (*mat.Dense, error) {
	if !p.Valid() {
		return nil, recording.Errorf(recording.KindInvalidParameters, "compute", p.Filename, "recording is not open")
	}

	h, err := c.cache.Acquire(p.Filename)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	signals := h.Metadata().SignalCount()
	for _, ch := range m.Chain {
		if int(ch) >= signals {
			return nil, recording.Errorf(recording.KindMalformedRecording, "compute", p.Filename,
				"montage %s needs channel %s, recording has %d signals", m.Name, ch, signals)
		}
	}

	engine, err := NewEngine(p, c.opts.STFTWorkers)
	if err != nil {
		return nil, err
	}
	engine.SetLogger(c.logger.WithFields(logging.Fields{"group": m.Name}))

	reader := NewDifferentialReader(h, p.NSamples, ReaderOptions{
		MaxSamples: c.opts.MaxSamples,
		Pool:       c.pool,
		Logger:     c.logger,
	})

	start := time.Now()
	err = reader.Each(m.Chain, func(_ int, diff []float64) error {
		return engine.Accumulate(diff)
	})
	if err != nil {
		return nil, fmt.Errorf("montage %s: %w", m.Name, err)
	}

	spec, err := engine.Finalize()
	if err != nil {
		return nil, err
	}
	c.logger.Info("Computed spectrogram", logging.Fields{
		"file":     p.Filename,
		"group":    m.Name,
		"nblocks":  p.NBlocks,
		"elapsed":  time.Since(start).String(),
		"handle":   h.ID(),
		"channels": m.Describe(),
	})
	return spec, nil
}

// Cache returns the handle cache the computer reads through.
func (c *Computer) Cache() *recording.Cache { return c.cache }
