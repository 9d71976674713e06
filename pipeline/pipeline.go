// Package pipeline runs spectrogram requests independently of the transport that
// carries them: parameter derivation, per-montage computation on the worker pool,
// change-point detection and the optional result store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RyanBlaney/sonido-eeg/changepoint"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/RyanBlaney/sonido-eeg/store"
	"github.com/RyanBlaney/sonido-eeg/worker"
	"gonum.org/v1/gonum/mat"
)

// Request asks for the spectrograms of one recording.
type Request struct {
	Filename string
	Duration float64               // hours; <= 0 uses the service default
	Groups   []spectrogram.Montage // empty selects every group
}

// Sink receives the results of a request, group by group, in order.
// A Sink error aborts the request.
type Sink interface {
	New(p spectrogram.Params, group string) error
	Update(p spectrogram.Params, group string, payload []byte) error
	ChangePoints(p spectrogram.Params, group string, cp changepoint.Result) error
	NoData(group string, cause error) error
}

// ResultStore persists finished results. *store.Store implements it.
type ResultStore interface {
	Get(key []byte) (*store.Entry, error)
	Put(key []byte, entry *store.Entry) error
}

// Options configures a Service.
type Options struct {
	CloseAfterRequest bool
	DefaultDuration   float64
}

// Result is one finished montage group.
type Result struct {
	Params       spectrogram.Params
	Group        string
	Payload      []byte
	ChangePoints changepoint.Result
	Cached       bool
}

// Service runs requests. It is safe for concurrent use.
type Service struct {
	computer *spectrogram.Computer
	pool     *worker.Pool
	detector changepoint.Detector
	store    ResultStore
	opts     Options
	logger   logging.Logger
}

// NewService wires the service. results may be nil to disable the result store.
func NewService(computer *spectrogram.Computer, pool *worker.Pool, detector changepoint.Detector, results ResultStore, opts Options) *Service {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 1
	}
	return &Service{
		computer: computer,
		pool:     pool,
		detector: detector,
		store:    results,
		opts:     opts,
		logger:   logging.WithFields(logging.Fields{"component": "pipeline"}),
	}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger logging.Logger) {
	s.logger = logger.WithFields(logging.Fields{"component": "pipeline"})
}

// Run processes req and reports every group to sink. When the recording cannot be
// sized, every group receives NoData. A failing group receives NoData and the others
// still run; the joined group errors are returned.
func (s *Service) Run(ctx context.Context, req Request, sink Sink) error {
	hours := req.Duration
	if hours <= 0 {
		hours = s.opts.DefaultDuration
	}
	groups := req.Groups
	if len(groups) == 0 {
		groups = spectrogram.Montages()
	}

	logger := s.logger.WithContext(ctx).WithFields(logging.Fields{"file": req.Filename})
	if s.opts.CloseAfterRequest {
		defer func() {
			if err := s.computer.Cache().Evict(req.Filename); err != nil {
				logger.Warn("Failed to close recording", logging.Fields{"error": err.Error()})
			}
		}()
	}

	p, err := s.computer.Params(req.Filename, hours)
	if err != nil {
		logger.Error(err, "Cannot size spectrogram", logging.Fields{"kind": recording.KindOf(err).String()})
		for _, g := range groups {
			if serr := sink.NoData(g.Name, err); serr != nil {
				return serr
			}
		}
		return err
	}
	logger.Info("Spectrogram request", logging.Fields{
		"fs":      p.Fs,
		"nblocks": p.NBlocks,
		"nfreqs":  p.NFreqs,
		"hours":   hours,
	})

	var errs []error
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.New(p, g.Name); err != nil {
			return err
		}

		res, err := s.Group(ctx, p, g)
		if err != nil {
			logger.Error(err, "Group failed", logging.Fields{
				"group": g.Name,
				"kind":  recording.KindOf(err).String(),
			})
			if serr := sink.NoData(g.Name, err); serr != nil {
				return serr
			}
			errs = append(errs, fmt.Errorf("group %s: %w", g.Name, err))
			continue
		}

		if err := sink.Update(p, g.Name, res.Payload); err != nil {
			return err
		}
		if err := sink.ChangePoints(p, g.Name, res.ChangePoints); err != nil {
			return err
		}
	}

	return errors.Join(errs...)
}

// Group returns the result of one montage group, from the store when possible,
// otherwise computed on the worker pool.
func (s *Service) Group(ctx context.Context, p spectrogram.Params, g spectrogram.Montage) (*Result, error) {
	if !p.Valid() {
		return nil, recording.Errorf(recording.KindInvalidParameters, "compute", p.Filename, "recording is not open")
	}

	key := s.storeKey(p, g)
	if key != nil {
		entry, err := s.store.Get(key)
		switch {
		case err == nil:
			s.logger.Debug("Result store hit", logging.Fields{"file": p.Filename, "group": g.Name})
			return &Result{
				Params:       p,
				Group:        g.Name,
				Payload:      entry.Payload,
				ChangePoints: changepoint.Result{ChangePoints: entry.ChangePoints, Summed: entry.Summed},
				Cached:       true,
			}, nil
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("Result store read failed", logging.Fields{"error": err.Error()})
		}
	}

	res, err := worker.Do(ctx, s.pool, func() (*Result, error) {
		return s.compute(p, g)
	})
	if err != nil {
		return nil, err
	}

	if key != nil {
		entry := &store.Entry{
			Params:       p,
			Group:        g.Name,
			Payload:      res.Payload,
			ChangePoints: res.ChangePoints.ChangePoints,
			Summed:       res.ChangePoints.Summed,
		}
		if err := s.store.Put(key, entry); err != nil {
			s.logger.Warn("Result store write failed", logging.Fields{"error": err.Error()})
		}
	}
	return res, nil
}

func (s *Service) compute(p spectrogram.Params, g spectrogram.Montage) (*Result, error) {
	start := time.Now()

	spec, err := s.computer.Compute(p, g)
	if err != nil {
		return nil, err
	}
	payload, err := spectrogram.Serialize(p, spec)
	if err != nil {
		return nil, err
	}
	cp, err := s.detect(spec)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Group computed", logging.Fields{
		"file":    p.Filename,
		"group":   g.Name,
		"elapsed": time.Since(start).String(),
	})
	return &Result{Params: p, Group: g.Name, Payload: payload, ChangePoints: cp}, nil
}

func (s *Service) detect(spec *mat.Dense) (changepoint.Result, error) {
	if s.detector == nil {
		_, nblocks := spec.Dims()
		return changepoint.Result{ChangePoints: make([]float64, nblocks), Summed: make([]float64, nblocks)}, nil
	}
	cp, err := s.detector.Detect(spec)
	if err != nil {
		return cp, fmt.Errorf("change points: %w", err)
	}
	return cp, nil
}

func (s *Service) storeKey(p spectrogram.Params, g spectrogram.Montage) []byte {
	if s.store == nil {
		return nil
	}
	path, err := recording.CanonicalPath(p.Filename)
	if err != nil {
		return nil
	}
	key, err := store.FileKey(path, p, g.Name)
	if err != nil {
		s.logger.Debug("No result store key", logging.Fields{"error": err.Error()})
		return nil
	}
	return key
}
