// Package app wires the configured components shared by the server and the batch CLI.
package app

import (
	"errors"
	"fmt"

	"github.com/RyanBlaney/sonido-eeg/changepoint"
	"github.com/RyanBlaney/sonido-eeg/config"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/pipeline"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"github.com/RyanBlaney/sonido-eeg/recording/edf"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/RyanBlaney/sonido-eeg/store"
	"github.com/RyanBlaney/sonido-eeg/worker"
)

// App owns the long-lived components. Close releases them in reverse order.
type App struct {
	Cache   *recording.Cache
	Pool    *worker.Pool
	Store   *store.Store // nil when the result store is disabled
	Service *pipeline.Service
}

// ConfigureLogging applies the log section to the global logger.
func ConfigureLogging(cfg config.LogConfig) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	if !cfg.Color {
		logging.DisableColors()
	}
	return nil
}

// New builds the components described by cfg.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Cache: recording.NewCache(edf.Opener{}, cfg.Compute.MaxOpenFiles),
		Pool:  worker.New(cfg.Compute.Workers, cfg.Compute.QueueSize),
	}

	var results pipeline.ResultStore
	if cfg.Store.Enabled {
		s, err := store.Open(store.Options{
			Dir:      cfg.Store.Dir,
			InMemory: cfg.Store.InMemory,
			TTL:      cfg.Store.TTL.Duration,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("result store: %w", err)
		}
		a.Store = s
		results = s
	}

	computer := spectrogram.NewComputer(a.Cache, spectrogram.Options{
		STFTWorkers: cfg.Compute.STFTWorkers,
		MaxSamples:  cfg.Compute.MaxSamples,
	})
	detector := &changepoint.CUSUM{
		Drift:     cfg.ChangePoints.Drift,
		Threshold: cfg.ChangePoints.Threshold,
	}
	a.Service = pipeline.NewService(computer, a.Pool, detector, results, pipeline.Options{
		CloseAfterRequest: cfg.Compute.CloseAfterRequest,
		DefaultDuration:   cfg.Compute.DefaultDuration,
	})

	logging.Info("Components ready", logging.Fields{
		"workers":        cfg.Compute.Workers,
		"queue_size":     cfg.Compute.QueueSize,
		"max_open_files": cfg.Compute.MaxOpenFiles,
		"store":          cfg.Store.Enabled,
	})
	return a, nil
}

// Close drains the worker pool, then closes cached recordings and the store.
func (a *App) Close() error {
	a.Pool.Close()
	var errs []error
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing recordings: %w", err))
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing result store: %w", err))
		}
	}
	return errors.Join(errs...)
}
