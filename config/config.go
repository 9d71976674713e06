// Package config holds the service configuration, loaded from JSON over defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/RyanBlaney/sonido-eeg/logging"
)

type Config struct {
	Server       ServerConfig      `json:"server"`
	Compute      ComputeConfig     `json:"compute"`
	Store        StoreConfig       `json:"store"`
	ChangePoints ChangePointConfig `json:"change_points"`
	Log          LogConfig         `json:"log"`
}

// ServerConfig configures the websocket transport
type ServerConfig struct {
	Addr            string   `json:"addr"`
	Path            string   `json:"path"`       // websocket endpoint
	ReadLimit       int64    `json:"read_limit"` // max inbound message bytes
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// ComputeConfig sizes the computation resources
type ComputeConfig struct {
	Workers           int     `json:"workers"`      // montage computations running at once
	QueueSize         int     `json:"queue_size"`   // computations waiting for a worker
	STFTWorkers       int     `json:"stft_workers"` // goroutines per difference signal, 0 = NumCPU
	MaxOpenFiles      int     `json:"max_open_files"`
	MaxSamples        int     `json:"max_samples"` // per channel, 0 = unlimited
	CloseAfterRequest bool    `json:"close_after_request"`
	DefaultDuration   float64 `json:"default_duration"` // hours, used when a request omits it
}

// StoreConfig configures the optional result store
type StoreConfig struct {
	Enabled  bool     `json:"enabled"`
	Dir      string   `json:"dir"`
	InMemory bool     `json:"in_memory"`
	TTL      Duration `json:"ttl"`
}

// ChangePointConfig tunes the CUSUM detector, in noise units
type ChangePointConfig struct {
	Drift     float64 `json:"drift"`
	Threshold float64 `json:"threshold"`
}

type LogConfig struct {
	Level string `json:"level"` // debug, info, warn, error
	Color bool   `json:"color"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Compute:      DefaultComputeConfig(),
		Store:        DefaultStoreConfig(),
		ChangePoints: DefaultChangePointConfig(),
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		Path:            "/compute/spectrogram",
		ReadLimit:       64 << 10,
		WriteTimeout:    Duration{30 * time.Second},
		ShutdownTimeout: Duration{10 * time.Second},
	}
}

func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Workers:           4,
		QueueSize:         16,
		STFTWorkers:       0,
		MaxOpenFiles:      64,
		MaxSamples:        250 * 3600 * 24, // one day at 250 Hz
		CloseAfterRequest: true,
		DefaultDuration:   1,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Enabled:  false,
		Dir:      "data/results",
		InMemory: false,
		TTL:      Duration{24 * time.Hour},
	}
}

func DefaultChangePointConfig() ChangePointConfig {
	return ChangePointConfig{
		Drift:     0.5,
		Threshold: 5,
	}
}

// Load reads a JSON file over the defaults. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSON over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is empty")
	check(strings.HasPrefix(c.Server.Path, "/"), "server.path %q must start with /", c.Server.Path)
	check(c.Server.ReadLimit > 0, "server.read_limit must be positive")
	check(c.Server.WriteTimeout.Duration > 0, "server.write_timeout must be positive")
	check(c.Server.ShutdownTimeout.Duration > 0, "server.shutdown_timeout must be positive")

	check(c.Compute.Workers > 0, "compute.workers must be positive")
	check(c.Compute.QueueSize >= 0, "compute.queue_size is negative")
	check(c.Compute.STFTWorkers >= 0, "compute.stft_workers is negative")
	check(c.Compute.MaxOpenFiles > 0, "compute.max_open_files must be positive")
	check(c.Compute.MaxSamples >= 0, "compute.max_samples is negative")
	check(c.Compute.DefaultDuration > 0, "compute.default_duration must be positive")

	check(!c.Store.Enabled || c.Store.InMemory || c.Store.Dir != "", "store.dir is required for an on-disk store")
	check(c.Store.TTL.Duration >= 0, "store.ttl is negative")

	check(c.ChangePoints.Threshold > 0, "change_points.threshold must be positive")
	check(c.ChangePoints.Drift >= 0, "change_points.drift is negative")

	_, err := logging.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is unknown", c.Log.Level)

	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string such as "30s" in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}
