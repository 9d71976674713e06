// Command spectro computes montage spectrograms for EEG recordings in batch.
//
//	spectro [-duration h] [-groups LL,RP] [-out dir] files...
//
// Every file and group yields <name>_<group>.f32, the serialized nfreqs x nblocks
// matrix, and <name>_<group>.json with the params and change point vectors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/RyanBlaney/sonido-eeg/changepoint"
	"github.com/RyanBlaney/sonido-eeg/config"
	"github.com/RyanBlaney/sonido-eeg/internal/app"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/pipeline"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file (defaults when empty)")
	duration := flag.Float64("duration", 0, "hours of each recording to analyse (0 = compute.default_duration)")
	groups := flag.String("groups", "", "comma separated montage groups (default LL,LP,RP,RL)")
	outDir := flag.String("out", ".", "output directory")
	logLevel := flag.String("log-level", "warn", "debug | info | warn | error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: spectro [flags] files...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed, err := run(*configPath, *duration, *groups, *outDir, *logLevel, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "spectro:", err)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "spectro: %d group(s) produced no data\n", failed)
		os.Exit(1)
	}
}

func run(configPath string, hours float64, groupList, outDir, logLevel string, files []string) (int64, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return 0, err
		}
		cfg = loaded
	}
	cfg.Log.Level = logLevel
	if err := app.ConfigureLogging(cfg.Log); err != nil {
		return 0, err
	}

	var names []string
	if groupList != "" {
		names = strings.Split(groupList, ",")
	}
	montages, err := spectrogram.ParseMontages(names)
	if err != nil {
		return 0, err
	}
	if err := checkOutputStems(files); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}

	a, err := app.New(cfg)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := mpb.NewWithContext(ctx, mpb.WithWidth(64))
	bar := p.AddBar(int64(len(files)*len(montages)),
		mpb.PrependDecorators(
			decor.Name("Computing: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
	)

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Compute.Workers)
	for _, file := range files {
		sink := &fileSink{outDir: outDir, file: file, bar: bar, failed: &failed}
		g.Go(func() error {
			err := a.Service.Run(gctx, pipeline.Request{
				Filename: file,
				Duration: hours,
				Groups:   montages,
			}, sink)
			if err != nil {
				// group failures are counted by the sink; only sink and context errors stop the batch
				if sink.err != nil || gctx.Err() != nil {
					return err
				}
				logging.Warn("Recording incomplete", logging.Fields{"file": file, "error": err.Error()})
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		bar.Abort(false)
	}
	p.Wait()
	return failed.Load(), err
}

// fileSink writes the results of one recording next to each other in outDir.
type fileSink struct {
	outDir string
	file   string
	bar    *mpb.Bar
	failed *atomic.Int64
	err    error
}

type sidecar struct {
	Params       spectrogram.Params `json:"params"`
	Group        string             `json:"group"`
	Channels     string             `json:"channels"`
	ChangePoints []float64          `json:"change_points"`
	Summed       []float64          `json:"summed_signal"`
}

func (s *fileSink) path(group, ext string) string {
	return filepath.Join(s.outDir, outputStem(s.file)+"_"+group+ext)
}

// outputStem is the file name without directory or extension.
func outputStem(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// checkOutputStems rejects inputs whose outputs would overwrite each other.
func checkOutputStems(files []string) error {
	seen := make(map[string]string, len(files))
	for _, f := range files {
		stem := outputStem(f)
		if prev, ok := seen[stem]; ok {
			return fmt.Errorf("%s and %s would both write %s_<group> outputs", prev, f, stem)
		}
		seen[stem] = f
	}
	return nil
}

func (s *fileSink) New(spectrogram.Params, string) error { return nil }

func (s *fileSink) Update(_ spectrogram.Params, group string, payload []byte) error {
	if err := os.WriteFile(s.path(group, ".f32"), payload, 0o644); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *fileSink) ChangePoints(p spectrogram.Params, group string, cp changepoint.Result) error {
	defer s.bar.Increment()

	m, err := spectrogram.ParseMontage(group)
	if err != nil {
		s.err = err
		return err
	}
	data, err := json.MarshalIndent(sidecar{
		Params:       p,
		Group:        group,
		Channels:     m.Describe(),
		ChangePoints: cp.ChangePoints,
		Summed:       cp.Summed,
	}, "", "  ")
	if err != nil {
		s.err = err
		return err
	}
	if err := os.WriteFile(s.path(group, ".json"), data, 0o644); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *fileSink) NoData(group string, cause error) error {
	s.failed.Add(1)
	s.bar.Increment()
	logging.Warn("No data", logging.Fields{"file": s.file, "group": group, "error": cause.Error()})
	return nil
}
