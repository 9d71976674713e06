// Command spectrod serves EEG montage spectrograms over websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RyanBlaney/sonido-eeg/config"
	"github.com/RyanBlaney/sonido-eeg/internal/app"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/transport"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file (defaults when empty)")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	logLevel := flag.String("log-level", "", "debug | info | warn | error, overrides log.level")
	flag.Parse()

	if err := run(*configPath, *addr, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "spectrod:", err)
		os.Exit(1)
	}
}

func run(configPath, addr, logLevel string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Log); err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error(err, "Shutdown cleanup failed")
		}
	}()

	srv := transport.NewServer(cfg.Server, a.Service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down", logging.Fields{"timeout": cfg.Server.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-served
}
