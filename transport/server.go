// Package transport serves spectrogram requests over websocket connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RyanBlaney/sonido-eeg/config"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/pipeline"
	"github.com/gorilla/websocket"
)

// Server accepts websocket connections on the configured path and answers
// spectrogram requests through a pipeline.Service.
type Server struct {
	cfg      config.ServerConfig
	service  *pipeline.Service
	upgrader websocket.Upgrader
	logger   logging.Logger
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. It does not listen until Serve or ListenAndServe.
func NewServer(cfg config.ServerConfig, service *pipeline.Service) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logging.WithFields(logging.Fields{"component": "ws_server"}),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session]struct{}),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(logger logging.Logger) {
	s.logger = logger.WithFields(logging.Fields{"component": "ws_server"})
}

// Handler returns the HTTP routes: the websocket endpoint and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)

	path := strings.TrimSuffix(s.cfg.Path, "/")
	if path == "" {
		mux.HandleFunc("/", s.handleWebsocket)
		return s.loggingMiddleware(mux)
	}
	mux.HandleFunc(path, s.handleWebsocket)
	mux.HandleFunc(path+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path+"/" {
			http.NotFound(w, r)
			return
		}
		s.handleWebsocket(w, r)
	})
	return s.loggingMiddleware(mux)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Websocket server listening", logging.Fields{
		"addr": l.Addr().String(),
		"path": s.cfg.Path,
	})
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, asks every open session to close and waits for
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}

	s.logger.Info("Websocket server stopped")
	return err
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	sess := newSession(s.ctx, conn, s.service, s.cfg.WriteTimeout.Duration, s.logger)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	sess.logger.Info("WebSocket opened")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.wg.Done()
		sess.logger.Info("WebSocket closed")
	}()
	sess.run(s.cfg.ReadLimit)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", logging.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		})
	})
}
