package transport

import (
	"context"
	"sync"
	"time"

	"github.com/RyanBlaney/sonido-eeg/changepoint"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/pipeline"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	closeGrace   = time.Second // wait for the client's close reply
	pingInterval = pongWait * 9 / 10
	requestQueue = 8
)

// session is one websocket connection. It serves requests one at a time, in arrival
// order, and implements pipeline.Sink over the connection.
type session struct {
	conn         *websocket.Conn
	service      *pipeline.Service
	writeTimeout time.Duration
	logger       logging.Logger

	writeMu  sync.Mutex
	requests chan FileRequest
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ pipeline.Sink = (*session)(nil)

func newSession(parent context.Context, conn *websocket.Conn, service *pipeline.Service, writeTimeout time.Duration, logger logging.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		conn:         conn,
		service:      service,
		writeTimeout: writeTimeout,
		logger:       logger.WithFields(logging.Fields{"remote": conn.RemoteAddr().String()}),
		requests:     make(chan FileRequest, requestQueue),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// run serves the connection until the client goes away or ctx is cancelled.
func (s *session) run(readLimit int64) {
	defer s.conn.Close()
	defer s.cancel()

	go s.serve()
	go s.ping()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		if s.ctx.Err() != nil {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection closed unexpectedly", logging.Fields{"error": err.Error()})
			} else {
				s.logger.Debug("Connection closed", logging.Fields{"error": err.Error()})
			}
			break
		}
		s.receive(data)
	}

	s.cancel()
	<-s.done
}

func (s *session) receive(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.logger.Warn("Dropping message", logging.Fields{"error": err.Error()})
		return
	}

	switch msg.Type {
	case MessageRequestFileSpectrogram:
		req, err := ParseFileRequest(msg.Content)
		if err != nil {
			s.logger.Warn("Bad spectrogram request", logging.Fields{"error": err.Error()})
			_ = s.NoData("", recording.NewError(recording.KindInvalidParameters, "request", "", err))
			return
		}
		select {
		case s.requests <- req:
		default:
			s.logger.Warn("Request queue full", logging.Fields{"file": req.Filename})
			_ = s.NoData("", recording.Errorf(recording.KindAllocationFailure, "request", req.Filename, "too many pending requests"))
		}
	case MessageInformation:
		s.logger.Info("Client information", logging.Fields{"content": string(msg.Content)})
	default:
		s.logger.Warn("Unknown message type", logging.Fields{"type": msg.Type, "content": string(msg.Content)})
	}
}

func (s *session) serve() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			s.handle(req)
		}
	}
}

func (s *session) handle(req FileRequest) {
	groups, err := spectrogram.ParseMontages(req.Groups)
	if err != nil {
		_ = s.NoData("", recording.NewError(recording.KindInvalidParameters, "request", req.Filename, err))
		return
	}

	start := time.Now()
	err = s.service.Run(s.ctx, pipeline.Request{
		Filename: req.Filename,
		Duration: req.Duration,
		Groups:   groups,
	}, s)
	fields := logging.Fields{"file": req.Filename, "elapsed": time.Since(start).String()}
	if err != nil {
		s.logger.Error(err, "Spectrogram request failed", fields)
		return
	}
	s.logger.Info("Spectrogram request complete", fields)
}

func (s *session) ping() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// close sends a close frame and bounds the read loop by closeGrace, so a client that
// never answers the close cannot hold the session open.
func (s *session) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	_ = s.conn.SetReadDeadline(time.Now().Add(min(s.writeTimeout, closeGrace)))
	s.cancel()
}

func (s *session) send(content any, payload []byte) error {
	frame, err := EncodeFrame(MessageSpectrogram, content, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *session) New(p spectrogram.Params, group string) error {
	return s.send(NewContent{
		Action:   ActionNew,
		NBlocks:  p.NBlocks,
		NFreqs:   p.NFreqs,
		Fs:       p.Fs,
		Length:   p.SpecLen,
		CanvasID: group,
	}, nil)
}

func (s *session) Update(p spectrogram.Params, group string, payload []byte) error {
	return s.send(UpdateContent{
		Action:   ActionUpdate,
		NBlocks:  p.NBlocks,
		NFreqs:   p.NFreqs,
		CanvasID: group,
	}, payload)
}

func (s *session) ChangePoints(_ spectrogram.Params, group string, cp changepoint.Result) error {
	err := s.send(VectorContent{
		Action:   ActionChangePoints,
		Type:     VectorChangePoints,
		CanvasID: group,
	}, spectrogram.EncodeVector(cp.ChangePoints))
	if err != nil {
		return err
	}
	return s.send(VectorContent{
		Action:   ActionChangePoints,
		Type:     VectorSummedSignal,
		CanvasID: group,
	}, spectrogram.EncodeVector(cp.Summed))
}

func (s *session) NoData(group string, cause error) error {
	content := NoDataContent{
		Action:   ActionNoData,
		CanvasID: group,
		Kind:     recording.KindOf(cause).String(),
	}
	if cause != nil {
		content.Reason = cause.Error()
	}
	return s.send(content, nil)
}
