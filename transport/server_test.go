package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-eeg/changepoint"
	"github.com/RyanBlaney/sonido-eeg/config"
	"github.com/RyanBlaney/sonido-eeg/internal/testutil"
	"github.com/RyanBlaney/sonido-eeg/pipeline"
	"github.com/RyanBlaney/sonido-eeg/recording"
	"github.com/RyanBlaney/sonido-eeg/recording/edf"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/RyanBlaney/sonido-eeg/worker"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cache := recording.NewCache(edf.Opener{}, 4)
	t.Cleanup(func() { _ = cache.Close() })
	pool := worker.New(2, 4)
	t.Cleanup(pool.Close)

	computer := spectrogram.NewComputer(cache, spectrogram.Options{STFTWorkers: 1})
	service := pipeline.NewService(computer, pool, changepoint.NewCUSUM(), nil, pipeline.Options{CloseAfterRequest: true})
	return NewServer(config.DefaultServerConfig(), service)
}

func startHTTPTest(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func request(t *testing.T, conn *websocket.Conn, filename string, groups ...string) {
	t.Helper()
	content, _ := json.Marshal(FileRequest{Filename: filename, Duration: 1, Groups: groups})
	msg, _ := json.Marshal(Message{Type: MessageRequestFileSpectrogram, Content: content})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
}

type frame struct {
	content map[string]any
	payload []byte
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type %d, want binary", kind)
	}
	msg, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageSpectrogram {
		t.Fatalf("frame type %q", msg.Type)
	}
	var content map[string]any
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		t.Fatal(err)
	}
	return frame{content: content, payload: payload}
}

func eegFile(t *testing.T) string {
	t.Helper()
	fx := testutil.EEGFixture(20, 8, func(ch, i int) int { return ch * (i%5 - 2) })
	return testutil.WriteEDF(t, "rec.edf", fx)
}

func TestServerSpectrogramRequest(t *testing.T) {
	ts := startHTTPTest(t, newTestServer(t))
	conn := dial(t, wsURL(ts, "/compute/spectrogram"))

	request(t, conn, eegFile(t), "LL")

	first := readFrame(t, conn)
	if first.content["action"] != "new" || first.content["canvasId"] != "LL" {
		t.Fatalf("first frame = %v", first.content)
	}
	if first.content["nblocks"] != 17.0 || first.content["nfreqs"] != 17.0 || first.content["fs"] != 8.0 || first.content["length"] != 20.0 {
		t.Fatalf("new frame sizing = %v", first.content)
	}

	update := readFrame(t, conn)
	if update.content["action"] != "update" || len(update.payload) != 4*17*17 {
		t.Fatalf("update frame = %v with %d bytes", update.content, len(update.payload))
	}
	spec, err := spectrogram.Deserialize(update.payload, 17, 17)
	if err != nil {
		t.Fatal(err)
	}
	testutil.RequireFinite(t, spec.RawMatrix().Data)

	for _, want := range []string{"change_points", "summed_signal"} {
		f := readFrame(t, conn)
		if f.content["action"] != "change_points" || f.content["type"] != want {
			t.Fatalf("vector frame = %v, want type %s", f.content, want)
		}
		if len(f.payload) != 4*17 {
			t.Fatalf("%s vector is %d bytes", want, len(f.payload))
		}
	}
}

func TestServerNoData(t *testing.T) {
	ts := startHTTPTest(t, newTestServer(t))
	conn := dial(t, wsURL(ts, "/compute/spectrogram/"))

	request(t, conn, filepath.Join(t.TempDir(), "missing.edf"), "RP", "RL")
	for _, group := range []string{"RP", "RL"} {
		f := readFrame(t, conn)
		if f.content["action"] != "no_data" || f.content["canvasId"] != group {
			t.Fatalf("frame = %v, want no_data for %s", f.content, group)
		}
		if f.content["kind"] != "file_not_found" || f.content["reason"] == "" {
			t.Fatalf("no_data frame = %v", f.content)
		}
	}

	request(t, conn, "x.edf", "XX")
	f := readFrame(t, conn)
	if f.content["action"] != "no_data" || f.content["kind"] != "invalid_parameters" {
		t.Fatalf("unknown group frame = %v", f.content)
	}
}

func TestServerIgnoresOtherMessages(t *testing.T) {
	ts := startHTTPTest(t, newTestServer(t))
	conn := dial(t, wsURL(ts, "/compute/spectrogram"))

	for _, msg := range []string{
		`{"type":"information","content":{"client":"viewer"}}`,
		`{"type":"resize","content":{}}`,
		`not json`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	// the connection survives and still answers requests
	request(t, conn, filepath.Join(t.TempDir(), "missing.edf"), "LP")
	f := readFrame(t, conn)
	if f.content["action"] != "no_data" || f.content["canvasId"] != "LP" {
		t.Fatalf("frame = %v", f.content)
	}
}

func TestHealthz(t *testing.T) {
	ts := startHTTPTest(t, newTestServer(t))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/compute/spectrogram/extra")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.StatusCode)
	}
}

func TestServerShutdownClosesSessions(t *testing.T) {
	srv := newTestServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	conn := dial(t, "ws://"+l.Addr().String()+"/compute/spectrogram")
	time.Sleep(50 * time.Millisecond)

	// the client is not reading, so it never answers the close frame
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Shutdown took %v with an idle client", elapsed)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after shutdown = %v, want going away close", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
