package testutil

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RyanBlaney/sonido-eeg/recording"
)

// ErrInjected is returned by MemRecording reads configured to fail.
var ErrInjected = errors.New("injected read failure")

// MemRecording is an in-memory recording.Recording.
type MemRecording struct {
	Channels    [][]float64
	PerRecord   int
	RecordDur   time.Duration
	DeclaredLen int // samples-in-file reported for every channel; 0 uses len(Channels[ch])

	// ShortRead caps the number of samples a single read returns for a channel.
	ShortRead map[int]int
	// FailRead makes reads of a channel fail.
	FailRead map[int]bool
	// OnClose, when set, runs inside Close before the recording is marked closed.
	OnClose func()

	mu      sync.Mutex
	cursors []int
	closed  bool
	reads   int
}

// NewMemRecording builds a recording whose channels all have perRecord samples per
// data record of recordDur.
func NewMemRecording(perRecord int, recordDur time.Duration, channels ...[]float64) *MemRecording {
	return &MemRecording{
		Channels:  channels,
		PerRecord: perRecord,
		RecordDur: recordDur,
		cursors:   make([]int, len(channels)),
	}
}

func (m *MemRecording) SignalCount() int { return len(m.Channels) }

func (m *MemRecording) Label(ch int) string { return fmt.Sprintf("CH%d", ch) }

func (m *MemRecording) SamplesInFile(ch int) int {
	if m.DeclaredLen > 0 {
		return m.DeclaredLen
	}
	return len(m.Channels[ch])
}

func (m *MemRecording) SamplesPerRecord(int) int { return m.PerRecord }

func (m *MemRecording) RecordDuration() time.Duration { return m.RecordDur }

func (m *MemRecording) ReadPhysicalSamples(ch int, buf []float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("read on closed recording")
	}
	if ch < 0 || ch >= len(m.Channels) {
		return 0, fmt.Errorf("channel %d out of range", ch)
	}
	m.reads++
	if m.FailRead[ch] {
		return 0, ErrInjected
	}

	data := m.Channels[ch][m.cursors[ch]:]
	n := copy(buf, data)
	if limit, ok := m.ShortRead[ch]; ok && n > limit {
		n = limit
	}
	m.cursors[ch] += n
	return n, nil
}

func (m *MemRecording) Rewind(ch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch < 0 || ch >= len(m.Channels) {
		return fmt.Errorf("channel %d out of range", ch)
	}
	m.cursors[ch] = 0
	return nil
}

func (m *MemRecording) Close() error {
	if m.OnClose != nil {
		m.OnClose()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemRecording) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Cursor returns the read position of channel ch.
func (m *MemRecording) Cursor(ch int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[ch]
}

// Reads returns the number of ReadPhysicalSamples calls.
func (m *MemRecording) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// MemOpener serves MemRecordings by path and counts opens.
type MemOpener struct {
	mu    sync.Mutex
	recs  map[string]*MemRecording
	opens map[string]int
	// Delay is slept inside Open to widen race windows in concurrency tests.
	Delay time.Duration
}

func NewMemOpener() *MemOpener {
	return &MemOpener{recs: make(map[string]*MemRecording), opens: make(map[string]int)}
}

// Add registers rec under path, which must already be canonical.
func (o *MemOpener) Add(path string, rec *MemRecording) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recs[path] = rec
}

func (o *MemOpener) Open(path string) (recording.Recording, error) {
	if o.Delay > 0 {
		time.Sleep(o.Delay)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.recs[path]
	if !ok {
		return nil, recording.NewError(recording.KindFileNotFound, "open", path, nil)
	}
	o.opens[path]++
	return rec, nil
}

// Opens returns how many times path was opened.
func (o *MemOpener) Opens(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}
