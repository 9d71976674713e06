package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-eeg/spectrogram"
)

func openMemory(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, TTL: ttl})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleParams() spectrogram.Params {
	return spectrogram.Params{
		Filename: "a.edf", Duration: 1, Handle: 0, Fs: 250, WindowLength: 1000,
		Hop: 250, FFTLength: 1024, NSamples: 900000, NBlocks: 3597, NFreqs: 513, SpecLen: 3600,
	}
}

func TestPutGet(t *testing.T) {
	s := openMemory(t, 0)
	key := Key("/data/a.edf", 1234, time.Unix(100, 0), sampleParams(), "LL")

	if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: %v, want ErrNotFound", err)
	}

	in := &Entry{
		Params:       sampleParams(),
		Group:        "LL",
		Payload:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ChangePoints: []float64{0, 1, 0},
		Summed:       []float64{1.5, 2.5, 3.5},
	}
	if err := s.Put(key, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Params != in.Params || out.Group != "LL" || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(out.Summed) != 3 || out.Summed[2] != 3.5 || out.ChangePoints[1] != 1 {
		t.Fatalf("vectors mismatch: %+v", out)
	}
	if out.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: %v", err)
	}
}

func TestKeyDistinguishesInputs(t *testing.T) {
	p := sampleParams()
	mod := time.Unix(100, 0)
	base := Key("/data/a.edf", 10, mod, p, "LL")

	longer := p
	longer.Duration = 2
	otherFFT := p
	otherFFT.FFTLength = 2048

	variants := map[string][]byte{
		"path":     Key("/data/b.edf", 10, mod, p, "LL"),
		"size":     Key("/data/a.edf", 11, mod, p, "LL"),
		"mod time": Key("/data/a.edf", 10, mod.Add(time.Second), p, "LL"),
		"duration": Key("/data/a.edf", 10, mod, longer, "LL"),
		"group":    Key("/data/a.edf", 10, mod, p, "RL"),
		"fft":      Key("/data/a.edf", 10, mod, otherFFT, "LL"),
	}
	for name, k := range variants {
		if bytes.Equal(k, base) {
			t.Errorf("changing %s did not change the key", name)
		}
	}
	if !bytes.Equal(base, Key("/data/a.edf", 10, mod, p, "LL")) {
		t.Fatal("key is not deterministic")
	}
}

func TestFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.edf")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	key, err := FileKey(path, sampleParams(), "LP")
	if err != nil {
		t.Fatalf("FileKey: %v", err)
	}
	if !bytes.Equal(key, Key(path, info.Size(), info.ModTime(), sampleParams(), "LP")) {
		t.Fatal("FileKey differs from Key over the same stat")
	}

	if _, err := FileKey(filepath.Join(t.TempDir(), "missing.edf"), sampleParams(), "LP"); err == nil {
		t.Fatal("FileKey on missing file succeeded")
	}
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := Key("/x", 1, time.Unix(1, 0), sampleParams(), "RP")
	if err := s.Put(key, &Entry{Group: "RP"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(key)
	if err != nil || got.Group != "RP" {
		t.Fatalf("after reopen: %+v, %v", got, err)
	}

	if _, err := Open(Options{}); err == nil {
		t.Fatal("Open without a directory succeeded")
	}
}
