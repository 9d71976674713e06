package spectrogram

import (
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-eeg/internal/testutil"
	"github.com/RyanBlaney/sonido-eeg/recording"
)

func metaRecording(perRecord int, recordDur time.Duration, samplesInFile int) *testutil.MemRecording {
	rec := testutil.NewMemRecording(perRecord, recordDur, []float64{0})
	rec.DeclaredLen = samplesInFile
	return rec
}

func TestDeriveParamsReferenceRecording(t *testing.T) {
	rec := metaRecording(1000, 4*time.Second, 1_000_000)

	p, err := DeriveParams(rec, "ref.edf", 1, 7)
	if err != nil {
		t.Fatalf("DeriveParams: %v", err)
	}

	want := Params{
		Filename:     "ref.edf",
		Duration:     1,
		Handle:       7,
		Fs:           250,
		WindowLength: 1000,
		Hop:          250,
		FFTLength:    1024,
		NSamples:     900_000,
		NBlocks:      3597,
		NFreqs:       513,
		SpecLen:      3600,
	}
	if p != want {
		t.Fatalf("DeriveParams =\n%+v\nwant\n%+v", p, want)
	}
	if !p.Valid() {
		t.Fatal("params should be valid")
	}
}

func TestDeriveParamsTable(t *testing.T) {
	tests := []struct {
		name      string
		perRecord int
		recordDur time.Duration
		samples   int
		hours     float64
		fs        int
		fftLength int
		nsamples  int
		nblocks   int
	}{
		{"power of two window", 256, time.Second, 256 * 7200, 1, 256, 1024, 256 * 3600, 3597},
		{"rounded rate", 511, 2 * time.Second, 100_000, 1, 256, 1024, 100_000, 387},
		{"file shorter than duration", 200, time.Second, 10_000, 24, 200, 1024, 10_000, 47},
		{"fractional hours", 250, time.Second, 1_000_000, 0.5, 250, 1024, 450_000, 1797},
		{"exactly one window", 250, time.Second, 1000, 1, 250, 1024, 1000, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DeriveParams(metaRecording(tt.perRecord, tt.recordDur, tt.samples), "x.edf", tt.hours, 1)
			if err != nil {
				t.Fatalf("DeriveParams: %v", err)
			}
			if p.Fs != tt.fs || p.FFTLength != tt.fftLength || p.NSamples != tt.nsamples || p.NBlocks != tt.nblocks {
				t.Fatalf("got fs=%d nfft=%d nsamples=%d nblocks=%d, want %d %d %d %d",
					p.Fs, p.FFTLength, p.NSamples, p.NBlocks, tt.fs, tt.fftLength, tt.nsamples, tt.nblocks)
			}
			if p.NFreqs != p.FFTLength/2+1 {
				t.Fatalf("nfreqs = %d for nfft %d", p.NFreqs, p.FFTLength)
			}
			if p.FFTLength < p.WindowLength {
				t.Fatalf("nfft %d shorter than window %d", p.FFTLength, p.WindowLength)
			}
		})
	}
}

func TestDeriveParamsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		rec   *testutil.MemRecording
		hours float64
		kind  recording.Kind
	}{
		{"too few samples", metaRecording(250, time.Second, 700), 1, recording.KindInvalidParameters},
		{"less than one window within a hop", metaRecording(250, time.Second, 800), 1, recording.KindInvalidParameters},
		{"one sample short of a window", metaRecording(250, time.Second, 999), 1, recording.KindInvalidParameters},
		{"zero duration", metaRecording(250, time.Second, 10_000), 0, recording.KindInvalidParameters},
		{"zero rate", metaRecording(0, time.Second, 10_000), 1, recording.KindInvalidParameters},
		{"zero record duration", metaRecording(250, 0, 10_000), 1, recording.KindMalformedRecording},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DeriveParams(tt.rec, "bad.edf", tt.hours, 3)
			if recording.KindOf(err) != tt.kind {
				t.Fatalf("error %v, want kind %v", err, tt.kind)
			}
			if p != InvalidParams("bad.edf", tt.hours) {
				t.Fatalf("params %+v are not the invalid sentinel", p)
			}
		})
	}
}

func TestInvalidParamsZeroed(t *testing.T) {
	p := InvalidParams("missing.edf", 2)
	if p.Valid() || p.Handle != InvalidHandle {
		t.Fatalf("InvalidParams handle = %d", p.Handle)
	}
	if p.Fs|p.WindowLength|p.Hop|p.FFTLength|p.NSamples|p.NBlocks|p.NFreqs|p.SpecLen != 0 {
		t.Fatalf("numeric fields not zeroed: %+v", p)
	}
}

func TestNextPow2(t *testing.T) {
	for in, want := range map[int]int{1: 1, 2: 2, 3: 4, 1000: 1024, 1024: 1024, 1025: 2048, 800: 1024} {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
