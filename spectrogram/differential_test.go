package spectrogram

import (
	"errors"
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-eeg/internal/testutil"
	"github.com/RyanBlaney/sonido-eeg/recording"
)

// memSource reads a MemRecording channel from its first sample.
type memSource struct {
	rec *testutil.MemRecording
}

func (m memSource) ReadChannel(ch int, buf []float64) (int, error) {
	if err := m.rec.Rewind(ch); err != nil {
		return 0, err
	}
	return m.rec.ReadPhysicalSamples(ch, buf)
}

func collectDiffs(t *testing.T, r *DifferentialReader, chain []Channel) ([][]float64, error) {
	t.Helper()
	var diffs [][]float64
	err := r.Each(chain, func(i int, diff []float64) error {
		if i != len(diffs) {
			t.Fatalf("difference index %d out of order", i)
		}
		diffs = append(diffs, append([]float64(nil), diff...))
		return nil
	})
	return diffs, err
}

func TestDifferentialChain(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second,
		[]float64{1, 2, 3, 4},
		[]float64{10, 20, 30, 40},
		[]float64{0, 0, 5, 5},
	)
	r := NewDifferentialReader(memSource{rec}, 4, ReaderOptions{})

	diffs, err := collectDiffs(t, r, []Channel{0, 1, 2})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("got %d differences, want 2", len(diffs))
	}
	testutil.RequireSliceNearlyEqual(t, diffs[0], []float64{9, 18, 27, 36}, 0)
	testutil.RequireSliceNearlyEqual(t, diffs[1], []float64{-10, -20, -25, -35}, 0)
}

func TestDifferentialShortReadZeroFills(t *testing.T) {
	rec := testutil.NewMemRecording(6, time.Second,
		constant(6, 5),
		constant(6, 7),
		constant(6, 9),
	)
	// channel 2 is read into the buffer that held the first difference
	rec.ShortRead = map[int]int{2: 2}
	r := NewDifferentialReader(memSource{rec}, 6, ReaderOptions{})

	diffs, err := collectDiffs(t, r, []Channel{0, 1, 2})
	if err != nil {
		t.Fatalf("short read must not fail: %v", err)
	}
	testutil.RequireSliceNearlyEqual(t, diffs[1], []float64{2, 2, -7, -7, -7, -7}, 0)
}

func TestDifferentialShortReadExactZeros(t *testing.T) {
	rec := testutil.NewMemRecording(8, time.Second,
		make([]float64, 8),
		testutil.Ramp(8, 1, 1),
	)
	rec.ShortRead = map[int]int{1: 3}
	r := NewDifferentialReader(memSource{rec}, 8, ReaderOptions{})

	diffs, err := collectDiffs(t, r, []Channel{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range diffs[0][3:] {
		if v != 0.0 {
			t.Fatalf("sample %d = %v past the short read, want exact 0", i+3, v)
		}
	}
}

func TestDifferentialReadErrorAborts(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second,
		constant(4, 1), constant(4, 2), constant(4, 3),
	)
	rec.FailRead = map[int]bool{1: true}
	r := NewDifferentialReader(memSource{rec}, 4, ReaderOptions{})

	calls := 0
	err := r.Each([]Channel{0, 1, 2}, func(int, []float64) error {
		calls++
		return nil
	})
	if recording.KindOf(err) != recording.KindReadError {
		t.Fatalf("got %v, want read_error", err)
	}
	if !errors.Is(err, testutil.ErrInjected) {
		t.Fatalf("cause lost: %v", err)
	}
	if calls != 0 {
		t.Fatalf("callback ran %d times before the failing read", calls)
	}
}

func TestDifferentialCallbackErrorStops(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second,
		constant(4, 1), constant(4, 2), constant(4, 3),
	)
	r := NewDifferentialReader(memSource{rec}, 4, ReaderOptions{})

	stop := errors.New("stop")
	calls := 0
	err := r.Each([]Channel{0, 1, 2}, func(int, []float64) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want stop after one call", err, calls)
	}
}

func TestDifferentialLimits(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second, constant(16, 1), constant(16, 2))

	r := NewDifferentialReader(memSource{rec}, 16, ReaderOptions{MaxSamples: 8})
	err := r.Each([]Channel{0, 1}, func(int, []float64) error { return nil })
	if recording.KindOf(err) != recording.KindAllocationFailure {
		t.Fatalf("got %v, want allocation_failure", err)
	}
	if rec.Reads() != 0 {
		t.Fatal("read attempted past the sample cap")
	}

	r = NewDifferentialReader(memSource{rec}, 16, ReaderOptions{})
	err = r.Each([]Channel{0}, func(int, []float64) error { return nil })
	if recording.KindOf(err) != recording.KindInvalidParameters {
		t.Fatalf("single channel chain: got %v, want invalid_parameters", err)
	}
}

// poolCheckSource asserts the number of pooled buffers held while a channel is read.
type poolCheckSource struct {
	memSource
	t    *testing.T
	pool *BufferPool
	max  int
}

func (s poolCheckSource) ReadChannel(ch int, buf []float64) (int, error) {
	if n := s.pool.Outstanding(); n > s.max {
		s.t.Errorf("reading channel %d with %d buffers taken, want at most %d", ch, n, s.max)
	}
	return s.memSource.ReadChannel(ch, buf)
}

func TestDifferentialUsesTwoBuffers(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second,
		[]float64{1, 1, 1, 1},
		[]float64{3, 3, 3, 3},
		[]float64{6, 6, 6, 6},
		[]float64{10, 10, 10, 10},
	)
	pool := NewBufferPool()
	src := poolCheckSource{memSource: memSource{rec}, t: t, pool: pool, max: 2}
	r := NewDifferentialReader(src, 4, ReaderOptions{Pool: pool})

	diffs, err := collectDiffs(t, r, []Channel{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	for i, want := range []float64{2, 3, 4} {
		testutil.RequireSliceNearlyEqual(t, diffs[i], constant(4, want), 0)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Fatalf("%d buffers not returned", n)
	}
}

func TestDifferentialReleasesBuffersOnError(t *testing.T) {
	rec := testutil.NewMemRecording(4, time.Second, constant(4, 1), constant(4, 2), constant(4, 3))
	pool := NewBufferPool()
	r := NewDifferentialReader(memSource{rec}, 4, ReaderOptions{Pool: pool})

	stop := errors.New("stop")
	err := r.Each([]Channel{0, 1, 2}, func(int, []float64) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("Each error = %v", err)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Fatalf("%d buffers not returned", n)
	}
}
