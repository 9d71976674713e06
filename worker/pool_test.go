package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoReturnsResult(t *testing.T) {
	p := New(2, 4)
	defer p.Close()

	got, err := Do(context.Background(), p, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Do = %d, %v", got, err)
	}

	boom := errors.New("boom")
	if _, err := Do(context.Background(), p, func() (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("Do error = %v, want boom", err)
	}
}

func TestDoRecoversPanic(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	_, err := Do(context.Background(), p, func() (int, error) { panic("bad job") })
	if err == nil {
		t.Fatal("panic not reported")
	}

	// the worker survives
	if v, err := Do(context.Background(), p, func() (int, error) { return 1, nil }); err != nil || v != 1 {
		t.Fatalf("pool unusable after panic: %d, %v", v, err)
	}
}

func TestBackpressure(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(context.Background(), func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	// fills the single queue slot
	if err := p.TrySubmit(func() {}); err != nil {
		t.Fatalf("TrySubmit into free slot: %v", err)
	}
	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("TrySubmit on full queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on full queue: %v, want deadline exceeded", err)
	}

	close(release)
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(2, 16)

	var ran atomic.Int64
	for range 16 {
		if err := p.Submit(context.Background(), func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatal(err)
		}
	}
	p.Close()

	if ran.Load() != 16 {
		t.Fatalf("ran %d jobs, want 16", ran.Load())
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit after Close: %v", err)
	}
	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("TrySubmit after Close: %v", err)
	}
	p.Close()
}

func TestWorkersRunConcurrently(t *testing.T) {
	const workers = 4
	p := New(workers, 0)
	defer p.Close()

	var wg sync.WaitGroup
	barrier := make(chan struct{})
	var arrived atomic.Int64
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), p, func() (struct{}, error) {
				if arrived.Add(1) == workers {
					close(barrier)
				}
				<-barrier
				return struct{}{}, nil
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not run in parallel")
	}
	if p.Workers() != workers {
		t.Fatalf("Workers = %d", p.Workers())
	}
}
