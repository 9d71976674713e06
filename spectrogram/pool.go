package spectrogram

import (
	"sync"
	"sync/atomic"
)

// BufferPool reuses sample buffers across computations.
type BufferPool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

// NewBufferPool returns a BufferPool ready for use.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return new([]float64)
			},
		},
	}
}

// Get returns a zeroed buffer of length n. Callers must return it via Put.
func (p *BufferPool) Get(n int) *[]float64 {
	p.outstanding.Add(1)
	b := p.pool.Get().(*[]float64)
	if cap(*b) < n {
		*b = make([]float64, n)
	} else {
		*b = (*b)[:n]
		clear(*b)
	}
	return b
}

// Put returns a buffer to the pool. The caller must not use it afterwards.
func (p *BufferPool) Put(b *[]float64) {
	if b == nil {
		return
	}
	p.outstanding.Add(-1)
	p.pool.Put(b)
}

// Outstanding returns the number of buffers taken and not yet returned.
func (p *BufferPool) Outstanding() int { return int(p.outstanding.Load()) }
