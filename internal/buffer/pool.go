package buffer

import (
	"sync"
	"sync/atomic"
)

// Pool provides thread-safe pooling of byte buffers to reduce allocations in
// the transform chain's hot path. Buffers are zeroized before being returned
// to the pool since they frequently carry key material or plaintext.
type Pool struct {
	pool16  *sync.Pool // 16-byte buffers (AES IVs, block-cipher blocks)
	pool32  *sync.Pool // 32-byte buffers (AES-256 keys, HKDF output)
	pool64K *sync.Pool // 64KB+ buffers (chunk/stage buffers)

	hits16, misses16   int64
	hits32, misses32   int64
	hits64K, misses64K int64
}

// DefaultChunk is the buffer size used for stage-to-stage byte transfer when
// no more specific size is known.
const DefaultChunk = 64 * 1024

// globalPool is the package-level pool shared by all transform instances
// unless a context is configured with its own.
var globalPool = newPool()

func newPool() *Pool {
	return &Pool{
		pool16:  &sync.Pool{New: func() interface{} { return make([]byte, 16) }},
		pool32:  &sync.Pool{New: func() interface{} { return make([]byte, 32) }},
		pool64K: &sync.Pool{New: func() interface{} { return make([]byte, DefaultChunk+64) }},
	}
}

// Global returns the package-level buffer pool instance.
func Global() *Pool { return globalPool }

// NewPool creates an independent buffer pool (useful for isolating tests).
func NewPool() *Pool { return newPool() }

// Get returns a buffer of at least the requested size, preferring a pooled
// buffer of a matching size class.
func (p *Pool) Get(size int) []byte {
	switch {
	case size == 16:
		return p.get16()
	case size == 32:
		return p.get32()
	case size > 32 && size <= DefaultChunk+64:
		buf := p.get64K()
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a buffer to the matching pool after zeroizing it. Buffers that
// don't match a known size class are left for the garbage collector.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	switch {
	case c >= DefaultChunk && c <= DefaultChunk+64:
		p.put64K(buf)
	case c == 32:
		p.put32(buf)
	case c == 16:
		p.put16(buf)
	}
}

func (p *Pool) get16() []byte {
	if buf, ok := p.pool16.Get().([]byte); ok {
		atomic.AddInt64(&p.hits16, 1)
		return buf
	}
	atomic.AddInt64(&p.misses16, 1)
	return make([]byte, 16)
}

func (p *Pool) put16(buf []byte) {
	if cap(buf) != 16 {
		return
	}
	zero(buf)
	p.pool16.Put(buf[:16])
}

func (p *Pool) get32() []byte {
	if buf, ok := p.pool32.Get().([]byte); ok {
		atomic.AddInt64(&p.hits32, 1)
		return buf
	}
	atomic.AddInt64(&p.misses32, 1)
	return make([]byte, 32)
}

func (p *Pool) put32(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	zero(buf)
	p.pool32.Put(buf[:32])
}

func (p *Pool) get64K() []byte {
	if buf, ok := p.pool64K.Get().([]byte); ok {
		atomic.AddInt64(&p.hits64K, 1)
		return buf
	}
	atomic.AddInt64(&p.misses64K, 1)
	return make([]byte, DefaultChunk)
}

func (p *Pool) put64K(buf []byte) {
	if cap(buf) < DefaultChunk {
		return
	}
	zero(buf)
	p.pool64K.Put(buf[:cap(buf)])
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// Metrics reports pool hit/miss counters for the size classes.
type Metrics struct {
	Hits16, Misses16   int64
	Hits32, Misses32   int64
	Hits64K, Misses64K int64
}

// GetMetrics returns a snapshot of the pool's current hit/miss counters.
func (p *Pool) GetMetrics() Metrics {
	return Metrics{
		Hits16:    atomic.LoadInt64(&p.hits16),
		Misses16:  atomic.LoadInt64(&p.misses16),
		Hits32:    atomic.LoadInt64(&p.hits32),
		Misses32:  atomic.LoadInt64(&p.misses32),
		Hits64K:   atomic.LoadInt64(&p.hits64K),
		Misses64K: atomic.LoadInt64(&p.misses64K),
	}
}

// HitRate64K returns the hit rate for the chunk-size class, the one most
// exercised by cipher and base64 stages.
func (m Metrics) HitRate64K() float64 {
	total := m.Hits64K + m.Misses64K
	if total == 0 {
		return 0
	}
	return float64(m.Hits64K) / float64(total)
}
