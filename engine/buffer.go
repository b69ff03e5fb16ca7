package engine

import (
	"sync"
)

// DefaultBufferSize is the copy buffer size used when none is configured.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool hands out reusable copy buffers for file units so a long
// queue of transfers does not churn the garbage collector.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of size-byte buffers.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of the buffers in the pool.
func (bp *BufferPool) Size() int { return bp.size }

// Get retrieves a buffer. Callers return it with Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns b to the pool. The caller must not use b afterwards.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}
