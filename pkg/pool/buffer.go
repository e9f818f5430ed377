// Package pool caches fixed size copy buffers between archive writes.
package pool

import "sync"

// FixedBufferPool hands out byte slices of one size. Items are dropped by the
// garbage collector when unused, so it only suits short-lived buffers.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer returns a pool of size byte buffers. size must be positive.
func NewFixedBuffer(size int) *FixedBufferPool {
	if size <= 0 {
		panic("buffer size must be positive")
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size is the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int { return fp.size }

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of another capacity are ignored.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
