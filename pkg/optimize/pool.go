package optimize

import (
	"sync"
	"sync/atomic"
)

// BytePool recycles fixed-size frame buffers. Every slice it hands out has
// length Size().
type BytePool struct {
	pool sync.Pool
	size int

	allocated atomic.Int64
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		p.allocated.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Allocated counts buffers created because the pool was empty.
func (p *BytePool) Allocated() int64 {
	return p.allocated.Load()
}

// Get gets a byte slice from the pool. Contents are not cleared.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a byte slice to the pool. Slices too small for a frame are
// left to the garbage collector.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
