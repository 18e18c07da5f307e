package utils

import "sync"

// BufferPool hands out transfer buffers from a few size classes so that
// concurrent transfers do not allocate a fresh buffer per file.
type BufferPool struct {
	pools []*sync.Pool
	sizes []int
}

func NewBufferPool(sizes ...int) *BufferPool {
	if len(sizes) == 0 {
		sizes = []int{4 << 10, 32 << 10, 256 << 10}
	}

	p := &BufferPool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		p.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return p
}

// Get returns a buffer of exactly size bytes, pooled when a class fits.
func (p *BufferPool) Get(size int) []byte {
	for i, classSize := range p.sizes {
		if classSize >= size {
			return (*p.pools[i].Get().(*[]byte))[:size]
		}
	}
	return make([]byte, size)
}

// ForTransfer picks a buffer suited to moving n bytes, capped at the largest
// class.
func (p *BufferPool) ForTransfer(n int64) []byte {
	largest := p.sizes[len(p.sizes)-1]
	if n <= 0 || n > int64(largest) {
		return p.Get(largest)
	}
	return p.Get(int(n))
}

// Put returns buf to the class matching its capacity. Other buffers are left
// to the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	for i, classSize := range p.sizes {
		if classSize == c {
			buf = buf[:c]
			p.pools[i].Put(&buf)
			return
		}
	}
}
