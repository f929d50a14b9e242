package optimize

import (
	"bytes"
	"sync"
)

// BufferPool is a pool of bytes.Buffers to reduce allocations on hot encode paths
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewBufferPool creates a pool whose buffers start at initialSize bytes. Buffers that
// grew beyond maxSize are dropped instead of being reused.
func NewBufferPool(initialSize, maxSize int) *BufferPool {
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get returns an empty buffer
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (p.maxSize > 0 && buf.Cap() > p.maxSize) {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// Bytes copies the buffer contents so the buffer can go back to the pool.
func Bytes(buf *bytes.Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
