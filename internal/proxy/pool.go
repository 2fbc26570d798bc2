package proxy

import (
	"net/http/httputil"
	"sync"
)

const (
	// Response bodies are streamed back in chunks of this size.
	forwardBufferSize = 8192

	// Each tunnel read is at most this many bytes.
	tunnelBufferSize = 16384
)

var tunnelBuffers = NewBufferPool(tunnelBufferSize)

type bufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool returns a pool of fixed-size byte slices usable both as a
// ReverseProxy BufferPool and for tunnel relays.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
