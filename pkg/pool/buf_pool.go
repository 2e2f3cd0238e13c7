package pool

import (
	"bytes"
	"sync"
)

// Buffers that grew beyond this are not pooled.
const maxPooledBufSize = 256 << 10

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuf returns an empty buffer from the pool.
// The caller MUST call ReleaseBuf after use.
func GetBuf() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// ReleaseBuf returns b to the pool. The caller MUST NOT access b afterwards.
func ReleaseBuf(b *bytes.Buffer) {
	if b.Cap() > maxPooledBufSize {
		return
	}
	b.Reset()
	bufPool.Put(b)
}
