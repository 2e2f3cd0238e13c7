package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufPool(t *testing.T) {
	b := GetBuf()
	b.WriteString("hello")
	ReleaseBuf(b)

	b = GetBuf()
	assert.Equal(t, 0, b.Len())
	ReleaseBuf(b)

	big := bytes.NewBuffer(make([]byte, 0, maxPooledBufSize+1))
	ReleaseBuf(big)
	assert.Equal(t, maxPooledBufSize+1, big.Cap())
}
