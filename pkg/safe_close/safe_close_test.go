package safe_close

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 4; i++ {
		sc.Attach(func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		})
	}

	errFatal := errors.New("fatal")
	sc.SendCloseSignal(errFatal)
	sc.SendCloseSignal(errors.New("second"))
	sc.CloseWait()
	sc.CloseWait()

	assert.Equal(t, int32(4), exited.Load())
	assert.Equal(t, errFatal, sc.Err())

	ran := false
	sc.Attach(func(context.Context) { ran = true })
	sc.CloseWait()
	assert.False(t, ran)
	select {
	case <-sc.ReceiveCloseSignal():
	default:
		t.Fatal("close signal not sent")
	}
}
