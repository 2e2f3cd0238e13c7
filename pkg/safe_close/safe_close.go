package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a service and the goroutines it
// owns.
//
//  1. Goroutines are started by Attach and stop when their ctx is canceled.
//  2. Any of them may call SendCloseSignal on a fatal error.
//  3. CloseWait cancels every ctx and returns once all attached goroutines
//     returned. It must not be called from an attached goroutine.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	closeErr error
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{ctx: ctx, cancel: cancel}
}

// CloseWait is concurrent safe and can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
}

// SendCloseSignal records err, if it is the first one, and cancels every
// attached goroutine.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	s.cancel()
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

// ReceiveCloseSignal is closed once a close signal was sent.
func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Attach runs f in a new goroutine tracked by CloseWait. If s was already
// closed, f does not run.
func (s *SafeClose) Attach(f func(ctx context.Context)) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}
