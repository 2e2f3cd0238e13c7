package protocol

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

var nopLogger = zap.NewNop()

var ErrSessionClosed = errors.New("session closed")

// Session is the table of in-flight requests of one connection. Entries are
// keyed by the client's request id and removed when the terminal envelope
// of the request is delivered.
type Session struct {
	logger *zap.Logger

	m       sync.Mutex
	closed  bool
	pending map[string]context.CancelFunc
}

func NewSession(logger *zap.Logger) *Session {
	if logger == nil {
		logger = nopLogger
	}
	return &Session{
		logger:  logger,
		pending: make(map[string]context.CancelFunc),
	}
}

// Begin registers id as pending. The returned ctx is canceled when the
// session closes. An id that is already pending is rejected with
// INVALID_REQUEST.
func (s *Session) Begin(parent context.Context, id string) (context.Context, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, dup := s.pending[id]; dup {
		return nil, errs.InvalidRequest("request id %q is already pending", id)
	}
	ctx, cancel := context.WithCancel(parent)
	s.pending[id] = cancel
	return ctx, nil
}

// Deliver reports whether r may be sent to the caller. Envelopes of unknown
// or retired ids are dropped. A terminal envelope retires its id.
func (s *Session) Deliver(r Response) bool {
	s.m.Lock()
	cancel, ok := s.pending[r.ID]
	if ok && r.Terminal() {
		delete(s.pending, r.ID)
	}
	s.m.Unlock()

	if !ok {
		s.logger.Warn("dropping envelope of a request that is not pending",
			zap.String("id", r.ID), zap.String("type", string(r.Type)))
		return false
	}
	if r.Terminal() {
		cancel()
	}
	return true
}

// Pending returns the number of in-flight requests.
func (s *Session) Pending() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.pending)
}

// Close cancels every pending request. Later envelopes are dropped.
func (s *Session) Close() {
	s.m.Lock()
	pending := s.pending
	s.pending = make(map[string]context.CancelFunc)
	s.closed = true
	s.m.Unlock()

	for id, cancel := range pending {
		s.logger.Debug("request abandoned", zap.String("id", id))
		cancel()
	}
}
