package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDispatcher = errors.New("missing dispatcher")
)

var nopLogger = zap.NewNop()

// Dispatcher runs one request and returns its envelopes, ending with the
// terminal one.
type Dispatcher interface {
	Dispatch(ctx context.Context, meta *C.RequestMeta, req *protocol.Request) <-chan protocol.Response
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	Dispatcher Dispatcher

	// Path of the websocket endpoint. Default is "/ws".
	Path string

	// SrcIPHeader names a trusted header that carries the client address.
	SrcIPHeader string

	// ProxyProtocol makes the listener expect a PROXY protocol header.
	ProxyProtocol bool

	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string

	// IdleTimeout closes a connection that sent nothing, not even a pong,
	// for this long. Default is 60s.
	IdleTimeout time.Duration

	// WriteTimeout bounds one frame write. Default is 10s.
	WriteTimeout time.Duration

	// MaxMessageSize bounds one request frame. Default is 1MiB.
	MaxMessageSize int64

	// SendQueue is the number of envelopes buffered per connection.
	// Default is 64.
	SendQueue int
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if len(opts.Path) == 0 {
		opts.Path = "/ws"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// Close closes the Server, its listeners and every open connection, then
// waits for the connection handlers to exit.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	s.wg.Wait()
}
