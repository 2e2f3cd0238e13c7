package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/pool"
	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultMaxHeaderBytes    = 8 << 10
)

// ServeWS serves the websocket endpoint on l until the server is closed.
func (s *Server) ServeWS(l net.Listener) error {
	defer l.Close()

	if s.opts.Dispatcher == nil {
		return errMissingDispatcher
	}
	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}

	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	if !s.trackCloser(hs, true) {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if s.Closed() {
		return ErrServerClosed
	}
	return err
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if len(origin) == 0 {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades requests to the websocket path and serves the
// connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.opts.Path {
		http.NotFound(w, r)
		return
	}
	if s.Closed() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	c, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Debug("websocket upgrade failed", zap.String("from", r.RemoteAddr), zap.Error(err))
		return
	}
	defer c.Close()
	if !s.trackConn(c) {
		return
	}
	defer s.untrackConn(c)

	meta := C.NewRequestMeta(C.ProtocolWS, clientAddr(r, s.opts.SrcIPHeader))
	s.serveConn(c, meta)
}

// trackConn is trackCloser for a connection that Close must also wait for.
func (s *Server) trackConn(c io.Closer) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false
	}
	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}
	s.closerTracker[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c io.Closer) {
	s.trackCloser(c, false)
	s.wg.Done()
}

// serveConn reads requests from c and dispatches each one concurrently.
// Envelopes are written by a single writer goroutine. Pending requests are
// canceled when the connection is lost.
func (s *Server) serveConn(c *websocket.Conn, meta *C.RequestMeta) {
	logger := s.opts.Logger.With(zap.Stringer("client", meta.GetClientAddr()))
	ctx, cancel := context.WithCancel(context.Background())
	sess := protocol.NewSession(logger)
	send := make(chan protocol.Response, s.opts.SendQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c, send, logger)
	}()

	enqueue := func(r protocol.Response) {
		select {
		case send <- r:
		case <-ctx.Done():
		}
	}

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		sess.Close()
		inflight.Wait()
		<-writerDone
	}()

	c.SetReadLimit(s.opts.MaxMessageSize)
	deadline := func() { _ = c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)) }
	deadline()
	c.SetPongHandler(func(string) error { deadline(); return nil })

	for {
		typ, b, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		deadline()
		if typ != websocket.TextMessage {
			enqueue(protocol.Error("", "", errs.InvalidRequest("only text frames are accepted")))
			continue
		}

		req, err := protocol.DecodeRequest(b)
		if err != nil {
			var id string
			if req != nil {
				id = req.ID
			}
			enqueue(protocol.Error(id, "", err))
			continue
		}
		rCtx, err := sess.Begin(ctx, req.ID)
		if err != nil {
			enqueue(protocol.Error(req.ID, "", err))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			for r := range s.opts.Dispatcher.Dispatch(rCtx, meta, req) {
				if sess.Deliver(r) {
					enqueue(r)
				}
			}
		}()
	}
}

func (s *Server) writeLoop(ctx context.Context, c *websocket.Conn, send <-chan protocol.Response, logger *zap.Logger) {
	ping := time.NewTicker(s.opts.IdleTimeout * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case r := <-send:
			if err := writeResponse(c, r, s.opts.WriteTimeout); err != nil {
				logger.Debug("websocket write error", zap.Error(err))
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		case <-ctx.Done():
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteTimeout))
			return
		}
	}
}

func writeResponse(c *websocket.Conn, r protocol.Response, timeout time.Duration) error {
	buf := pool.GetBuf()
	defer pool.ReleaseBuf(buf)
	if err := json.NewEncoder(buf).Encode(r); err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(timeout))
	return c.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
}

// clientAddr returns the caller's address, preferring a trusted header.
func clientAddr(r *http.Request, header string) netip.Addr {
	if len(header) > 0 {
		if v := r.Header.Get(header); len(v) > 0 {
			v, _, _ = strings.Cut(v, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil {
				return addr
			}
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr()
	}
	return netip.Addr{}
}
