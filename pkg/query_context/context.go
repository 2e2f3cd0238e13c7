package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	ProtocolWS        = "ws"
	ProtocolCLI       = "cli"
	ProtocolScheduler = "scheduler"
)

// RequestMeta represents some metadata about the caller of a request.
type RequestMeta struct {
	clientAddr        netip.Addr
	protocol          string
	refreshEntrypoint bool
}

func NewRequestMeta(protocol string, addr netip.Addr) *RequestMeta {
	meta := &RequestMeta{protocol: protocol}
	meta.SetClientAddr(addr)
	return meta
}

// NewEntrypointMeta returns the meta of the designated refresh entrypoint.
// Only callers that own the refresh schedule of a dataset may use it.
func NewEntrypointMeta(protocol string) *RequestMeta {
	return &RequestMeta{protocol: protocol, refreshEntrypoint: true}
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// IsRefreshEntrypoint reports whether write-restricted methods may run for
// this caller.
func (m *RequestMeta) IsRefreshEntrypoint() bool {
	return m.refreshEntrypoint
}

// Context describes one dispatched request.
type Context struct {
	startTime time.Time
	uid       uint32
	reqID     string
	method    string
	reqMeta   *RequestMeta
}

var (
	contextUid      atomic.Uint32
	zeroRequestMeta = &RequestMeta{}
)

func NewContext(reqID, method string, meta *RequestMeta) *Context {
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		startTime: time.Now(),
		uid:       contextUid.Add(1),
		reqID:     reqID,
		method:    method,
		reqMeta:   meta,
	}
}

// String returns a short summary of the request.
func (ctx *Context) String() string {
	s := fmt.Sprintf("%s %q %s %d", ctx.method, ctx.reqID, ctx.reqMeta.protocol, ctx.uid)
	if ctx.reqMeta.clientAddr.IsValid() {
		s += " " + ctx.reqMeta.clientAddr.String()
	}
	return s
}

func (ctx *Context) ReqID() string  { return ctx.reqID }
func (ctx *Context) Method() string { return ctx.method }
func (ctx *Context) Uid() uint32    { return ctx.uid }

func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("request", ctx)
}
