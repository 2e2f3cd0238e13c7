package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
	"github.com/bgpkit/monocle-sub001/pkg/protocol"
	C "github.com/bgpkit/monocle-sub001/pkg/query_context"
)

type dispatchFunc func(ctx context.Context, meta *C.RequestMeta, req *protocol.Request) <-chan protocol.Response

func (f dispatchFunc) Dispatch(ctx context.Context, meta *C.RequestMeta, req *protocol.Request) <-chan protocol.Response {
	return f(ctx, meta, req)
}

type envelope struct {
	ID   string         `json:"id"`
	OpID string         `json:"op_id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func newTestServer(t *testing.T, d Dispatcher) (*Server, string) {
	t.Helper()
	s := NewServer(ServerOpts{Dispatcher: d, SrcIPHeader: "X-Real-IP"})
	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Real-IP": []string{"198.51.100.7"}})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e envelope
	require.NoError(t, c.ReadJSON(&e))
	return e
}

func TestServer_roundTrip(t *testing.T) {
	metas := make(chan *C.RequestMeta, 1)
	_, url := newTestServer(t, dispatchFunc(func(_ context.Context, meta *C.RequestMeta, req *protocol.Request) <-chan protocol.Response {
		metas <- meta
		ch := make(chan protocol.Response, 2)
		ch <- protocol.Progress(req.ID, "op", map[string]any{"stage": "working"})
		ch <- protocol.Result(req.ID, "op", map[string]any{"method": req.Method})
		close(ch)
		return ch
	}))
	c := dial(t, url)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","method":"time.parse","params":{}}`)))
	e := read(t, c)
	assert.Equal(t, "progress", e.Type)
	assert.Equal(t, "op", e.OpID)
	e = read(t, c)
	assert.Equal(t, "result", e.Type)
	assert.Equal(t, "1", e.ID)
	assert.Equal(t, "time.parse", e.Data["method"])

	meta := <-metas
	assert.Equal(t, C.ProtocolWS, meta.GetProtocol())
	assert.Equal(t, netip.MustParseAddr("198.51.100.7"), meta.GetClientAddr())
	assert.False(t, meta.IsRefreshEntrypoint())
}

func TestServer_invalidRequest(t *testing.T) {
	_, url := newTestServer(t, dispatchFunc(func(context.Context, *C.RequestMeta, *protocol.Request) <-chan protocol.Response {
		t.Error("dispatched an invalid request")
		return nil
	}))
	c := dial(t, url)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	e := read(t, c)
	assert.Equal(t, "error", e.Type)
	assert.Equal(t, string(errs.CodeInvalidRequest), e.Data["code"])

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":"7","params":{}}`)))
	e = read(t, c)
	assert.Equal(t, "7", e.ID)
	assert.Equal(t, string(errs.CodeInvalidRequest), e.Data["code"])
}

func TestServer_duplicateIDAndDisconnect(t *testing.T) {
	canceled := make(chan string, 1)
	_, url := newTestServer(t, dispatchFunc(func(ctx context.Context, _ *C.RequestMeta, req *protocol.Request) <-chan protocol.Response {
		ch := make(chan protocol.Response, 1)
		go func() {
			<-ctx.Done()
			canceled <- req.ID
			ch <- protocol.Error(req.ID, "", ctx.Err())
			close(ch)
		}()
		return ch
	}))
	c := dial(t, url)

	msg := []byte(`{"id":"a","method":"database.refresh","params":{}}`)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, msg))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, msg))
	e := read(t, c)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, string(errs.CodeInvalidRequest), e.Data["code"])

	c.Close()
	select {
	case id := <-canceled:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not canceled on disconnect")
	}
}

func TestServer_close(t *testing.T) {
	s := NewServer(ServerOpts{Dispatcher: dispatchFunc(nil)})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- s.ServeWS(l) }()
	url := "ws://" + l.Addr().String() + "/ws"
	var c *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer c.Close()

	s.Close()
	assert.ErrorIs(t, <-errc, ErrServerClosed)
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), clientAddr(r, ""))

	r.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), clientAddr(r, ""))
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), clientAddr(r, "X-Forwarded-For"))
}
