package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"1","method":"rpki.validate","params":{"prefix":"1.1.1.0/24","asn":4200000000}}`))
	require.NoError(t, err)
	assert.Equal(t, "rpki.validate", req.Method)
	assert.Equal(t, json.Number("4200000000"), req.Params["asn"])

	req, err = DecodeRequest([]byte(`{"id":"2","method":"system.info"}`))
	require.NoError(t, err)
	assert.NotNil(t, req.Params)

	for _, in := range []string{`{`, `{"method":"x"}`, `{"id":"1"}`, `[]`} {
		_, err := DecodeRequest([]byte(in))
		assert.Equal(t, errs.CodeInvalidRequest, errs.CodeOf(err), in)
	}
}

func TestErrorEnvelope(t *testing.T) {
	r := Error("7", "", errs.Validation("asn is required"))
	assert.True(t, r.Terminal())
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","type":"error","data":{"code":"INVALID_PARAMS","message":"asn is required"}}`, string(b))

	r = Error("8", "", errors.New("secret path /var/lib/x"))
	assert.Equal(t, ErrorData{Code: errs.CodeInternal, Message: "internal error"}, r.Data)
}

func TestSession(t *testing.T) {
	s := NewSession(nil)
	ctx, err := s.Begin(context.Background(), "a")
	require.NoError(t, err)

	_, err = s.Begin(context.Background(), "a")
	assert.Equal(t, errs.CodeInvalidRequest, errs.CodeOf(err))

	assert.True(t, s.Deliver(Progress("a", "op", 1)))
	assert.NoError(t, ctx.Err())
	assert.True(t, s.Deliver(Result("a", "op", 2)))
	assert.Error(t, ctx.Err())
	assert.Equal(t, 0, s.Pending())

	// Retired and unknown ids are dropped.
	assert.False(t, s.Deliver(Result("a", "op", 3)))
	assert.False(t, s.Deliver(Progress("zzz", "", nil)))

	// The id can be reused once retired.
	_, err = s.Begin(context.Background(), "a")
	require.NoError(t, err)
}

func TestSession_Close(t *testing.T) {
	s := NewSession(nil)
	ctx1, _ := s.Begin(context.Background(), "1")
	ctx2, _ := s.Begin(context.Background(), "2")
	s.Close()

	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
	assert.False(t, s.Deliver(Result("1", "", nil)))
	_, err := s.Begin(context.Background(), "3")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
