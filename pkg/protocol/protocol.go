// Package protocol defines the request and response envelopes exchanged
// with RPC callers and the per-connection table of pending requests.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type Type string

const (
	TypeResult   Type = "result"
	TypeProgress Type = "progress"
	TypeStream   Type = "stream"
	TypeError    Type = "error"
)

type Response struct {
	ID   string `json:"id"`
	OpID string `json:"op_id,omitempty"`
	Type Type   `json:"type"`
	Data any    `json:"data"`
}

// Terminal reports whether r is the last envelope of its request.
func (r Response) Terminal() bool {
	return r.Type == TypeResult || r.Type == TypeError
}

type ErrorData struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func Result(id, opID string, data any) Response {
	return Response{ID: id, OpID: opID, Type: TypeResult, Data: data}
}

func Progress(id, opID string, data any) Response {
	return Response{ID: id, OpID: opID, Type: TypeProgress, Data: data}
}

func Stream(id, opID string, data any) Response {
	return Response{ID: id, OpID: opID, Type: TypeStream, Data: data}
}

// Error builds the terminal error envelope of err. Unclassified errors are
// reported as INTERNAL_ERROR with a generic message.
func Error(id, opID string, err error) Response {
	return Response{ID: id, OpID: opID, Type: TypeError, Data: NewErrorData(err)}
}

func NewErrorData(err error) ErrorData {
	e := errs.From(err)
	return ErrorData{Code: e.Code, Message: e.Message, Details: e.Details}
}

// DecodeRequest parses one request envelope. Numbers in params are kept as
// json.Number so large ASNs survive decoding.
func DecodeRequest(b []byte) (*Request, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	req := new(Request)
	if err := d.Decode(req); err != nil {
		return nil, errs.InvalidRequest("malformed request: %v", err)
	}
	if len(req.ID) == 0 {
		return req, errs.InvalidRequest("request id is empty")
	}
	if len(req.Method) == 0 {
		return req, errs.InvalidRequest("request method is empty")
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req, nil
}
