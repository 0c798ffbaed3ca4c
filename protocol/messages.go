package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request without an id. The client assigns the id
// right before the request is written.
func NewRequest(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v. Missing or invalid
// params are reported as a bad request.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return NewProtocolError(ErrorBadRequest, fmt.Errorf("%w: missing parameters", ErrConversion))
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return NewProtocolError(ErrorBadRequest, fmt.Errorf("%w: %v", ErrConversion, err))
	}
	return nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse creates a successful response.
func NewResponse(id, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}

// Notification is a JSON-RPC 2.0 message without an id.
//
// Streamed responses travel as notifications whose method holds the
// correlation id of the originating request. The stream helpers below are
// the only code that reads or writes that convention.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewStreamNotification carries one stream element for request id.
func NewStreamNotification(id, value json.RawMessage) *Notification {
	// Bare null params end a stream, so a null element goes in the envelope.
	if len(value) == 0 || isNull(value) {
		value = json.RawMessage(`{"result":null}`)
	}
	return &Notification{JSONRPC: JSONRPCVersion, Method: IDKey(id), Params: value}
}

// NewStreamErrorNotification carries one failed stream element for request id.
func NewStreamErrorNotification(id json.RawMessage, rpcErr *Error) *Notification {
	params, _ := json.Marshal(struct {
		Error *Error `json:"error"`
	}{rpcErr})
	return &Notification{JSONRPC: JSONRPCVersion, Method: IDKey(id), Params: params}
}

// NewStreamEnd marks the end of the stream for request id. It is the only
// notification without params; peers that send "params": null mean the
// same.
func NewStreamEnd(id json.RawMessage) *Notification {
	return &Notification{JSONRPC: JSONRPCVersion, Method: IDKey(id)}
}

// StreamID returns the correlation key of the request this notification
// belongs to.
func (n *Notification) StreamID() string {
	return n.Method
}

// IsStreamEnd reports whether n terminates its stream.
func (n *Notification) IsStreamEnd() bool {
	return len(n.Params) == 0 || isNull(n.Params)
}

// StreamResult returns the element carried by n. Params are either the
// value itself or a {"result", "error"} envelope.
func (n *Notification) StreamResult() (json.RawMessage, *Error) {
	result, rawErr, ok := SplitEnvelope(n.Params)
	if !ok {
		return n.Params, nil
	}
	if rawErr != nil {
		var rpcErr Error
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return nil, NewInternalError(string(rawErr))
		}
		return nil, &rpcErr
	}
	return result, nil
}

// SplitEnvelope detects the {"result": ..., "error": ...} element envelope.
// It reports ok only for objects whose members are limited to result and
// error, with at least one of them present. A null error counts as absent.
func SplitEnvelope(raw json.RawMessage) (result, rawErr json.RawMessage, ok bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, false
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil || len(members) == 0 {
		return nil, nil, false
	}
	for key := range members {
		if key != "result" && key != "error" {
			return nil, nil, false
		}
	}
	result = members["result"]
	if e, has := members["error"]; has && !isNull(e) {
		rawErr = e
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return result, rawErr, true
}

// Kind identifies the shape of a decoded message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one decoded line. Exactly one of the pointers is set.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

// Kind returns the shape of m.
func (m *Message) Kind() Kind {
	switch {
	case m.Request != nil:
		return KindRequest
	case m.Response != nil:
		return KindResponse
	case m.Notification != nil:
		return KindNotification
	default:
		return 0
	}
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// DecodeMessage classifies and decodes one line: a method with an id is a
// request, a method without one is a notification, anything else is a
// response. Failures wrap ErrMalformedMessage.
func DecodeMessage(line []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	hasID := len(env.ID) > 0 && !isNull(env.ID)

	switch {
	case env.Method != nil && hasID:
		return &Message{Request: &Request{
			JSONRPC: JSONRPCVersion,
			ID:      env.ID,
			Method:  *env.Method,
			Params:  env.Params,
		}}, nil
	case env.Method != nil:
		return &Message{Notification: &Notification{
			JSONRPC: JSONRPCVersion,
			Method:  *env.Method,
			Params:  env.Params,
		}}, nil
	case len(env.ID) > 0 && (len(env.Result) > 0 || env.Error != nil):
		return &Message{Response: &Response{
			JSONRPC: JSONRPCVersion,
			ID:      env.ID,
			Result:  env.Result,
			Error:   env.Error,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: neither method nor result", ErrMalformedMessage)
	}
}

// RecoverID extracts the id member from a line that failed to decode as a
// message, so the peer can still be answered.
func RecoverID(line []byte) (json.RawMessage, bool) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, false
	}
	if len(head.ID) == 0 || isNull(head.ID) {
		return nil, false
	}
	return head.ID, true
}

// IDKey returns the canonical correlation key for a raw id, so that the
// number 7 and the string "7" address the same pending entry.
func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// IntID encodes n as a raw id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
