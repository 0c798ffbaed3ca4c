package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestConverter translates caller-defined requests to and from JSON-RPC
// requests. RequestToJSONRPC leaves the id empty; the client assigns it.
type RequestConverter[Req any] interface {
	RequestFromJSONRPC(req *Request) (Req, error)
	RequestToJSONRPC(req Req) (*Request, error)
}

// ResponseConverter translates caller-defined responses to and from JSON-RPC
// result values. The same conversion is used for a single response and for
// every element of a streamed one; the codec decides whether the value
// travels in a response or in a notification.
type ResponseConverter[Req, Resp any] interface {
	ResponseFromJSONRPC(result json.RawMessage, original Req) (Resp, error)
	ResponseToJSONRPC(resp Resp) (json.RawMessage, error)
}

// Converter is the full JSON-RPC conversion boundary for one request and
// response type pair.
type Converter[Req, Resp any] interface {
	RequestConverter[Req]
	ResponseConverter[Req, Resp]
}

// StreamingRequest is implemented by request types that know in advance
// whether they produce a stream. Requests that do not implement it accept
// either shape.
type StreamingRequest interface {
	ExpectsStream() bool
}

// ConversionError marks err as a conversion failure. A ProtocolError inside
// err keeps its type, so the wire status or code still reflects it.
func ConversionError(err error) error {
	if err == nil || errors.Is(err, ErrConversion) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConversion, err)
}

// DecodeValue unmarshals a result value into T, reporting failures as bad
// requests.
func DecodeValue[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, NewProtocolError(ErrorBadRequest, fmt.Errorf("%w: %v", ErrConversion, err))
	}
	return v, nil
}

// EncodeValue marshals v into a result value.
func EncodeValue(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewProtocolError(ErrorInternal, fmt.Errorf("%w: %v", ErrConversion, err))
	}
	return data, nil
}
