package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Transport and correlation failures. Every error surfaced by the clients and
// servers in this module wraps one of these, so callers classify with errors.Is.
var (
	// ErrSpawnFailed means the child process could not be started.
	ErrSpawnFailed = errors.New("multilink: spawn failed")

	// ErrTransportClosed means the pipe or connection terminated. It is fatal
	// to the owning client: every pending call fails with it and later calls
	// are rejected with it.
	ErrTransportClosed = errors.New("multilink: transport closed")

	// ErrMalformedMessage means a line or frame could not be decoded.
	ErrMalformedMessage = errors.New("multilink: malformed message")

	// ErrConversion means a caller-supplied converter rejected a value.
	ErrConversion = errors.New("multilink: conversion failed")

	// ErrDuplicateID means a correlation identifier was registered twice.
	ErrDuplicateID = errors.New("multilink: duplicate correlation id")

	// ErrUnexpectedResponseShape means a single response arrived for a
	// streamed request, or stream elements arrived for a single one.
	ErrUnexpectedResponseShape = errors.New("multilink: unexpected response shape")

	// ErrTimeout means a call did not produce its first outcome in time.
	ErrTimeout = errors.New("multilink: timeout")

	// ErrUnknownID means a response or notification referenced no pending entry.
	ErrUnknownID = errors.New("multilink: unknown correlation id")

	// ErrStreamClosed is returned to a producer whose consumer went away, and
	// to a consumer reading from a stream it already closed.
	ErrStreamClosed = errors.New("multilink: stream closed")
)

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code: %d)", e.Message, e.Code)
}

// Is implements errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewParseError creates a parse error (-32700).
func NewParseError(msg string) *Error {
	return &Error{Code: CodeParseError, Message: msg}
}

// NewInvalidRequest creates an invalid request error (-32600).
func NewInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

// NewMethodNotFound creates a method not found error (-32601).
func NewMethodNotFound(msg string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: msg}
}

// NewInvalidParams creates an invalid params error (-32602).
func NewInvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// NewInternalError creates an internal error (-32603).
func NewInternalError(msg string) *Error {
	return &Error{Code: CodeInternalError, Message: msg}
}

// ErrorType classifies a failure independently of the wire it travels on.
// The string values are part of the HTTP event stream format.
type ErrorType string

const (
	ErrorNotFound         ErrorType = "NotFound"
	ErrorMethodNotAllowed ErrorType = "HttpMethodNotAllowed"
	ErrorBadRequest       ErrorType = "BadRequest"
	ErrorUnauthorized     ErrorType = "Unauthorized"
	ErrorInternal         ErrorType = "Internal"
)

func (t ErrorType) describe() string {
	switch t {
	case ErrorNotFound:
		return "not found"
	case ErrorMethodNotAllowed:
		return "method not allowed"
	case ErrorBadRequest:
		return "bad request"
	case ErrorUnauthorized:
		return "unauthorized"
	default:
		return "internal error"
	}
}

// ProtocolError is a typed failure raised by converters, services and
// transports. Its type decides the JSON-RPC code and the HTTP status used
// when the error crosses a wire.
type ProtocolError struct {
	Type ErrorType
	Err  error
}

// NewProtocolError wraps err with the given type.
func NewProtocolError(t ErrorType, err error) *ProtocolError {
	return &ProtocolError{Type: t, Err: err}
}

// GenericError returns a ProtocolError whose message is derived from its type.
func GenericError(t ErrorType) *ProtocolError {
	return &ProtocolError{Type: t, Err: errors.New(t.describe())}
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Type.describe()
	}
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CodeFor maps an error type to the JSON-RPC code it travels with.
func CodeFor(t ErrorType) int {
	switch t {
	case ErrorBadRequest, ErrorUnauthorized:
		return CodeInvalidRequest
	case ErrorNotFound:
		return CodeMethodNotFound
	default:
		return CodeInternalError
	}
}

// TypeForCode maps a JSON-RPC code back to an error type.
func TypeForCode(code int) ErrorType {
	switch code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return ErrorBadRequest
	case CodeMethodNotFound:
		return ErrorNotFound
	default:
		return ErrorInternal
	}
}

// TypeOf classifies any error. Conversion and decoding failures are bad
// requests; everything unrecognised is internal.
func TypeOf(err error) ErrorType {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return TypeForCode(rpcErr.Code)
	}
	if errors.Is(err, ErrConversion) || errors.Is(err, ErrMalformedMessage) {
		return ErrorBadRequest
	}
	return ErrorInternal
}

type errorData struct {
	ErrorType ErrorType `json:"error_type"`
}

// ToError renders err as a JSON-RPC error object. A *Error anywhere in the
// chain is sent as is; other errors carry their type in the data member so
// the peer can restore it.
func ToError(err error) *Error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		var rpcErr *Error
		if errors.As(pe.Err, &rpcErr) {
			return rpcErr
		}
		data, _ := json.Marshal(errorData{ErrorType: pe.Type})
		return &Error{Code: CodeFor(pe.Type), Message: pe.Error(), Data: data}
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	t := TypeOf(err)
	data, _ := json.Marshal(errorData{ErrorType: t})
	return &Error{Code: CodeFor(t), Message: err.Error(), Data: data}
}

// FromError turns a received JSON-RPC error object into a ProtocolError,
// restoring the original type when the peer sent one.
func FromError(e *Error) *ProtocolError {
	t := TypeForCode(e.Code)
	if len(e.Data) > 0 {
		var data errorData
		if json.Unmarshal(e.Data, &data) == nil && data.ErrorType != "" {
			t = data.ErrorType
		}
	}
	return &ProtocolError{Type: t, Err: e}
}
