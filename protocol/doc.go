// Package protocol defines the line-delimited JSON-RPC 2.0 codec shared by
// the stdio and WebSocket transports, the conversion contracts callers
// implement, and the error taxonomy used across the module.
//
// # Messages
//
// Every line holds one JSON object. DecodeMessage classifies it:
//
//	{"jsonrpc":"2.0","id":1,"method":"greet","params":{"name":"Ada"}}  request
//	{"jsonrpc":"2.0","id":1,"result":"Hello, Ada"}                      response
//	{"jsonrpc":"2.0","method":"1","params":"a"}                         notification
//
// # Streams
//
// A streamed response to request 1 is a run of notifications whose method
// is "1", one per element, closed by a notification for "1" without params:
//
//	{"jsonrpc":"2.0","method":"1","params":"a"}
//	{"jsonrpc":"2.0","method":"1","params":{"error":{"code":-32603,"message":"boom"}}}
//	{"jsonrpc":"2.0","method":"1"}
//
// Only NewStreamNotification, NewStreamErrorNotification, NewStreamEnd and
// the Notification stream accessors know about this convention.
//
// # Errors
//
// Transport failures wrap the sentinels ErrSpawnFailed, ErrTransportClosed,
// ErrMalformedMessage, ErrConversion, ErrDuplicateID,
// ErrUnexpectedResponseShape and ErrTimeout. Typed failures use
// ProtocolError, whose ErrorType maps to JSON-RPC codes with CodeFor and
// back with TypeForCode.
package protocol
