// Package transport serves a service.Service over the wire. Every server is
// generic over the caller's request and response types and uses the
// caller's converters at the wire boundary.
//
// # Stdio
//
// StdioServer reads line-delimited JSON-RPC 2.0 from stdin and writes to
// stdout. Requests are handled concurrently and answered in completion
// order. A streamed response is sent as one notification per element, whose
// method is the request id, followed by a notification without params that
// ends the stream:
//
//	srv := transport.NewStdioServer(svc, conv)
//	err := srv.Serve(ctx)
//
// # HTTP
//
// HTTPServer decodes requests with an httpmsg.Converter. A single response
// is a JSON body; a stream is a text/event-stream response with one data
// event per element:
//
//	srv := transport.NewHTTPServer(":8080", svc, conv,
//	    transport.WithAPIKeys(keys...),
//	    transport.WithDefaultCORS(),
//	)
//	err := srv.Serve(ctx)
//
// # WebSocket
//
// WebSocketServer carries the stdio JSON-RPC messages, one per text
// message, so the same converters serve both.
//
// All servers stop accepting work when ctx is done and give in-flight calls
// the drain timeout to finish.
package transport
