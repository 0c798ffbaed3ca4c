package transport

import "context"

// Transport is a server that exposes a service over one wire protocol.
type Transport interface {
	// Serve runs the server, blocking until ctx is canceled or an error occurs.
	Serve(ctx context.Context) error

	// Addr returns the transport's address description.
	Addr() string
}

var (
	_ Transport = (*StdioServer[struct{}, struct{}])(nil)
	_ Transport = (*HTTPServer[struct{}, struct{}])(nil)
	_ Transport = (*WebSocketServer[struct{}, struct{}])(nil)
)
