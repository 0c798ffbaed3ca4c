// Package client calls a remote service.Service over stdio, HTTP or
// WebSocket. Every client is generic over the caller's request and response
// types and uses the caller's converters at the wire boundary, so code
// written against Client does not depend on the transport underneath.
//
// A stdio client owns the child process it spawns:
//
//	c, err := client.NewStdioClient("./greeter", nil, conv,
//	    client.WithTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	resp, err := c.Call(ctx, req)
//
// Calls are safe for concurrent use. A streamed response must be drained or
// closed by the caller.
package client

import (
	"context"
	"io"

	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/service"
)

// Client is a service reached over a transport. Close releases the
// transport; calls made after it fail with protocol.ErrTransportClosed.
type Client[Req, Resp any] interface {
	service.Service[Req, Resp]
	io.Closer
}

var (
	_ Client[struct{}, struct{}] = (*RPCClient[struct{}, struct{}])(nil)
	_ Client[struct{}, struct{}] = (*StdioClient[struct{}, struct{}])(nil)
	_ Client[struct{}, struct{}] = (*HTTPClient[struct{}, struct{}])(nil)
	_ Client[struct{}, struct{}] = (*WebSocketClient[struct{}, struct{}])(nil)
)

// Use wraps c so every call runs through middlewares, outermost first.
// Closing the result closes c.
func Use[Req, Resp any](c Client[Req, Resp], middlewares ...middleware.Middleware[Req, Resp]) Client[Req, Resp] {
	return &wrapped[Req, Resp]{
		svc:    middleware.Chain(middlewares...)(c),
		closer: c,
	}
}

type wrapped[Req, Resp any] struct {
	svc    service.Service[Req, Resp]
	closer io.Closer
}

func (w *wrapped[Req, Resp]) Call(ctx context.Context, req Req) (*service.Response[Resp], error) {
	return w.svc.Call(ctx, req)
}

func (w *wrapped[Req, Resp]) Close() error {
	return w.closer.Close()
}
