package middleware

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// PanicHandler is called when a panic is recovered.
type PanicHandler[Req, Resp any] func(ctx context.Context, req Req, panicVal any) (*service.Response[Resp], error)

// Recover returns middleware that catches panics and converts them to
// internal protocol errors. The panic value is included in the message.
// Panics in a stream producer's goroutine are not covered.
func Recover[Req, Resp any]() Middleware[Req, Resp] {
	return RecoverWithHandler(defaultPanicHandler[Req, Resp])
}

// RecoverWithHandler returns middleware that catches panics and calls the
// provided handler.
func RecoverWithHandler[Req, Resp any](handler PanicHandler[Req, Resp]) Middleware[Req, Resp] {
	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (resp *service.Response[Resp], err error) {
			defer func() {
				if r := recover(); r != nil {
					resp, err = handler(ctx, req, r)
				}
			}()
			return next.Call(ctx, req)
		})
	}
}

func defaultPanicHandler[Req, Resp any](_ context.Context, _ Req, panicVal any) (*service.Response[Resp], error) {
	return nil, protocol.NewProtocolError(protocol.ErrorInternal, fmt.Errorf("panic: %v", panicVal))
}
