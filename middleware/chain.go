package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/multilink/service"
)

// Middleware wraps a service with additional behavior.
type Middleware[Req, Resp any] func(next service.Service[Req, Resp]) service.Service[Req, Resp]

// Chain composes multiple middleware into a single middleware.
// Middleware are applied in order, so Chain(m1, m2, m3) results in
// m1 wrapping m2 wrapping m3 wrapping the final service.
func Chain[Req, Resp any](middlewares ...Middleware[Req, Resp]) Middleware[Req, Resp] {
	return func(final service.Service[Req, Resp]) service.Service[Req, Resp] {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// MiddlewareChain provides a fluent API for building middleware chains.
type MiddlewareChain[Req, Resp any] struct {
	middlewares []Middleware[Req, Resp]
}

// Use creates a new middleware chain starting with the given middleware.
func Use[Req, Resp any](middlewares ...Middleware[Req, Resp]) *MiddlewareChain[Req, Resp] {
	return &MiddlewareChain[Req, Resp]{middlewares: middlewares}
}

// Append adds middleware to the chain and returns the updated chain.
func (c *MiddlewareChain[Req, Resp]) Append(middlewares ...Middleware[Req, Resp]) *MiddlewareChain[Req, Resp] {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Then applies the middleware chain to svc.
func (c *MiddlewareChain[Req, Resp]) Then(svc service.Service[Req, Resp]) service.Service[Req, Resp] {
	return Chain(c.middlewares...)(svc)
}

// ThenFunc applies the middleware chain to a function.
func (c *MiddlewareChain[Req, Resp]) ThenFunc(fn func(ctx context.Context, req Req) (*service.Response[Resp], error)) service.Service[Req, Resp] {
	return c.Then(service.Func[Req, Resp](fn))
}

// Operation is implemented by requests that name themselves in logs, spans
// and rate limit keys.
type Operation interface {
	Operation() string
}

// OperationName returns req's Operation, or its type name.
func OperationName(req any) string {
	if op, ok := req.(Operation); ok {
		return op.Operation()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", req), "*")
}
