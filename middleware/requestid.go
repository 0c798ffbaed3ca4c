package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const requestIDKey contextKey = "requestID"

// RequestID returns middleware that injects a unique request ID into the
// context. An ID already in the context is preserved, as is one a transport
// recorded in the request metadata (for example an X-Request-ID header).
func RequestID[Req, Resp any]() Middleware[Req, Resp] {
	return RequestIDWithGenerator[Req, Resp](uuid.NewString)
}

// RequestIDWithGenerator returns middleware that uses a custom ID generator.
func RequestIDWithGenerator[Req, Resp any](generator func() string) Middleware[Req, Resp] {
	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (*service.Response[Resp], error) {
			if existing := RequestIDFromContext(ctx); existing != "" {
				return next.Call(ctx, req)
			}
			id := protocol.MetaValue(ctx, protocol.MetaRequestID)
			if id == "" {
				id = generator()
			}
			return next.Call(ContextWithRequestID(ctx, id), req)
		})
	}
}

// RequestIDFromContext returns the request ID from the context, or empty string if not set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithRequestID returns a new context with the request ID set.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
