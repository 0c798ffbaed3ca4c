package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// ErrRateLimited is wrapped by the error returned for rejected calls.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitOption configures the rate limiter.
type RateLimitOption func(*rateLimitConfig)

// KeyFunc extracts a rate limit key from a call.
type KeyFunc func(ctx context.Context, req any) string

type rateLimitConfig struct {
	keyFunc KeyFunc
	logger  Logger
}

// WithRateLimitKeyFunc sets a function to extract a rate limit key from calls.
// This allows per-client or per-operation rate limiting.
func WithRateLimitKeyFunc(fn KeyFunc) RateLimitOption {
	return func(o *rateLimitConfig) {
		o.keyFunc = fn
	}
}

// WithRateLimitLogger sets the logger for rate limit events.
func WithRateLimitLogger(l Logger) RateLimitOption {
	return func(o *rateLimitConfig) {
		o.logger = l
	}
}

// RateLimit returns middleware that limits the call rate using a token
// bucket. The rate is specified as calls per second; burst allows short
// bursts above it. Rejected calls fail with a BadRequest protocol error
// wrapping ErrRateLimited.
func RateLimit[Req, Resp any](rate int, burst int, opts ...RateLimitOption) Middleware[Req, Resp] {
	cfg := &rateLimitConfig{
		keyFunc: func(context.Context, any) string { return "global" },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	limiter := ratelimit.New(&ratelimit.Config{
		Rate:     rate,
		Burst:    burst,
		Interval: time.Second,
	})

	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (*service.Response[Resp], error) {
			key := cfg.keyFunc(ctx, req)

			if !limiter.Allow(ctx, key) {
				if cfg.logger != nil {
					cfg.logger.Warn("rate limit exceeded",
						F("operation", OperationName(req)),
						F("key", key),
					)
				}
				return nil, protocol.NewProtocolError(protocol.ErrorBadRequest, ErrRateLimited)
			}

			return next.Call(ctx, req)
		})
	}
}

// RateLimitByOperation returns rate limiting middleware with one bucket per
// operation.
func RateLimitByOperation[Req, Resp any](rate int, burst int, opts ...RateLimitOption) Middleware[Req, Resp] {
	allOpts := append([]RateLimitOption{
		WithRateLimitKeyFunc(func(_ context.Context, req any) string {
			return OperationName(req)
		}),
	}, opts...)
	return RateLimit[Req, Resp](rate, burst, allOpts...)
}

// RateLimitByClient returns rate limiting middleware with one bucket per
// remote peer, as recorded by the transport in the request metadata. Calls
// without a remote address share one bucket per transport.
func RateLimitByClient[Req, Resp any](rate int, burst int, opts ...RateLimitOption) Middleware[Req, Resp] {
	allOpts := append([]RateLimitOption{
		WithRateLimitKeyFunc(func(ctx context.Context, _ any) string {
			if addr := protocol.MetaValue(ctx, protocol.MetaRemoteAddr); addr != "" {
				return addr
			}
			return protocol.MetaValue(ctx, protocol.MetaTransport)
		}),
	}, opts...)
	return RateLimit[Req, Resp](rate, burst, allOpts...)
}
