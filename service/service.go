// Package service defines the transport-agnostic contract shared by every
// client and server in multilink: a Service turns one request into either a
// single response or a stream of responses.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/multilink/protocol"
)

// Service handles one request. Implementations must be safe for concurrent
// use by distinct requests.
//
// The context bounds the wait for the first outcome. A returned stream
// lives until it is drained or closed, independent of ctx.
type Service[Req, Resp any] interface {
	Call(ctx context.Context, req Req) (*Response[Resp], error)
}

// Func is an adapter to allow ordinary functions as services.
type Func[Req, Resp any] func(ctx context.Context, req Req) (*Response[Resp], error)

// Call calls f(ctx, req).
func (f Func[Req, Resp]) Call(ctx context.Context, req Req) (*Response[Resp], error) {
	return f(ctx, req)
}

// Response is either a single value or a stream of values.
type Response[T any] struct {
	value  T
	stream *Stream[T]
}

// Single wraps one value.
func Single[T any](v T) *Response[T] {
	return &Response[T]{value: v}
}

// Multiple wraps a stream.
func Multiple[T any](s *Stream[T]) *Response[T] {
	return &Response[T]{stream: s}
}

// IsMultiple reports whether r carries a stream.
func (r *Response[T]) IsMultiple() bool {
	return r != nil && r.stream != nil
}

// Value returns the single value. It is the zero value for streams.
func (r *Response[T]) Value() T {
	return r.value
}

// Stream returns the stream, or nil for single responses.
func (r *Response[T]) Stream() *Stream[T] {
	return r.stream
}

// Release closes the stream of a response nobody will consume.
func (r *Response[T]) Release() {
	if r != nil && r.stream != nil {
		r.stream.Close()
	}
}

// Mode returns "single" or "multiple", for logs and telemetry.
func (r *Response[T]) Mode() string {
	if r.IsMultiple() {
		return "multiple"
	}
	return "single"
}

type outcome[Resp any] struct {
	resp *Response[Resp]
	err  error
}

// WithTimeout bounds the time svc may take to produce its first outcome: a
// single value, the start of a stream, or an error. A non-positive d returns
// svc unchanged.
//
// On expiry the call fails with protocol.ErrTimeout and the context given to
// svc is cancelled with that cause; a response arriving later is released.
// Streams are not subject to the timeout once returned.
func WithTimeout[Req, Resp any](svc Service[Req, Resp], d time.Duration) Service[Req, Resp] {
	if d <= 0 {
		return svc
	}
	return &timeoutService[Req, Resp]{next: svc, timeout: d}
}

type timeoutService[Req, Resp any] struct {
	next    Service[Req, Resp]
	timeout time.Duration
}

func (t *timeoutService[Req, Resp]) Call(parent context.Context, req Req) (*Response[Resp], error) {
	ctx, cancel := context.WithCancelCause(parent)
	results := make(chan outcome[Resp], 1)
	go func() {
		resp, err := t.next.Call(ctx, req)
		results <- outcome[Resp]{resp, err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case out := <-results:
		if out.err != nil || out.resp == nil || !out.resp.IsMultiple() {
			cancel(nil)
			return out.resp, out.err
		}
		out.resp.Stream().OnClose(func() { cancel(nil) })
		return out.resp, nil
	case <-timer.C:
		cancel(protocol.ErrTimeout)
		go releaseLate(results)
		return nil, fmt.Errorf("%w after %s", protocol.ErrTimeout, t.timeout)
	case <-parent.Done():
		cancel(context.Cause(parent))
		go releaseLate(results)
		return nil, parent.Err()
	}
}

func releaseLate[Resp any](results <-chan outcome[Resp]) {
	out := <-results
	out.resp.Release()
}
