package middleware

import "time"

// DefaultStack returns the recommended production middleware stack:
// panic recovery, request ID injection and logging.
func DefaultStack[Req, Resp any](logger Logger) []Middleware[Req, Resp] {
	return []Middleware[Req, Resp]{
		Recover[Req, Resp](),
		RequestID[Req, Resp](),
		Logging[Req, Resp](logger),
	}
}

// DefaultStackWithTimeout returns the default stack with a timeout middleware.
func DefaultStackWithTimeout[Req, Resp any](logger Logger, timeout time.Duration) []Middleware[Req, Resp] {
	return []Middleware[Req, Resp]{
		Recover[Req, Resp](),
		RequestID[Req, Resp](),
		Timeout[Req, Resp](timeout),
		Logging[Req, Resp](logger),
	}
}
