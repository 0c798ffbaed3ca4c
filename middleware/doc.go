// Package middleware provides composable wrappers around service.Service.
//
// Middleware follows the standard pattern where each middleware wraps the
// next service in the chain, allowing pre- and post-processing of calls.
// Every middleware is generic over the request and response types of the
// service it wraps, so it works the same in front of a server's handler and
// in front of a client.
//
// # Basic Usage
//
//	chain := middleware.Chain(
//	    middleware.Recover[Req, Resp](),
//	    middleware.RequestID[Req, Resp](),
//	    middleware.Logging[Req, Resp](logger),
//	)
//	svc := chain(base)
//
// # Available Middleware
//
//   - Recover: Catches panics and converts them to internal errors
//   - RequestID: Injects unique request IDs into the context
//   - Timeout: Bounds the wait for a call's first outcome
//   - Logging: Logs call details and timing, and stream totals on close
//   - OTel: OpenTelemetry spans and metrics, streams included
//   - RateLimit: Token bucket limiting per key
//   - Auth: Identity checks against transport metadata
//
// # Streams
//
// A middleware sees a streamed response as soon as the wrapped service
// returns it. Logging and OTel observe the elements through service.Tap and
// finish their work when the consumer closes the stream.
//
// # Operation Names
//
// Requests that implement Operation name themselves in logs, spans and rate
// limit keys; other requests are named after their type.
package middleware
