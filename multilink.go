// Package multilink exposes one service interface over three transports:
// line-delimited JSON-RPC on a child's stdio, HTTP with server-sent event
// streams, and WebSocket. A service answers every request with a single
// value or a stream of values, and callers use the same interface whether
// the service runs in process or behind a transport.
//
// Basic usage:
//
//	svc := multilink.ServiceFunc[Req, Resp](func(ctx context.Context, req Req) (*multilink.Response[Resp], error) {
//	    return multilink.Single(Resp{...}), nil
//	})
//
//	cfg, err := multilink.LoadServerConfig("server.toml")
//	...
//	multilink.ServeStdio(ctx, svc, conv, cfg.Stdio)
//
// and on the calling side:
//
//	c, err := multilink.NewClient(clientCfg, "./server", nil, conv)
//	resp, err := c.Call(ctx, req)
package multilink

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/multilink/client"
	"github.com/felixgeelhaar/multilink/config"
	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
	"github.com/felixgeelhaar/multilink/transport"
)

// Re-export core types for convenience

// Service answers requests with a single value or a stream.
type Service[Req, Resp any] = service.Service[Req, Resp]

// ServiceFunc adapts a function to a Service.
type ServiceFunc[Req, Resp any] = service.Func[Req, Resp]

// Response is a single value or a stream of values.
type Response[T any] = service.Response[T]

// Stream is the consuming end of a streamed response.
type Stream[T any] = service.Stream[T]

// Sink is the producing end of a streamed response.
type Sink[T any] = service.Sink[T]

// Client is a Service reached over a transport.
type Client[Req, Resp any] = client.Client[Req, Resp]

// Middleware types
type Middleware[Req, Resp any] = middleware.Middleware[Req, Resp]
type Logger = middleware.Logger
type LogField = middleware.Field

// Converter is the full conversion boundary for one request and response
// type pair on every transport.
type Converter[Req, Resp any] interface {
	protocol.Converter[Req, Resp]
	httpmsg.Converter[Req, Resp]
}

// Single returns a response holding v.
func Single[T any](v T) *Response[T] {
	return service.Single(v)
}

// Multiple returns a response streaming the elements of s.
func Multiple[T any](s *Stream[T]) *Response[T] {
	return service.Multiple(s)
}

// Generate returns a stream fed by fn on its own goroutine. See
// service.Generate.
func Generate[T any](ctx context.Context, buffer int, fn func(ctx context.Context, sink *Sink[T]) error) *Stream[T] {
	return service.Generate(ctx, buffer, fn)
}

// Chain composes middleware, outermost first, around svc.
func Chain[Req, Resp any](svc Service[Req, Resp], middlewares ...Middleware[Req, Resp]) Service[Req, Resp] {
	return middleware.Chain(middlewares...)(svc)
}

// LogF creates a log field.
func LogF(key string, value any) LogField {
	return middleware.F(key, value)
}

// ServeOption configures how a service is served.
type ServeOption func(*serveOptions)

type serveOptions struct {
	logger  Logger
	drain   transport.DrainConfig
	httpOps []transport.HTTPOption
	wsOpts  []transport.WebSocketOption
}

// WithLogger sets the transport logger. A stdio server must log to stderr.
func WithLogger(l Logger) ServeOption {
	return func(o *serveOptions) {
		o.logger = l
	}
}

// WithDrain configures how in-flight calls are awaited on shutdown.
func WithDrain(cfg transport.DrainConfig) ServeOption {
	return func(o *serveOptions) {
		o.drain = cfg
	}
}

// WithHTTPOptions passes options to the HTTP server, after those derived
// from the configuration.
func WithHTTPOptions(opts ...transport.HTTPOption) ServeOption {
	return func(o *serveOptions) {
		o.httpOps = append(o.httpOps, opts...)
	}
}

// WithWebSocketOptions passes options to the WebSocket server, after those
// derived from the configuration.
func WithWebSocketOptions(opts ...transport.WebSocketOption) ServeOption {
	return func(o *serveOptions) {
		o.wsOpts = append(o.wsOpts, opts...)
	}
}

func buildServeOptions(opts []ServeOption) *serveOptions {
	o := &serveOptions{logger: middleware.NopLogger{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ServeStdio serves svc on stdin and stdout until stdin ends or ctx is
// done.
func ServeStdio[Req, Resp any](ctx context.Context, svc Service[Req, Resp], conv protocol.Converter[Req, Resp], cfg config.StdioServer, opts ...ServeOption) error {
	o := buildServeOptions(opts)
	srv := transport.NewStdioServer(svc, conv,
		transport.WithStdioLogger(o.logger),
		transport.WithStdioServiceTimeout(cfg.Timeout()),
		transport.WithStdioDrain(o.drain),
	)
	return srv.Serve(ctx)
}

// ServeHTTP serves svc over HTTP on the configured port until ctx is done.
func ServeHTTP[Req, Resp any](ctx context.Context, svc Service[Req, Resp], conv httpmsg.Converter[Req, Resp], cfg config.HTTPServer, opts ...ServeOption) error {
	o := buildServeOptions(opts)
	httpOpts := append([]transport.HTTPOption{
		transport.WithHTTPLogger(o.logger),
		transport.WithAPIKeys(cfg.APIKeys...),
		transport.WithHTTPServiceTimeout(cfg.Timeout()),
		transport.WithShutdownTimeout(o.drain.Timeout),
		transport.WithShutdownDrainDelay(o.drain.Delay),
	}, o.httpOps...)
	return transport.NewHTTPServer(cfg.Addr(), svc, conv, httpOpts...).Serve(ctx)
}

// ServeWebSocket serves svc over WebSocket on the configured HTTP port until
// ctx is done.
func ServeWebSocket[Req, Resp any](ctx context.Context, svc Service[Req, Resp], conv protocol.Converter[Req, Resp], cfg config.HTTPServer, opts ...ServeOption) error {
	o := buildServeOptions(opts)
	wsOpts := append([]transport.WebSocketOption{
		transport.WithWebSocketLogger(o.logger),
		transport.WithWebSocketAPIKeys(cfg.APIKeys...),
		transport.WithWebSocketServiceTimeout(cfg.Timeout()),
		transport.WithWebSocketDrain(o.drain),
	}, o.wsOpts...)
	return transport.NewWebSocketServer(cfg.Addr(), svc, conv, wsOpts...).Serve(ctx)
}

// NewClient returns the client cfg selects: an HTTP client when cfg.HTTP is
// set, otherwise a stdio client running program with args. Options given
// here override the configured ones.
func NewClient[Req, Resp any](cfg config.Client, program string, args []string, conv Converter[Req, Resp], opts ...client.Option) (Client[Req, Resp], error) {
	if cfg.HTTP != nil {
		if err := cfg.HTTP.Validate(); err != nil {
			return nil, err
		}
		base := []client.Option{client.WithTimeout(cfg.HTTP.Timeout())}
		if cfg.HTTP.APIKey != "" {
			base = append(base, client.WithAPIKey(cfg.HTTP.APIKey))
		}
		return client.NewHTTPClient[Req, Resp](cfg.HTTP.BaseURL, conv, append(base, opts...)...)
	}

	stdio := config.DefaultStdioClient()
	if cfg.Stdio != nil {
		stdio = *cfg.Stdio
	}
	if program == "" {
		return nil, fmt.Errorf("%w: no program to run", protocol.ErrSpawnFailed)
	}
	base := []client.Option{
		client.WithTimeout(stdio.Timeout()),
		client.WithBinPath(stdio.BinPath),
		client.WithEnv(stdio.Env...),
	}
	return client.NewStdioClient[Req, Resp](program, args, conv, append(base, opts...)...)
}

// LoadServerConfig returns the server defaults overlaid with the TOML file
// at path, when it exists, and then with MULTILINK_ environment variables.
func LoadServerConfig(path string) (config.Server, error) {
	cfg := config.DefaultServer()
	if path != "" {
		if err := config.LoadFileIfExists(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := config.ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClientConfig reads a client configuration from the TOML file at path.
// A missing file selects a stdio client with the defaults.
func LoadClientConfig(path string) (config.Client, error) {
	var cfg config.Client
	if path != "" {
		if err := config.LoadFileIfExists(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.Stdio != nil && cfg.HTTP != nil {
		return cfg, fmt.Errorf("config: %s sets both stdio and http", path)
	}
	return cfg, nil
}
