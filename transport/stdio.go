package transport

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// StdioServer serves a service over line-delimited JSON-RPC on stdin and
// stdout. Requests are handled concurrently; replies go out as whole lines
// in completion order.
type StdioServer[Req, Resp any] struct {
	conv  protocol.Converter[Req, Resp]
	svc   service.Service[Req, Resp]
	cfg   stdioConfig
	drain *Drainer
}

type stdioConfig struct {
	in             io.Reader
	out            io.Writer
	logger         middleware.Logger
	serviceTimeout time.Duration
	drain          DrainConfig
}

// StdioOption configures a StdioServer.
type StdioOption func(*stdioConfig)

// WithStdin sets a custom stdin reader.
func WithStdin(r io.Reader) StdioOption {
	return func(c *stdioConfig) {
		c.in = r
	}
}

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) StdioOption {
	return func(c *stdioConfig) {
		c.out = w
	}
}

// WithStdioLogger sets the logger. Stdout is the wire, so a logger writing
// there corrupts the stream; log to stderr.
func WithStdioLogger(l middleware.Logger) StdioOption {
	return func(c *stdioConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStdioServiceTimeout bounds every call's wait for its first outcome.
func WithStdioServiceTimeout(d time.Duration) StdioOption {
	return func(c *stdioConfig) {
		c.serviceTimeout = d
	}
}

// WithStdioDrain configures how long in-flight calls are awaited after
// the input ends or the server is cancelled.
func WithStdioDrain(cfg DrainConfig) StdioOption {
	return func(c *stdioConfig) {
		c.drain = cfg
	}
}

// NewStdioServer returns a server calling svc for every request decoded
// with conv.
func NewStdioServer[Req, Resp any](svc service.Service[Req, Resp], conv protocol.Converter[Req, Resp], opts ...StdioOption) *StdioServer[Req, Resp] {
	cfg := stdioConfig{
		in:     os.Stdin,
		out:    os.Stdout,
		logger: middleware.NopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StdioServer[Req, Resp]{
		conv:  conv,
		svc:   service.WithTimeout(svc, cfg.serviceTimeout),
		cfg:   cfg,
		drain: NewDrainer(cfg.drain),
	}
}

// Addr returns the transport address.
func (s *StdioServer[Req, Resp]) Addr() string {
	return protocol.TransportStdio
}

// Serve processes requests until stdin ends or ctx is done. Requests still
// running when stdin ends are completed and answered first. A clean end of
// input returns nil.
func (s *StdioServer[Req, Resp]) Serve(ctx context.Context) error {
	sess := &session[Req, Resp]{
		conv:   s.conv,
		svc:    s.svc,
		out:    protocol.NewLineWriter(s.cfg.out),
		logger: s.cfg.logger,
		meta:   protocol.Meta{protocol.MetaTransport: protocol.TransportStdio},
		drain:  s.drain,
	}

	done := make(chan error, 1)
	go func() { done <- sess.serve(ctx, protocol.NewLineReader(s.cfg.in)) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Refuse what is still arriving and give running calls the drain
		// timeout to observe the cancellation and answer.
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout())
		defer cancel()
		if err := s.drain.Drain(drainCtx); err != nil {
			s.cfg.logger.Warn("drain incomplete", middleware.F("error", err.Error()))
		}
		select {
		case <-done:
		case <-drainCtx.Done():
		}
		return ctx.Err()
	}
}

// InFlight returns the number of requests being handled.
func (s *StdioServer[Req, Resp]) InFlight() int64 {
	return s.drain.InFlight()
}

func (s *StdioServer[Req, Resp]) drainTimeout() time.Duration {
	if s.cfg.drain.Timeout > 0 {
		return s.cfg.drain.Timeout
	}
	return DefaultDrainTimeout
}
