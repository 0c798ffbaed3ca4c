package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// HTTPServer serves a service over HTTP. Requests are decoded by the
// converter; a single response is written as a JSON body and a stream as
// server-sent events flushed per element.
type HTTPServer[Req, Resp any] struct {
	conv  httpmsg.Converter[Req, Resp]
	svc   service.Service[Req, Resp]
	cfg   httpConfig
	drain *Drainer

	mu         sync.RWMutex
	listenAddr string
	server     *http.Server
}

type httpConfig struct {
	addr              string
	readTimeout       time.Duration
	readHeaderTimeout time.Duration
	writeTimeout      time.Duration
	maxBodyBytes      int64
	apiKeys           map[string]struct{}
	logger            middleware.Logger
	serviceTimeout    time.Duration
	cors              *CORSConfig
	propagator        propagation.TextMapPropagator
	drain             DrainConfig
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*httpConfig)

// WithReadTimeout sets the read timeout for HTTP requests.
func WithReadTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.readTimeout = d
	}
}

// WithWriteTimeout sets the write timeout for HTTP responses. It bounds
// event streams too, so the default is none.
func WithWriteTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.writeTimeout = d
	}
}

// WithMaxBodyBytes bounds request bodies. Larger bodies fail to decode.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(c *httpConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithAPIKeys restricts the server to requests carrying one of keys in the
// X-API-Key header. Others are answered with 401. No keys means no check.
func WithAPIKeys(keys ...string) HTTPOption {
	return func(c *httpConfig) {
		for _, k := range keys {
			if k == "" {
				continue
			}
			if c.apiKeys == nil {
				c.apiKeys = make(map[string]struct{}, len(keys))
			}
			c.apiKeys[k] = struct{}{}
		}
	}
}

// WithHTTPLogger sets the logger for handled requests.
func WithHTTPLogger(l middleware.Logger) HTTPOption {
	return func(c *httpConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPServiceTimeout bounds every call's wait for its first outcome.
func WithHTTPServiceTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.serviceTimeout = d
	}
}

// WithPropagator sets the propagator used to extract trace context from
// request headers. The default is the global one.
func WithPropagator(p propagation.TextMapPropagator) HTTPOption {
	return func(c *httpConfig) {
		c.propagator = p
	}
}

// WithShutdownTimeout sets how long in-flight requests are awaited on
// shutdown.
func WithShutdownTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.drain.Timeout = d
	}
}

// WithShutdownDrainDelay sets the delay before new requests are refused on
// shutdown.
func WithShutdownDrainDelay(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.drain.Delay = d
	}
}

// NewHTTPServer returns a server listening on addr that calls svc for every
// request decoded with conv.
func NewHTTPServer[Req, Resp any](addr string, svc service.Service[Req, Resp], conv httpmsg.Converter[Req, Resp], opts ...HTTPOption) *HTTPServer[Req, Resp] {
	cfg := httpConfig{
		addr:              addr,
		readTimeout:       30 * time.Second,
		readHeaderTimeout: 10 * time.Second,
		maxBodyBytes:      httpmsg.DefaultMaxBodyBytes,
		logger:            middleware.NopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &HTTPServer[Req, Resp]{
		conv:  conv,
		svc:   service.WithTimeout(svc, cfg.serviceTimeout),
		cfg:   cfg,
		drain: NewDrainer(cfg.drain),
	}
}

// Addr returns the configured address.
func (h *HTTPServer[Req, Resp]) Addr() string {
	return h.cfg.addr
}

// ListenAddr returns the actual address the server is listening on.
func (h *HTTPServer[Req, Resp]) ListenAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listenAddr
}

// InFlight returns the number of requests being handled.
func (h *HTTPServer[Req, Resp]) InFlight() int64 {
	return h.drain.InFlight()
}

// Handler returns the server's HTTP handler, for mounting in another mux or
// testing with httptest.
func (h *HTTPServer[Req, Resp]) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(h.serveHTTP)
	if h.cfg.cors != nil {
		handler = CORSHandler(*h.cfg.cors, handler)
	}
	return handler
}

// Serve listens and serves until ctx is done, then stops accepting requests
// and waits for in-flight ones, streams included, up to the shutdown
// timeout.
func (h *HTTPServer[Req, Resp]) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.cfg.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	h.mu.Lock()
	h.listenAddr = listener.Addr().String()
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadTimeout:       h.cfg.readTimeout,
		ReadHeaderTimeout: h.cfg.readHeaderTimeout,
		WriteTimeout:      h.cfg.writeTimeout,
	}
	server := h.server
	h.mu.Unlock()

	h.cfg.logger.Info("http server listening", middleware.F("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.drainTimeout())
		defer cancel()

		drained := make(chan error, 1)
		go func() { drained <- h.drain.Drain(shutdownCtx) }()

		if err := server.Shutdown(shutdownCtx); err != nil {
			h.cfg.logger.Warn("shutdown incomplete, closing connections", middleware.F("error", err.Error()))
			_ = server.Close()
		}
		if err := <-drained; err != nil {
			h.cfg.logger.Warn("drain incomplete", middleware.F("error", err.Error()))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (h *HTTPServer[Req, Resp]) drainTimeout() time.Duration {
	if h.cfg.drain.Timeout > 0 {
		return h.cfg.drain.Timeout
	}
	return DefaultDrainTimeout
}

func (h *HTTPServer[Req, Resp]) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(httpmsg.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(httpmsg.HeaderRequestID, requestID)

	status, mode := h.handle(w, r, requestID)

	h.cfg.logger.Info("request handled",
		middleware.F("method", r.Method),
		middleware.F("uri", r.URL.RequestURI()),
		middleware.F("status", status),
		middleware.F("mode", mode),
		middleware.F("remote", r.RemoteAddr),
		middleware.F("request_id", requestID),
		middleware.F("duration", time.Since(start)),
	)
}

// handle runs one request and returns the status written and the response
// mode, for logging.
func (h *HTTPServer[Req, Resp]) handle(w http.ResponseWriter, r *http.Request, requestID string) (int, string) {
	if !h.drain.Track() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, ""
	}
	defer h.drain.Complete()

	apiKey := r.Header.Get(httpmsg.HeaderAPIKey)
	if h.cfg.apiKeys != nil {
		if _, ok := h.cfg.apiKeys[apiKey]; !ok {
			return httpmsg.WriteError(w, protocol.GenericError(protocol.ErrorUnauthorized)), ""
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes)

	ctx := h.requestContext(r, requestID, apiKey)
	r = r.WithContext(ctx)

	req, err := h.conv.RequestFromHTTP(r)
	if err != nil {
		return httpmsg.WriteError(w, protocol.ConversionError(err)), ""
	}

	resp, err := h.svc.Call(ctx, req)
	if err != nil {
		return httpmsg.WriteError(w, err), ""
	}

	var modal *httpmsg.ModalResponse
	if resp.IsMultiple() {
		modal = service.Multiple(service.Map(resp.Stream(), 0, func(v Resp) (json.RawMessage, error) {
			body, err := h.conv.ResponseToHTTP(v)
			if err != nil {
				return nil, protocol.ConversionError(err)
			}
			return body, nil
		}))
	} else {
		body, err := h.conv.ResponseToHTTP(resp.Value())
		if err != nil {
			return httpmsg.WriteError(w, protocol.ConversionError(err)), ""
		}
		modal = service.Single(body)
	}

	status, err := httpmsg.WriteModal(ctx, w, modal)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.cfg.logger.Warn("response interrupted", middleware.F("request_id", requestID), middleware.F("error", err.Error()))
	}
	return status, modal.Mode()
}

// requestContext carries the request's trace context and transport
// metadata to the service.
func (h *HTTPServer[Req, Resp]) requestContext(r *http.Request, requestID, apiKey string) context.Context {
	propagator := h.cfg.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	meta := protocol.Meta{
		protocol.MetaTransport:  protocol.TransportHTTP,
		protocol.MetaRemoteAddr: r.RemoteAddr,
		protocol.MetaRequestID:  requestID,
	}
	if apiKey != "" {
		meta[protocol.MetaAPIKey] = apiKey
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		meta[protocol.MetaAuthorization] = auth
	}
	ctx = protocol.WithMeta(ctx, meta)
	return middleware.ContextWithRequestID(ctx, requestID)
}
