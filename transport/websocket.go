package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// WebSocketServer serves a service over WebSocket connections. Each text
// message carries one JSON-RPC message, framed exactly like a stdio line, so
// the JSON-RPC converters serve both transports.
type WebSocketServer[Req, Resp any] struct {
	conv     protocol.Converter[Req, Resp]
	svc      service.Service[Req, Resp]
	cfg      wsConfig
	upgrader websocket.Upgrader
	drain    *Drainer

	mu         sync.RWMutex
	listenAddr string
	clients    map[*wsPeer]struct{}
}

type wsConfig struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	apiKeys         map[string]struct{}
	logger          middleware.Logger
	serviceTimeout  time.Duration
	drain           DrainConfig
	checkOrigin     func(r *http.Request) bool
}

// WebSocketOption configures a WebSocketServer.
type WebSocketOption func(*wsConfig)

// WithWebSocketReadTimeout closes connections idle for longer than d.
// Zero, the default, keeps idle connections open.
func WithWebSocketReadTimeout(d time.Duration) WebSocketOption {
	return func(c *wsConfig) {
		c.readTimeout = d
	}
}

// WithWebSocketWriteTimeout sets the write timeout for WebSocket messages.
func WithWebSocketWriteTimeout(d time.Duration) WebSocketOption {
	return func(c *wsConfig) {
		c.writeTimeout = d
	}
}

// WithWebSocketMaxMessageBytes bounds incoming messages. A larger message
// closes the connection.
func WithWebSocketMaxMessageBytes(n int64) WebSocketOption {
	return func(c *wsConfig) {
		if n > 0 {
			c.maxMessageBytes = n
		}
	}
}

// WithWebSocketCheckOrigin sets the origin check function for WebSocket upgrades.
func WithWebSocketCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(c *wsConfig) {
		c.checkOrigin = fn
	}
}

// WithWebSocketAPIKeys restricts upgrades to requests carrying one of keys
// in the X-API-Key header.
func WithWebSocketAPIKeys(keys ...string) WebSocketOption {
	return func(c *wsConfig) {
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

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(l middleware.Logger) WebSocketOption {
	return func(c *wsConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWebSocketServiceTimeout bounds every call's wait for its first outcome.
func WithWebSocketServiceTimeout(d time.Duration) WebSocketOption {
	return func(c *wsConfig) {
		c.serviceTimeout = d
	}
}

// WithWebSocketDrain configures how in-flight calls are awaited on shutdown.
func WithWebSocketDrain(cfg DrainConfig) WebSocketOption {
	return func(c *wsConfig) {
		c.drain = cfg
	}
}

// NewWebSocketServer returns a server listening on addr that calls svc for
// every request decoded with conv.
func NewWebSocketServer[Req, Resp any](addr string, svc service.Service[Req, Resp], conv protocol.Converter[Req, Resp], opts ...WebSocketOption) *WebSocketServer[Req, Resp] {
	cfg := wsConfig{
		addr:            addr,
		writeTimeout:    10 * time.Second,
		maxMessageBytes: httpmsg.DefaultMaxBodyBytes,
		logger:          middleware.NopLogger{},
		checkOrigin:     func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebSocketServer[Req, Resp]{
		conv: conv,
		svc:  service.WithTimeout(svc, cfg.serviceTimeout),
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.checkOrigin,
		},
		drain:   NewDrainer(cfg.drain),
		clients: make(map[*wsPeer]struct{}),
	}
}

// Addr returns the configured address.
func (ws *WebSocketServer[Req, Resp]) Addr() string {
	return ws.cfg.addr
}

// ListenAddr returns the actual address the server is listening on.
func (ws *WebSocketServer[Req, Resp]) ListenAddr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.listenAddr
}

// InFlight returns the number of requests being handled across all
// connections.
func (ws *WebSocketServer[Req, Resp]) InFlight() int64 {
	return ws.drain.InFlight()
}

// Connections returns the number of open connections.
func (ws *WebSocketServer[Req, Resp]) Connections() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

// Handler returns the upgrade handler, for mounting in another mux or
// testing with httptest.
func (ws *WebSocketServer[Req, Resp]) Handler() http.Handler {
	return http.HandlerFunc(ws.handleConnection)
}

// Serve listens and serves until ctx is done. On shutdown, new connections
// and requests are refused, in-flight calls get the drain timeout to answer,
// and then every connection is closed.
func (ws *WebSocketServer[Req, Resp]) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", ws.cfg.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	server := &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.mu.Lock()
	ws.listenAddr = listener.Addr().String()
	ws.mu.Unlock()

	ws.cfg.logger.Info("websocket server listening", middleware.F("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := ws.cfg.drain.Timeout
		if timeout <= 0 {
			timeout = DefaultDrainTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := ws.drain.Drain(shutdownCtx); err != nil {
			ws.cfg.logger.Warn("drain incomplete", middleware.F("error", err.Error()))
		}
		ws.closeAllClients()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketServer[Req, Resp]) handleConnection(w http.ResponseWriter, r *http.Request) {
	if ws.drain.IsDraining() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	apiKey := r.Header.Get(httpmsg.HeaderAPIKey)
	if ws.cfg.apiKeys != nil {
		if _, ok := ws.cfg.apiKeys[apiKey]; !ok {
			httpmsg.WriteError(w, protocol.GenericError(protocol.ErrorUnauthorized))
			return
		}
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an error status.
		ws.cfg.logger.Warn("websocket upgrade failed", middleware.F("remote", r.RemoteAddr), middleware.F("error", err.Error()))
		return
	}
	conn.SetReadLimit(ws.cfg.maxMessageBytes)

	peer := &wsPeer{conn: conn, readTimeout: ws.cfg.readTimeout, writeTimeout: ws.cfg.writeTimeout}

	ws.mu.Lock()
	ws.clients[peer] = struct{}{}
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, peer)
		ws.mu.Unlock()
		peer.close()
	}()

	meta := protocol.Meta{
		protocol.MetaTransport:  protocol.TransportWebSocket,
		protocol.MetaRemoteAddr: r.RemoteAddr,
	}
	if apiKey != "" {
		meta[protocol.MetaAPIKey] = apiKey
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		meta[protocol.MetaAuthorization] = auth
	}

	// Trace context from the handshake parents every call on the connection.
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	sess := &session[Req, Resp]{
		conv:   ws.conv,
		svc:    ws.svc,
		out:    peer,
		logger: ws.cfg.logger,
		meta:   meta,
		drain:  ws.drain,
	}

	ws.cfg.logger.Debug("websocket connected", middleware.F("remote", r.RemoteAddr))
	err = sess.serve(ctx, peer)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ws.cfg.logger.Debug("websocket closed", middleware.F("remote", r.RemoteAddr), middleware.F("error", err.Error()))
	}
}

func (ws *WebSocketServer[Req, Resp]) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for peer := range ws.clients {
		peer.close()
	}
}

// wsPeer is one server-side connection. Reads happen on the session's
// reader goroutine; writes from concurrent calls are serialized.
type wsPeer struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (p *wsPeer) ReadLine() ([]byte, error) {
	for {
		if p.readTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (p *wsPeer) WriteMessage(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.WriteJSON(v)
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = p.conn.Close()
}
