package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/protocol"
)

// wsConn frames JSON-RPC messages as WebSocket text messages, one message
// per frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) ReadLine() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: server closed the connection", protocol.ErrTransportClosed)
			}
			return nil, fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}
	return nil
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.mu.Unlock()
	return w.conn.Close()
}

// WebSocketClient calls a WebSocket server using the JSON-RPC codec of the
// stdio transport, so the same converters serve both.
type WebSocketClient[Req, Resp any] struct {
	*RPCClient[Req, Resp]
}

// DialWebSocket connects to the server at url (ws:// or wss://).
func DialWebSocket[Req, Resp any](ctx context.Context, url string, conv protocol.Converter[Req, Resp], opts ...Option) (*WebSocketClient[Req, Resp], error) {
	o := buildOptions(opts)

	header := http.Header{}
	for k, vs := range o.header {
		header[k] = append(header[k], vs...)
	}
	if o.apiKey != "" {
		header.Set(httpmsg.HeaderAPIKey, o.apiKey)
	}

	conn, resp, err := o.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, httpmsg.ReadError(resp)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrTransportClosed, url, err)
	}

	ws := &wsConn{conn: conn}
	c := newRPCClient[Req, Resp](ws, conv, o)
	c.closer = ws
	go func() {
		err := c.conn.readLoop(ws)
		c.conn.fail(readFailure(err, "server"))
		_ = conn.Close()
	}()
	return &WebSocketClient[Req, Resp]{RPCClient: c}, nil
}
