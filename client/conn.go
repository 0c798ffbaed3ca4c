package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/multilink/correlation"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// errServeUnsupported answers requests a server sends to a client.
const errServeUnsupported = "client does not support serving requests"

// messageReader yields one encoded JSON-RPC message per call.
type messageReader interface {
	ReadLine() ([]byte, error)
}

// messageWriter sends one JSON-RPC message per call. Implementations
// serialize concurrent writers.
type messageWriter interface {
	WriteMessage(v any) error
}

// rpcConn multiplexes calls over one JSON-RPC connection. A single reader
// goroutine routes responses and stream notifications to the pending calls
// through a correlation table.
type rpcConn struct {
	out    messageWriter
	table  *correlation.Table[json.RawMessage]
	nextID atomic.Int64
	logger middleware.Logger

	// orphans throttles warnings about messages for unknown ids, which are
	// expected after cancellations and can arrive in bursts.
	orphans rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func newRPCConn(out messageWriter, o *options) *rpcConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &rpcConn{
		out:     out,
		table:   correlation.New[json.RawMessage](correlation.WithStreamBuffer(o.streamBuffer)),
		logger:  o.logger,
		orphans: rate.Sometimes{First: 5, Interval: time.Second},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// roundTrip registers req under a fresh id, writes it and waits for the
// first outcome.
func (c *rpcConn) roundTrip(ctx context.Context, req *protocol.Request, kind correlation.Kind) (*service.Response[json.RawMessage], error) {
	req.JSONRPC = protocol.JSONRPCVersion
	req.ID = protocol.IntID(c.nextID.Add(1))

	pending, err := c.table.Register(protocol.IDKey(req.ID), kind)
	if err != nil {
		return nil, err
	}
	if err := c.out.WriteMessage(req); err != nil {
		c.table.Remove(pending.Key())
		if errors.Is(err, protocol.ErrTransportClosed) {
			return nil, err
		}
		return nil, protocol.ConversionError(err)
	}
	return pending.Wait(ctx)
}

// readLoop routes messages until src fails. It returns the read error,
// io.EOF on a clean end of stream.
func (c *rpcConn) readLoop(src messageReader) error {
	for {
		line, err := src.ReadLine()
		if err != nil {
			return err
		}
		c.handle(line)
	}
}

func (c *rpcConn) handle(line []byte) {
	msg, err := protocol.DecodeMessage(line)
	if err != nil {
		c.logger.Error("malformed message", middleware.F("error", err.Error()))
		if id, ok := protocol.RecoverID(line); ok {
			_ = c.table.ResolveSingle(protocol.IDKey(id), nil, err)
		}
		return
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		c.logger.Warn("rejecting request from server", middleware.F("method", msg.Request.Method))
		resp := protocol.NewErrorResponse(msg.Request.ID, protocol.NewInvalidRequest(errServeUnsupported))
		if err := c.out.WriteMessage(resp); err != nil {
			c.logger.Error("write rejection failed", middleware.F("error", err.Error()))
		}

	case protocol.KindResponse:
		r := msg.Response
		var callErr error
		if r.Error != nil {
			callErr = protocol.FromError(r.Error)
		}
		c.report(protocol.IDKey(r.ID), c.table.ResolveSingle(protocol.IDKey(r.ID), r.Result, callErr))

	case protocol.KindNotification:
		n := msg.Notification
		key := n.StreamID()
		if n.IsStreamEnd() {
			c.report(key, c.table.CloseStream(key))
			return
		}
		value, rpcErr := n.StreamResult()
		var elemErr error
		if rpcErr != nil {
			elemErr = protocol.FromError(rpcErr)
		}
		c.report(key, c.table.PushStream(key, value, elemErr))
	}
}

// report logs what the table rejected. Unknown ids are routine after
// cancellation; shape violations are not.
func (c *rpcConn) report(key string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrUnknownID):
		c.orphans.Do(func() {
			c.logger.Warn("message for unknown request", middleware.F("id", key))
		})
	case errors.Is(err, context.Canceled):
	default:
		c.logger.Error("protocol violation", middleware.F("id", key), middleware.F("error", err.Error()))
	}
}

// fail makes the connection permanently unusable: every pending call and
// every later call fails with cause.
func (c *rpcConn) fail(cause error) {
	c.failOnce.Do(func() {
		c.err = cause
		c.cancel()
		c.table.FailAll(cause)
		close(c.done)
	})
}

// readFailure turns the reader's final error into the cause pending calls
// receive.
func readFailure(err error, peer string) error {
	if errors.Is(err, protocol.ErrTransportClosed) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s closed the connection", protocol.ErrTransportClosed, peer)
	}
	return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
}

// jsonrpcCall is the typed call path shared by the stdio and WebSocket
// clients.
type jsonrpcCall[Req, Resp any] struct {
	conn   *rpcConn
	conv   protocol.Converter[Req, Resp]
	buffer int
}

func (j *jsonrpcCall[Req, Resp]) Call(ctx context.Context, req Req) (*service.Response[Resp], error) {
	rpcReq, err := j.conv.RequestToJSONRPC(req)
	if err != nil {
		return nil, protocol.ConversionError(err)
	}
	if rpcReq == nil {
		return nil, protocol.ConversionError(errors.New("converter returned no request"))
	}

	kind := correlation.KindAny
	if s, ok := any(req).(protocol.StreamingRequest); ok {
		kind = correlation.KindSingle
		if s.ExpectsStream() {
			kind = correlation.KindStream
		}
	}

	raw, err := j.conn.roundTrip(ctx, rpcReq, kind)
	if err != nil {
		return nil, err
	}

	convert := func(v json.RawMessage) (Resp, error) {
		resp, err := j.conv.ResponseFromJSONRPC(v, req)
		if err != nil {
			return resp, protocol.ConversionError(err)
		}
		return resp, nil
	}

	if !raw.IsMultiple() {
		resp, err := convert(raw.Value())
		if err != nil {
			return nil, err
		}
		return service.Single(resp), nil
	}
	return service.Multiple(service.Map(raw.Stream(), j.buffer, convert)), nil
}
