package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// messageReader yields one encoded JSON-RPC message per call.
type messageReader interface {
	ReadLine() ([]byte, error)
}

// messageWriter sends one JSON-RPC message per call and serializes
// concurrent writers.
type messageWriter interface {
	WriteMessage(v any) error
}

// session serves the requests of one JSON-RPC connection: the stdio pipes
// or one WebSocket. Reading happens on one goroutine; every request is
// dispatched on its own, and all replies share the one writer.
type session[Req, Resp any] struct {
	conv   protocol.Converter[Req, Resp]
	svc    service.Service[Req, Resp]
	out    messageWriter
	logger middleware.Logger
	meta   protocol.Meta
	drain  *Drainer

	wg sync.WaitGroup
}

type readResult struct {
	line []byte
	err  error
}

// serve reads requests until in fails or ctx is done, then waits for the
// calls already dispatched. A clean end of input returns nil.
func (s *session[Req, Resp]) serve(ctx context.Context, in messageReader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read cannot be interrupted, so it runs apart from the loop and
	// ctx alone decides when serving stops.
	lines := make(chan readResult)
	go func() {
		for {
			line, err := in.ReadLine()
			select {
			case lines <- readResult{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case r := <-lines:
			if r.err != nil {
				if !errors.Is(r.err, io.EOF) {
					err = r.err
				}
				break loop
			}
			s.handle(ctx, r.line)
		}
	}

	// In-flight calls keep their context on a clean end of input so their
	// replies still reach a peer that only closed its write side. A broken
	// connection cancels them.
	if err != nil {
		cancel()
	}
	s.wg.Wait()
	return err
}

func (s *session[Req, Resp]) handle(ctx context.Context, line []byte) {
	msg, err := protocol.DecodeMessage(line)
	if err != nil {
		id, ok := protocol.RecoverID(line)
		s.logger.Error("malformed message", middleware.F("error", err.Error()), middleware.F("answered", ok))
		if ok {
			s.write(protocol.NewErrorResponse(id, protocol.NewParseError(err.Error())))
		}
		return
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		if s.drain != nil && !s.drain.Track() {
			s.write(protocol.NewErrorResponse(msg.Request.ID, protocol.NewInternalError("server is shutting down")))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.drain != nil {
				defer s.drain.Complete()
			}
			s.dispatch(ctx, msg.Request)
		}()
	case protocol.KindNotification:
		s.logger.Debug("ignoring notification", middleware.F("method", msg.Notification.Method))
	case protocol.KindResponse:
		s.logger.Warn("ignoring response", middleware.F("id", protocol.IDKey(msg.Response.ID)))
	}
}

// dispatch runs one request through the service and writes its reply: a
// response for a single value, or one notification per element followed by
// the end marker for a stream.
func (s *session[Req, Resp]) dispatch(ctx context.Context, rpcReq *protocol.Request) {
	id := rpcReq.ID

	ctx = protocol.WithMeta(ctx, s.requestMeta(id))

	req, err := s.conv.RequestFromJSONRPC(rpcReq)
	if err != nil {
		s.fail(id, protocol.ConversionError(err))
		return
	}

	resp, err := s.svc.Call(ctx, req)
	if err != nil {
		s.fail(id, err)
		return
	}

	if !resp.IsMultiple() {
		value, err := s.conv.ResponseToJSONRPC(resp.Value())
		if err != nil {
			s.fail(id, protocol.ConversionError(err))
			return
		}
		s.write(protocol.NewResponse(id, value))
		return
	}

	for v, elemErr := range resp.Stream().All(ctx) {
		var note *protocol.Notification
		if elemErr == nil {
			value, convErr := s.conv.ResponseToJSONRPC(v)
			if convErr != nil {
				elemErr = protocol.ConversionError(convErr)
			} else {
				note = protocol.NewStreamNotification(id, value)
			}
		}
		if elemErr != nil {
			note = protocol.NewStreamErrorNotification(id, protocol.ToError(elemErr))
		}
		if !s.write(note) {
			return
		}
	}
	s.write(protocol.NewStreamEnd(id))
}

func (s *session[Req, Resp]) requestMeta(id json.RawMessage) protocol.Meta {
	meta := make(protocol.Meta, len(s.meta)+1)
	for k, v := range s.meta {
		meta[k] = v
	}
	meta[protocol.MetaRPCID] = protocol.IDKey(id)
	return meta
}

func (s *session[Req, Resp]) fail(id json.RawMessage, err error) {
	s.write(protocol.NewErrorResponse(id, protocol.ToError(err)))
}

// write sends msg and reports whether the connection still works.
func (s *session[Req, Resp]) write(msg any) bool {
	if err := s.out.WriteMessage(msg); err != nil {
		s.logger.Error("write failed", middleware.F("error", err.Error()))
		return false
	}
	return true
}
