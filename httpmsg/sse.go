package httpmsg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// EventError is the error member of a failed event payload.
type EventError struct {
	ErrorType   protocol.ErrorType `json:"error_type"`
	Description string             `json:"description"`
}

func (e *EventError) toError() error {
	t := e.ErrorType
	if t == "" {
		t = protocol.ErrorInternal
	}
	return protocol.NewProtocolError(t, errors.New(e.Description))
}

// EncodeEvent renders one stream element as an SSE event. Successful
// elements carry the value itself; failed ones carry
// {"error":{"error_type":...,"description":...}}.
func EncodeEvent(value json.RawMessage, err error) ([]byte, error) {
	var payload []byte
	if err != nil {
		data, mErr := json.Marshal(struct {
			Error EventError `json:"error"`
		}{EventError{ErrorType: protocol.TypeOf(err), Description: err.Error()}})
		if mErr != nil {
			return nil, mErr
		}
		payload = data
	} else {
		var buf bytes.Buffer
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if cErr := json.Compact(&buf, value); cErr != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrConversion, cErr)
		}
		payload = buf.Bytes()
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

// DecodeEvent parses one event's data. A {"result", "error"} envelope is
// unwrapped; anything else is the value itself.
func DecodeEvent(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: event data is not JSON", protocol.ErrMalformedMessage)
	}
	result, rawErr, ok := protocol.SplitEnvelope(data)
	if !ok {
		return json.RawMessage(data), nil
	}
	if rawErr != nil {
		var ee EventError
		if err := json.Unmarshal(rawErr, &ee); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
		}
		return nil, ee.toError()
	}
	return result, nil
}

// IsEventStream reports whether the content type announces an event stream.
func IsEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == ContentTypeEventStream
}

// WriteModal writes a modal response. A single value becomes a JSON body
// with status 200. A stream becomes an event stream flushed after every
// event and finished when the stream ends or ctx is done. It returns the
// status written.
func WriteModal(ctx context.Context, w http.ResponseWriter, modal *ModalResponse) (int, error) {
	if !modal.IsMultiple() {
		body := modal.Value()
		if len(body) == 0 {
			body = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(body)
		return http.StatusOK, err
	}

	stream := modal.Stream()
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return WriteError(w, errors.New("streaming not supported")), nil
	}

	w.Header().Set("Content-Type", ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for value, err := range stream.All(ctx) {
		if ctx.Err() != nil {
			return http.StatusOK, ctx.Err()
		}
		event, encErr := EncodeEvent(value, err)
		if encErr != nil {
			event, _ = EncodeEvent(nil, encErr)
		}
		if _, wErr := w.Write(event); wErr != nil {
			return http.StatusOK, wErr
		}
		flusher.Flush()
	}
	return http.StatusOK, nil
}

// ReadModal turns an HTTP response into a modal response. Failed statuses
// become a ProtocolError. An event stream becomes a stream whose elements
// are decoded as they arrive; closing that stream closes the body and calls
// release. Any other body is read whole. release may be nil.
func ReadModal(resp *http.Response, buffer int, release func()) (*ModalResponse, error) {
	if release == nil {
		release = func() {}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := ReadError(resp)
		release()
		return nil, err
	}

	if !IsEventStream(resp.Header.Get("Content-Type")) {
		defer release()
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", protocol.ErrTransportClosed, err)
		}
		return service.Single(json.RawMessage(body)), nil
	}

	body := resp.Body
	stream := service.Generate(context.Background(), buffer, func(ctx context.Context, sink *service.Sink[json.RawMessage]) error {
		return readEvents(ctx, body, sink)
	})
	stream.OnClose(func() {
		_ = body.Close()
		release()
	})
	return service.Multiple(stream), nil
}

// readEvents scans data lines and dispatches an event on each blank line.
// Comments, event names and ids are ignored.
func readEvents(ctx context.Context, body io.Reader, sink *service.Sink[json.RawMessage]) error {
	r := bufio.NewReader(body)
	var data bytes.Buffer

	dispatch := func() error {
		if data.Len() == 0 {
			return nil
		}
		value, err := DecodeEvent(data.Bytes())
		data.Reset()
		if err != nil {
			return sink.SendError(ctx, err)
		}
		return sink.Send(ctx, value)
	}

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if dErr := dispatch(); dErr != nil {
					return dErr
				}
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(line[len("data:"):], " "))
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return dispatch()
			}
			return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
		}
	}
}
