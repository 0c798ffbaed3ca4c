package httpmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

func TestStatusMapping(t *testing.T) {
	types := []protocol.ErrorType{
		protocol.ErrorNotFound,
		protocol.ErrorMethodNotAllowed,
		protocol.ErrorBadRequest,
		protocol.ErrorUnauthorized,
		protocol.ErrorInternal,
	}
	for _, typ := range types {
		t.Run(string(typ), func(t *testing.T) {
			if got := TypeForStatus(StatusFor(typ)); got != typ {
				t.Errorf("TypeForStatus(StatusFor(%s)) = %s", typ, got)
			}
		})
	}
	if got := TypeForStatus(http.StatusTeapot); got != protocol.ErrorBadRequest {
		t.Errorf("TypeForStatus(418) = %s, want BadRequest", got)
	}
	if got := TypeForStatus(http.StatusBadGateway); got != protocol.ErrorInternal {
		t.Errorf("TypeForStatus(502) = %s, want Internal", got)
	}
}

func TestWriteErrorReadError(t *testing.T) {
	rec := httptest.NewRecorder()
	status := WriteError(rec, protocol.NewProtocolError(protocol.ErrorUnauthorized, errors.New("missing api key")))
	if status != http.StatusUnauthorized || rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, recorded %d", status, rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"missing api key"}` {
		t.Errorf("body = %s", body)
	}

	err := ReadError(rec.Result())
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ProtocolError", err)
	}
	if pe.Type != protocol.ErrorUnauthorized || pe.Error() != "missing api key" {
		t.Errorf("got %s %q", pe.Type, pe.Error())
	}
}

func TestEvents(t *testing.T) {
	t.Run("value event", func(t *testing.T) {
		event, err := EncodeEvent(json.RawMessage("{\n  \"character\": \"H\"\n}"), nil)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if string(event) != "data: {\"character\":\"H\"}\n\n" {
			t.Errorf("event = %q", event)
		}
	})

	t.Run("error event round trip", func(t *testing.T) {
		event, err := EncodeEvent(nil, protocol.GenericError(protocol.ErrorNotFound))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		data := strings.TrimSuffix(strings.TrimPrefix(string(event), "data: "), "\n\n")
		if data != `{"error":{"error_type":"NotFound","description":"not found"}}` {
			t.Errorf("data = %s", data)
		}
		_, decErr := DecodeEvent([]byte(data))
		if protocol.TypeOf(decErr) != protocol.ErrorNotFound {
			t.Errorf("decoded err = %v", decErr)
		}
	})

	t.Run("result envelope", func(t *testing.T) {
		v, err := DecodeEvent([]byte(`{"result":"a","error":null}`))
		if err != nil || string(v) != `"a"` {
			t.Errorf("DecodeEvent = %s, %v", v, err)
		}
	})

	t.Run("invalid data", func(t *testing.T) {
		if _, err := DecodeEvent([]byte(`{nope`)); !errors.Is(err, protocol.ErrMalformedMessage) {
			t.Errorf("err = %v, want ErrMalformedMessage", err)
		}
	})
}

func TestWriteModal(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		rec := httptest.NewRecorder()
		_, err := WriteModal(context.Background(), rec, service.Single(json.RawMessage(`{"result":"Hello, Ada!"}`)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ct := rec.Header().Get("Content-Type"); ct != ContentTypeJSON {
			t.Errorf("Content-Type = %q", ct)
		}
		if rec.Body.String() != `{"result":"Hello, Ada!"}` {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("multiple", func(t *testing.T) {
		rec := httptest.NewRecorder()
		stream, sink := service.NewStream[json.RawMessage](4)
		ctx := context.Background()
		_ = sink.Send(ctx, json.RawMessage(`"a"`))
		_ = sink.SendError(ctx, protocol.GenericError(protocol.ErrorBadRequest))
		_ = sink.Send(ctx, json.RawMessage(`"b"`))
		sink.Close()

		if _, err := WriteModal(ctx, rec, service.Multiple(stream)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ct := rec.Header().Get("Content-Type"); ct != ContentTypeEventStream {
			t.Errorf("Content-Type = %q", ct)
		}
		want := "data: \"a\"\n\n" +
			"data: {\"error\":{\"error_type\":\"BadRequest\",\"description\":\"bad request\"}}\n\n" +
			"data: \"b\"\n\n"
		if rec.Body.String() != want {
			t.Errorf("body = %q, want %q", rec.Body.String(), want)
		}
		if !rec.Flushed {
			t.Error("events were not flushed")
		}
	})
}

func TestReadModal(t *testing.T) {
	t.Run("event stream with two events", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
			fmt.Fprint(w, "data: {\"character\":\"H\"}\n\n")
			fmt.Fprint(w, ": keepalive\n\n")
			fmt.Fprint(w, "data: {\"character\":\"i\"}\n\n")
		}))
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		modal, err := ReadModal(resp, 0, nil)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !modal.IsMultiple() {
			t.Fatal("expected Multiple")
		}
		got, err := modal.Stream().Collect(context.Background())
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		var payloads []string
		for _, v := range got {
			payloads = append(payloads, string(v))
		}
		want := []string{`{"character":"H"}`, `{"character":"i"}`}
		if !slices.Equal(payloads, want) {
			t.Errorf("payloads = %v, want %v", payloads, want)
		}
	})

	t.Run("json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", ContentTypeJSON)
			fmt.Fprint(w, `{"result":"Hello, Ada!"}`)
		}))
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		modal, err := ReadModal(resp, 0, nil)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if modal.IsMultiple() || string(modal.Value()) != `{"result":"Hello, Ada!"}` {
			t.Errorf("modal = %s", modal.Value())
		}
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, NotFound(r))
		}))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/missing")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		released := false
		_, err = ReadModal(resp, 0, func() { released = true })
		if protocol.TypeOf(err) != protocol.ErrorNotFound {
			t.Errorf("err = %v, want NotFound", err)
		}
		if !released {
			t.Error("release not called")
		}
	})

	t.Run("closing the stream releases the connection", func(t *testing.T) {
		clientGone := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", ContentTypeEventStream)
			fmt.Fprint(w, "data: 1\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			close(clientGone)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		modal, err := ReadModal(resp, 0, cancel)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		stream := modal.Stream()
		if v, err := stream.Next(context.Background()); err != nil || string(v) != "1" {
			t.Fatalf("first element = %s, %v", v, err)
		}
		stream.Close()

		select {
		case <-clientGone:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not observe the client going away")
		}
	})
}

func TestRequestHelpers(t *testing.T) {
	base, _ := url.Parse("http://localhost:8080")

	req, err := NewJSONRequest(base, http.MethodPost, "/say_greeting", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL.String() != "http://localhost:8080/say_greeting" {
		t.Errorf("URL = %s", req.URL)
	}
	if req.Header.Get("Content-Type") != ContentTypeJSON {
		t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
	}

	v, err := ParseJSON[map[string]string](req)
	if err != nil || v["name"] != "Ada" {
		t.Errorf("ParseJSON = %v, %v", v, err)
	}

	if err := ValidateMethod(req, http.MethodGet); protocol.TypeOf(err) != protocol.ErrorMethodNotAllowed {
		t.Errorf("ValidateMethod err = %v", err)
	}
	if err := ValidateMethod(req, http.MethodPost); err != nil {
		t.Errorf("ValidateMethod err = %v", err)
	}

	bad := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{"))
	if _, err := ParseJSON[map[string]string](bad); protocol.TypeOf(err) != protocol.ErrorBadRequest {
		t.Errorf("ParseJSON err = %v, want BadRequest", err)
	}
}
