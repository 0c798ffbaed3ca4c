package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/felixgeelhaar/multilink/client"
	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/testutil"
)

func newHTTPClient(t *testing.T, h http.HandlerFunc, opts ...client.Option) *client.HTTPClient[testutil.EchoRequest, testutil.EchoResponse] {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := client.NewHTTPClient[testutil.EchoRequest, testutil.EchoResponse](srv.URL, testutil.EchoConverter{}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{"empty", ""},
		{"unsupported scheme", "ftp://example.com"},
		{"unparseable", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.NewHTTPClient[testutil.EchoRequest, testutil.EchoResponse](tt.baseURL, testutil.EchoConverter{})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPClient_Single(t *testing.T) {
	var gotPath, gotKey, gotRequestID, gotAccept, gotExtra string
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(httpmsg.HeaderAPIKey)
		gotRequestID = r.Header.Get(httpmsg.HeaderRequestID)
		gotAccept = r.Header.Get("Accept")
		gotExtra = r.Header.Get("X-Tenant")
		var body testutil.EchoRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", httpmsg.ContentTypeJSON)
		_ = json.NewEncoder(w).Encode(testutil.EchoResponse{Text: body.Text})
	}, client.WithAPIKey("secret"), client.WithHeader("X-Tenant", "acme"))

	ctx := middleware.ContextWithRequestID(context.Background(), "req-42")
	resp, err := c.Call(ctx, testutil.Echo("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsMultiple() {
		t.Fatal("expected single response")
	}
	if resp.Value().Text != "hello" {
		t.Errorf("text = %q", resp.Value().Text)
	}

	if gotPath != "/echo" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("api key = %q", gotKey)
	}
	if gotRequestID != "req-42" {
		t.Errorf("request id = %q", gotRequestID)
	}
	if gotAccept == "" {
		t.Error("missing Accept header")
	}
	if gotExtra != "acme" {
		t.Errorf("extra header = %q", gotExtra)
	}
}

func TestHTTPClient_GeneratesRequestID(t *testing.T) {
	var gotRequestID string
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get(httpmsg.HeaderRequestID)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	})

	if _, err := c.Call(context.Background(), testutil.Echo("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotRequestID) != 36 {
		t.Errorf("request id = %q, want a UUID", gotRequestID)
	}
}

func TestHTTPClient_Stream(t *testing.T) {
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", httpmsg.ContentTypeEventStream)
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, s := range []string{"H", "e", "y"} {
			fmt.Fprintf(w, "data: {\"text\":%q}\n\n", s)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"error\":{\"error_type\":\"BadRequest\",\"description\":\"bad element\"}}\n\n")
	})

	resp, err := c.Call(context.Background(), testutil.Count(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsMultiple() {
		t.Fatal("expected stream")
	}

	var texts []string
	var elemErr error
	for v, err := range resp.Stream().All(context.Background()) {
		if err != nil {
			elemErr = err
			continue
		}
		texts = append(texts, v.Text)
	}
	if !slices.Equal(texts, []string{"H", "e", "y"}) {
		t.Errorf("texts = %v", texts)
	}
	testutil.AssertErrorType(t, elemErr, protocol.ErrorBadRequest)
}

func TestHTTPClient_StreamOutlivesCallContext(t *testing.T) {
	release := make(chan struct{})
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", httpmsg.ContentTypeEventStream)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, "data: {\"text\":\"late\"}\n\n")
	})

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := c.Call(ctx, testutil.Count(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	close(release)

	if got := testutil.Texts(t, resp); !slices.Equal(got, []string{"late"}) {
		t.Errorf("texts = %v", got)
	}
}

func TestHTTPClient_CloseStreamAbortsRequest(t *testing.T) {
	gone := make(chan struct{})
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", httpmsg.ContentTypeEventStream)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"text\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(gone)
	})

	resp, err := c.Call(context.Background(), testutil.Count(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream := resp.Stream()
	if v, err := stream.Next(context.Background()); err != nil || v.Text != "first" {
		t.Fatalf("first = %+v, %v", v, err)
	}
	stream.Close()

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the request end")
	}
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   protocol.ErrorType
	}{
		{"not found", http.StatusNotFound, protocol.ErrorNotFound},
		{"bad request", http.StatusBadRequest, protocol.ErrorBadRequest},
		{"unauthorized", http.StatusUnauthorized, protocol.ErrorUnauthorized},
		{"method not allowed", http.StatusMethodNotAllowed, protocol.ErrorMethodNotAllowed},
		{"internal", http.StatusInternalServerError, protocol.ErrorInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				httpmsg.WriteError(w, protocol.GenericError(tt.want))
			})
			_, err := c.Call(context.Background(), testutil.Echo("x"))
			testutil.AssertErrorType(t, err, tt.want)
		})
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, client.WithTimeout(20*time.Millisecond))

	_, err := c.Call(context.Background(), testutil.Echo("x"))
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := client.NewHTTPClient[testutil.EchoRequest, testutil.EchoResponse](url, testutil.EchoConverter{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Call(context.Background(), testutil.Echo("x"))
	if !errors.Is(err, protocol.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestHTTPClient_ConversionFailure(t *testing.T) {
	c := newHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"not an object"`))
	})

	_, err := c.Call(context.Background(), testutil.Echo("x"))
	if !errors.Is(err, protocol.ErrConversion) {
		t.Errorf("expected ErrConversion, got %v", err)
	}
	testutil.AssertErrorType(t, err, protocol.ErrorBadRequest)
}
