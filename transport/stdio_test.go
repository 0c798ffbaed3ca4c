package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
	"github.com/felixgeelhaar/multilink/testutil"
	"github.com/felixgeelhaar/multilink/transport"
)

// request encodes one echo request line.
func request(id int64, r testutil.EchoRequest) string {
	req, _ := testutil.EchoConverter{}.RequestToJSONRPC(r)
	req.ID = protocol.IntID(id)
	data, _ := json.Marshal(req)
	return string(data) + "\n"
}

// serveStdio runs a stdio server over input until it ends and returns the
// decoded output messages.
func serveStdio(t *testing.T, svc service.Service[testutil.EchoRequest, testutil.EchoResponse], input string, opts ...transport.StdioOption) []*protocol.Message {
	t.Helper()
	out := &bytes.Buffer{}
	opts = append([]transport.StdioOption{
		transport.WithStdin(strings.NewReader(input)),
		transport.WithStdout(out),
	}, opts...)
	srv := transport.NewStdioServer(svc, testutil.EchoConverter{}, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Serve(ctx); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var msgs []*protocol.Message
	r := protocol.NewLineReader(out)
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		msg, err := protocol.DecodeMessage(line)
		if err != nil {
			t.Fatalf("decode %s: %v", line, err)
		}
		msgs = append(msgs, msg)
	}
}

func TestStdioServer_Single(t *testing.T) {
	msgs := serveStdio(t, testutil.EchoService(), request(1, testutil.Echo("Ada")))

	if len(msgs) != 1 || msgs[0].Kind() != protocol.KindResponse {
		t.Fatalf("messages = %+v", msgs)
	}
	resp := msgs[0].Response
	if protocol.IDKey(resp.ID) != "1" {
		t.Errorf("id = %s", resp.ID)
	}
	if string(resp.Result) != `{"text":"Ada"}` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestStdioServer_Stream(t *testing.T) {
	msgs := serveStdio(t, testutil.EchoService(), request(7, testutil.Count(3)))

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 3 elements and an end marker", len(msgs))
	}
	for i, msg := range msgs[:3] {
		n := msg.Notification
		if n == nil || n.StreamID() != "7" {
			t.Fatalf("message %d = %+v", i, msg)
		}
		value, rpcErr := n.StreamResult()
		if rpcErr != nil {
			t.Fatalf("element %d error: %v", i, rpcErr)
		}
		want := `{"text":"` + string(rune('0'+i)) + `"}`
		if string(value) != want {
			t.Errorf("element %d = %s, want %s", i, value, want)
		}
	}
	if end := msgs[3].Notification; end == nil || !end.IsStreamEnd() || end.StreamID() != "7" {
		t.Errorf("last message = %+v, want end of stream", msgs[3])
	}
}

func TestStdioServer_StreamElementError(t *testing.T) {
	msgs := serveStdio(t, testutil.EchoService(), request(2, testutil.EchoRequest{Method: testutil.MethodStreamFail}))

	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	_, rpcErr := msgs[1].Notification.StreamResult()
	if rpcErr == nil {
		t.Fatal("expected element error")
	}
	if got := protocol.FromError(rpcErr).Type; got != protocol.ErrorBadRequest {
		t.Errorf("element error type = %s", got)
	}
	if value, _ := msgs[2].Notification.StreamResult(); string(value) != `{"text":"2"}` {
		t.Errorf("element after error = %s", value)
	}
}

func TestStdioServer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		req      testutil.EchoRequest
		wantCode int
		wantType protocol.ErrorType
	}{
		{"bad request", testutil.EchoRequest{Method: testutil.MethodFail, Text: "nope"}, protocol.CodeInvalidRequest, protocol.ErrorBadRequest},
		{"unknown method", testutil.EchoRequest{Method: "missing"}, protocol.CodeMethodNotFound, protocol.ErrorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := serveStdio(t, testutil.EchoService(), request(3, tt.req))
			if len(msgs) != 1 || msgs[0].Response == nil || msgs[0].Response.Error == nil {
				t.Fatalf("messages = %+v", msgs)
			}
			rpcErr := msgs[0].Response.Error
			if rpcErr.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rpcErr.Code, tt.wantCode)
			}
			if got := protocol.FromError(rpcErr).Type; got != tt.wantType {
				t.Errorf("type = %s, want %s", got, tt.wantType)
			}
		})
	}
}

func TestStdioServer_Malformed(t *testing.T) {
	input := "{invalid json}\n" +
		`{"jsonrpc":"2.0","id":5}` + "\n" +
		request(6, testutil.Echo("still here"))

	msgs := serveStdio(t, testutil.EchoService(), input)

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want the recovered error and the answer", len(msgs))
	}
	byID := map[string]*protocol.Response{}
	for _, m := range msgs {
		byID[protocol.IDKey(m.Response.ID)] = m.Response
	}
	if r := byID["5"]; r == nil || r.Error == nil || r.Error.Code != protocol.CodeParseError {
		t.Errorf("response for malformed request = %+v", r)
	}
	if r := byID["6"]; r == nil || string(r.Result) != `{"text":"still here"}` {
		t.Errorf("response after malformed lines = %+v", r)
	}
}

func TestStdioServer_Concurrent(t *testing.T) {
	input := request(1, testutil.EchoRequest{Method: testutil.MethodSlow, Text: "slow", Delay: 200 * time.Millisecond}) +
		request(2, testutil.Echo("fast"))

	msgs := serveStdio(t, testutil.EchoService(), input)

	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if got := protocol.IDKey(msgs[0].Response.ID); got != "2" {
		t.Errorf("first answer for id %s, want the fast request", got)
	}
	if got := protocol.IDKey(msgs[1].Response.ID); got != "1" {
		t.Errorf("second answer for id %s, want the slow request", got)
	}
}

func TestStdioServer_Meta(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]protocol.Meta{}
	svc := service.Func[testutil.EchoRequest, testutil.EchoResponse](func(ctx context.Context, req testutil.EchoRequest) (*service.Response[testutil.EchoResponse], error) {
		mu.Lock()
		seen[req.Text] = protocol.MetaFromContext(ctx)
		mu.Unlock()
		return service.Single(testutil.EchoResponse{Text: req.Text}), nil
	})

	serveStdio(t, svc, request(11, testutil.Echo("a"))+request(12, testutil.Echo("b")))

	if got := seen["a"][protocol.MetaRPCID]; got != "11" {
		t.Errorf("rpc id for a = %q", got)
	}
	if got := seen["b"][protocol.MetaRPCID]; got != "12" {
		t.Errorf("rpc id for b = %q", got)
	}
	if got := seen["a"][protocol.MetaTransport]; got != protocol.TransportStdio {
		t.Errorf("transport = %q", got)
	}
}

func TestStdioServer_ServiceTimeout(t *testing.T) {
	msgs := serveStdio(t, testutil.EchoService(),
		request(1, testutil.EchoRequest{Method: testutil.MethodSlow, Delay: time.Minute}),
		transport.WithStdioServiceTimeout(20*time.Millisecond))

	if len(msgs) != 1 || msgs[0].Response == nil || msgs[0].Response.Error == nil {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Response.Error.Message, "timeout") {
		t.Errorf("error = %q", msgs[0].Response.Error.Message)
	}
}

func TestStdioServer_IgnoresNotificationsAndResponses(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"hello"}` + "\n" +
		`{"jsonrpc":"2.0","id":9,"result":{}}` + "\n"

	if msgs := serveStdio(t, testutil.EchoService(), input); len(msgs) != 0 {
		t.Errorf("expected no output, got %d messages", len(msgs))
	}
}

func TestStdioServer_Cancel(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()

	srv := transport.NewStdioServer(testutil.EchoService(), testutil.EchoConverter{},
		transport.WithStdin(in),
		transport.WithStdout(io.Discard),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if srv.Addr() != "stdio" {
		t.Errorf("addr = %q", srv.Addr())
	}
}
