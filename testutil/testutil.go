// Package testutil provides fixtures for testing clients and servers built
// on multilink.
//
// Echo is a small request and response pair with converters for both
// JSON-RPC and HTTP, and a service that answers with single values,
// streams and typed errors. Peer scripts the far end of a JSON-RPC pipe so
// client behaviour can be tested message by message.
//
// Example usage:
//
//	func TestMyClient(t *testing.T) {
//	    peer := testutil.NewPeer(t)
//	    c := client.NewRPCClient[testutil.EchoRequest, testutil.EchoResponse](peer.ClientReader(), peer.ClientWriter(), testutil.EchoConverter{})
//	    defer c.Close()
//
//	    go func() {
//	        req := peer.ReadRequest()
//	        peer.Respond(req.ID, testutil.EchoResponse{Text: "hi"})
//	    }()
//	    resp, err := c.Call(ctx, testutil.Echo("hi"))
//	}
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// Echo service methods.
const (
	MethodEcho       = "echo"
	MethodCount      = "count"
	MethodFail       = "fail"
	MethodStreamFail = "stream_fail"
	MethodSlow       = "slow"
)

// EchoRequest asks the echo service for Method with its arguments.
type EchoRequest struct {
	Method string        `json:"-"`
	Text   string        `json:"text,omitempty"`
	N      int           `json:"n,omitempty"`
	Delay  time.Duration `json:"delay,omitempty"`
}

// Echo returns a request echoing text.
func Echo(text string) EchoRequest {
	return EchoRequest{Method: MethodEcho, Text: text}
}

// Count returns a request for a stream of n elements.
func Count(n int) EchoRequest {
	return EchoRequest{Method: MethodCount, N: n}
}

// Operation names the request for middleware.
func (r EchoRequest) Operation() string { return r.Method }

// ExpectsStream reports whether the method answers with a stream.
func (r EchoRequest) ExpectsStream() bool {
	return r.Method == MethodCount || r.Method == MethodStreamFail
}

// EchoResponse is one response value or stream element.
type EchoResponse struct {
	Text string `json:"text"`
}

// EchoConverter converts echo requests for both the JSON-RPC and the HTTP
// transports. Over HTTP every method is a POST to /<method>.
type EchoConverter struct{}

var (
	_ protocol.Converter[EchoRequest, EchoResponse] = EchoConverter{}
	_ httpmsg.Converter[EchoRequest, EchoResponse]  = EchoConverter{}
)

func (EchoConverter) RequestFromJSONRPC(req *protocol.Request) (EchoRequest, error) {
	var r EchoRequest
	if len(req.Params) > 0 {
		if err := req.DecodeParams(&r); err != nil {
			return r, err
		}
	}
	r.Method = req.Method
	return r, nil
}

func (EchoConverter) RequestToJSONRPC(r EchoRequest) (*protocol.Request, error) {
	return protocol.NewRequest(r.Method, r)
}

func (EchoConverter) ResponseFromJSONRPC(result json.RawMessage, _ EchoRequest) (EchoResponse, error) {
	return protocol.DecodeValue[EchoResponse](result)
}

func (EchoConverter) ResponseToJSONRPC(resp EchoResponse) (json.RawMessage, error) {
	return protocol.EncodeValue(resp)
}

func (EchoConverter) RequestFromHTTP(r *http.Request) (EchoRequest, error) {
	if err := httpmsg.ValidateMethod(r, http.MethodPost); err != nil {
		return EchoRequest{}, err
	}
	method := strings.Trim(r.URL.Path, "/")
	if method == "" || strings.Contains(method, "/") {
		return EchoRequest{}, httpmsg.NotFound(r)
	}
	req, err := httpmsg.ParseJSON[EchoRequest](r)
	if err != nil {
		return req, err
	}
	req.Method = method
	return req, nil
}

func (EchoConverter) RequestToHTTP(r EchoRequest, baseURL *url.URL) (*http.Request, error) {
	return httpmsg.NewJSONRequest(baseURL, http.MethodPost, r.Method, r)
}

func (EchoConverter) ResponseFromHTTP(payload json.RawMessage, _ EchoRequest) (EchoResponse, error) {
	return protocol.DecodeValue[EchoResponse](payload)
}

func (EchoConverter) ResponseToHTTP(resp EchoResponse) (json.RawMessage, error) {
	return protocol.EncodeValue(resp)
}

// EchoService answers echo requests:
//
//	echo         the text as a single value
//	count        a stream of "0" to "n-1"
//	fail         a bad request error carrying the text
//	stream_fail  "0", an element error, then "2"
//	slow         the text after Delay, or the context error
//
// Other methods fail with a not found error.
func EchoService() service.Service[EchoRequest, EchoResponse] {
	return service.Func[EchoRequest, EchoResponse](func(ctx context.Context, req EchoRequest) (*service.Response[EchoResponse], error) {
		switch req.Method {
		case MethodEcho:
			return service.Single(EchoResponse{Text: req.Text}), nil
		case MethodCount:
			return service.Multiple(service.Generate(ctx, 0, func(ctx context.Context, sink *service.Sink[EchoResponse]) error {
				for i := range req.N {
					if err := sink.Send(ctx, EchoResponse{Text: strconv.Itoa(i)}); err != nil {
						return err
					}
				}
				return nil
			})), nil
		case MethodFail:
			return nil, protocol.NewProtocolError(protocol.ErrorBadRequest, errors.New(req.Text))
		case MethodStreamFail:
			return service.Multiple(service.Generate(ctx, 0, func(ctx context.Context, sink *service.Sink[EchoResponse]) error {
				if err := sink.Send(ctx, EchoResponse{Text: "0"}); err != nil {
					return err
				}
				if err := sink.SendError(ctx, protocol.NewProtocolError(protocol.ErrorBadRequest, errors.New("element 1"))); err != nil {
					return err
				}
				return sink.Send(ctx, EchoResponse{Text: "2"})
			})), nil
		case MethodSlow:
			select {
			case <-time.After(req.Delay):
				return service.Single(EchoResponse{Text: req.Text}), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, protocol.NewProtocolError(protocol.ErrorNotFound, fmt.Errorf("unknown method %q", req.Method))
		}
	})
}

// Texts collects a response into its texts, failing the test on any error.
func Texts(t testing.TB, resp *service.Response[EchoResponse]) []string {
	t.Helper()
	if !resp.IsMultiple() {
		return []string{resp.Value().Text}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	values, err := resp.Stream().Collect(ctx)
	if err != nil {
		t.Fatalf("collect stream: %v", err)
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.Text
	}
	return out
}

// AssertErrorType fails the test unless err classifies as want.
func AssertErrorType(t testing.TB, err error, want protocol.ErrorType) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := protocol.TypeOf(err); got != want {
		t.Errorf("error type = %s, want %s (error: %v)", got, want, err)
	}
}

// Peer is the scripted far end of a JSON-RPC connection. The client side
// reads what the peer sends and writes what the peer reads.
type Peer struct {
	t testing.TB

	toClientR *io.PipeReader
	toClientW *io.PipeWriter
	toPeerR   *io.PipeReader
	toPeerW   *io.PipeWriter

	reader *protocol.LineReader
	writer *protocol.LineWriter

	mu       sync.Mutex
	requests []*protocol.Request
}

// NewPeer returns a peer connected through in-memory pipes. Both ends are
// closed when the test finishes.
func NewPeer(t testing.TB) *Peer {
	t.Helper()
	p := &Peer{t: t}
	p.toClientR, p.toClientW = io.Pipe()
	p.toPeerR, p.toPeerW = io.Pipe()
	p.reader = protocol.NewLineReader(p.toPeerR)
	p.writer = protocol.NewLineWriter(p.toClientW)
	t.Cleanup(p.Close)
	return p
}

// ClientReader is where the client reads the peer's messages.
func (p *Peer) ClientReader() io.Reader { return p.toClientR }

// ClientWriter is where the client writes its messages.
func (p *Peer) ClientWriter() io.WriteCloser { return p.toPeerW }

// ReadRequest reads the next request the client sent. It returns nil once
// the client closed its side.
func (p *Peer) ReadRequest() *protocol.Request {
	line, err := p.reader.ReadLine()
	if err != nil {
		return nil
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		p.t.Errorf("peer: decode request: %v", err)
		return nil
	}
	p.mu.Lock()
	p.requests = append(p.requests, &req)
	p.mu.Unlock()
	return &req
}

// ReadLine reads the next raw message the client sent.
func (p *Peer) ReadLine() ([]byte, error) {
	return p.reader.ReadLine()
}

// Requests returns every request read so far.
func (p *Peer) Requests() []*protocol.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Send writes any message to the client.
func (p *Peer) Send(msg any) {
	if err := p.writer.WriteMessage(msg); err != nil {
		p.t.Errorf("peer: send: %v", err)
	}
}

// SendRaw writes line followed by a newline, for malformed input.
func (p *Peer) SendRaw(line string) {
	if _, err := io.WriteString(p.toClientW, line+"\n"); err != nil {
		p.t.Errorf("peer: send raw: %v", err)
	}
}

// Respond answers request id with v.
func (p *Peer) Respond(id json.RawMessage, v any) {
	p.Send(protocol.NewResponse(id, p.encode(v)))
}

// RespondError answers request id with err.
func (p *Peer) RespondError(id json.RawMessage, err error) {
	p.Send(protocol.NewErrorResponse(id, protocol.ToError(err)))
}

// StreamElement sends one stream element for request id.
func (p *Peer) StreamElement(id json.RawMessage, v any) {
	p.Send(protocol.NewStreamNotification(id, p.encode(v)))
}

// StreamError sends one failed stream element for request id.
func (p *Peer) StreamError(id json.RawMessage, err error) {
	p.Send(protocol.NewStreamErrorNotification(id, protocol.ToError(err)))
}

// EndStream ends the stream for request id.
func (p *Peer) EndStream(id json.RawMessage) {
	p.Send(protocol.NewStreamEnd(id))
}

// Close closes the peer's side of both pipes, as if the process exited.
func (p *Peer) Close() {
	_ = p.toClientW.Close()
	_ = p.toPeerR.Close()
}

func (p *Peer) encode(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.t.Errorf("peer: encode: %v", err)
	}
	return data
}
