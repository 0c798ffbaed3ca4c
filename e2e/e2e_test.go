// Package e2e runs clients against servers in separate processes and on
// real sockets. The stdio servers are this test binary re-executed in a
// child mode chosen by an environment variable.
package e2e

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/multilink/client"
	"github.com/felixgeelhaar/multilink/examples/greeting"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/testutil"
	"github.com/felixgeelhaar/multilink/transport"
)

const childEnv = "MULTILINK_E2E_CHILD"

// Child modes.
const (
	childEcho     = "echo"
	childGreeting = "greeting"
	childCrash    = "crash"
)

func TestMain(m *testing.M) {
	mode := os.Getenv(childEnv)
	if mode == "" {
		os.Exit(m.Run())
	}
	os.Exit(runChild(mode))
}

func runChild(mode string) int {
	logger := middleware.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	var err error
	switch mode {
	case childEcho:
		err = transport.NewStdioServer(testutil.EchoService(), testutil.EchoConverter{},
			transport.WithStdioLogger(logger)).Serve(ctx)
	case childGreeting:
		err = transport.NewStdioServer(greeting.NewService(0), greeting.Converter{},
			transport.WithStdioLogger(logger)).Serve(ctx)
	case childCrash:
		// Take one request and die without answering.
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		return 3
	default:
		err = fmt.Errorf("unknown child mode %q", mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// spawn starts this binary as a stdio server in mode.
func spawn[Req, Resp any](t *testing.T, mode string, conv protocol.Converter[Req, Resp], opts ...client.Option) *client.StdioClient[Req, Resp] {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	opts = append([]client.Option{client.WithEnv(childEnv + "=" + mode)}, opts...)
	c, err := client.NewStdioClient[Req, Resp](exe, []string{"-test.run=^$"}, conv, opts...)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStdio_Greeting(t *testing.T) {
	c := spawn[greeting.Request, greeting.Response](t, childGreeting, greeting.Converter{})
	ctx := context.Background()

	t.Run("single", func(t *testing.T) {
		resp, err := c.Call(ctx, greeting.SayHello("Ada"))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if resp.IsMultiple() || resp.Value().Result != "Hello, Ada!" {
			t.Errorf("response = %+v", resp.Value())
		}
	})

	t.Run("stream", func(t *testing.T) {
		resp, err := c.Call(ctx, greeting.SayHelloStream("Ada"))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		values, err := resp.Stream().Collect(ctx)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		var got strings.Builder
		for _, v := range values {
			got.WriteString(v.Character)
		}
		if got.String() != "Hello, Ada!" {
			t.Errorf("stream = %q", got.String())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := c.Call(ctx, greeting.Request{Method: greeting.MethodSayHello})
		testutil.AssertErrorType(t, err, protocol.ErrorBadRequest)
	})
}

func TestStdio_Echo(t *testing.T) {
	c := spawn[testutil.EchoRequest, testutil.EchoResponse](t, childEcho, testutil.EchoConverter{})
	ctx := context.Background()

	t.Run("stream of three", func(t *testing.T) {
		resp, err := c.Call(ctx, testutil.Count(3))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if got := testutil.Texts(t, resp); !slices.Equal(got, []string{"0", "1", "2"}) {
			t.Errorf("texts = %v", got)
		}
	})

	t.Run("element error", func(t *testing.T) {
		resp, err := c.Call(ctx, testutil.EchoRequest{Method: testutil.MethodStreamFail})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		var texts []string
		var elemErr error
		for v, err := range resp.Stream().All(ctx) {
			if err != nil {
				elemErr = err
				continue
			}
			texts = append(texts, v.Text)
		}
		if !slices.Equal(texts, []string{"0", "2"}) {
			t.Errorf("texts = %v", texts)
		}
		testutil.AssertErrorType(t, elemErr, protocol.ErrorBadRequest)
	})

	t.Run("out of order", func(t *testing.T) {
		order := make(chan string, 2)
		var wg sync.WaitGroup
		for _, req := range []testutil.EchoRequest{
			{Method: testutil.MethodSlow, Text: "slow", Delay: 300 * time.Millisecond},
			testutil.Echo("fast"),
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := c.Call(ctx, req)
				if err != nil {
					t.Errorf("call %s: %v", req.Method, err)
					return
				}
				order <- resp.Value().Text
			}()
			// Give the slow call a head start.
			time.Sleep(20 * time.Millisecond)
		}
		wg.Wait()
		close(order)
		var got []string
		for text := range order {
			got = append(got, text)
		}
		if !slices.Equal(got, []string{"fast", "slow"}) {
			t.Errorf("completion order = %v", got)
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				text := fmt.Sprintf("call-%d", i)
				resp, err := c.Call(ctx, testutil.Echo(text))
				if err != nil {
					t.Errorf("call %d: %v", i, err)
					return
				}
				if resp.Value().Text != text {
					t.Errorf("call %d got %q", i, resp.Value().Text)
				}
			}()
		}
		wg.Wait()
		if n := c.Pending(); n != 0 {
			t.Errorf("pending = %d", n)
		}
	})
}

func TestStdio_Timeout(t *testing.T) {
	c := spawn[testutil.EchoRequest, testutil.EchoResponse](t, childEcho, testutil.EchoConverter{}, client.WithTimeout(100*time.Millisecond))
	ctx := context.Background()

	_, err := c.Call(ctx, testutil.EchoRequest{Method: testutil.MethodSlow, Text: "late", Delay: time.Second})
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The late answer is dropped and the connection stays usable.
	resp, err := c.Call(ctx, testutil.Echo("after"))
	if err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
	if resp.Value().Text != "after" {
		t.Errorf("text = %q", resp.Value().Text)
	}
}

func TestStdio_ChildExit(t *testing.T) {
	c := spawn[testutil.EchoRequest, testutil.EchoResponse](t, childCrash, testutil.EchoConverter{}, client.WithStderr(nil))

	_, err := c.Call(context.Background(), testutil.Echo("hello"))
	if !errors.Is(err, protocol.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child not reaped")
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("pending = %d", n)
	}
}

// listening waits until addr reports a bound address.
func listening(t *testing.T, addr func() string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return addr()
}

// serve runs srv until the test ends and checks that it shut down cleanly.
func serve(t *testing.T, srv transport.Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve() = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})
}

func TestHTTP_Stream(t *testing.T) {
	srv := transport.NewHTTPServer("127.0.0.1:0", testutil.EchoService(), testutil.EchoConverter{},
		transport.WithAPIKeys("e2e-key"))
	serve(t, srv)
	addr := listening(t, srv.ListenAddr)

	c, err := client.NewHTTPClient[testutil.EchoRequest, testutil.EchoResponse]("http://"+addr, testutil.EchoConverter{},
		client.WithAPIKey("e2e-key"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	t.Run("two events", func(t *testing.T) {
		resp, err := c.Call(ctx, testutil.Count(2))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if got := testutil.Texts(t, resp); !slices.Equal(got, []string{"0", "1"}) {
			t.Errorf("texts = %v", got)
		}
	})

	t.Run("single", func(t *testing.T) {
		resp, err := c.Call(ctx, testutil.Echo("hello"))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if resp.IsMultiple() || resp.Value().Text != "hello" {
			t.Errorf("response = %+v", resp.Value())
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		bad, err := client.NewHTTPClient[testutil.EchoRequest, testutil.EchoResponse]("http://"+addr, testutil.EchoConverter{},
			client.WithAPIKey("nope"))
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		_, err = bad.Call(ctx, testutil.Echo("hello"))
		testutil.AssertErrorType(t, err, protocol.ErrorUnauthorized)
	})
}

func TestWebSocket_Greeting(t *testing.T) {
	srv := transport.NewWebSocketServer("127.0.0.1:0", greeting.NewService(0), greeting.Converter{})
	serve(t, srv)
	addr := listening(t, srv.ListenAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.DialWebSocket[greeting.Request, greeting.Response](ctx, "ws://"+addr+"/", greeting.Converter{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Call(ctx, greeting.SayCustomGreeting("Ada", "Howdy"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Value().Result != "Howdy, Ada!" {
		t.Errorf("result = %q", resp.Value().Result)
	}

	resp, err = c.Call(ctx, greeting.SayHelloStream("Al"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	n := 0
	for _, err := range resp.Stream().All(ctx) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		n++
	}
	if n != len("Hello, Al!") {
		t.Errorf("got %d characters", n)
	}
}
