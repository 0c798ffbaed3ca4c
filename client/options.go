package client

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/service"
)

// Option configures a client.
type Option func(*options)

type options struct {
	timeout      time.Duration
	logger       middleware.Logger
	streamBuffer int

	// stdio
	binPath string
	env     []string
	dir     string
	stderr  io.Writer

	// http and websocket
	apiKey     string
	header     http.Header
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func defaultOptions() *options {
	return &options{
		logger:       middleware.NopLogger{},
		streamBuffer: service.DefaultBuffer,
		stderr:       os.Stderr,
		httpClient:   http.DefaultClient,
		dialer:       websocket.DefaultDialer,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTimeout bounds every call's wait for its first outcome. Zero, the
// default, means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger for transport events.
func WithLogger(l middleware.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStreamBuffer sets the channel buffer of each returned stream. The
// connection reader never waits for a slow consumer; excess elements queue
// per call.
func WithStreamBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.streamBuffer = n
		}
	}
}

// WithBinPath sets the directory the stdio client looks up its program in.
// The default searches $PATH.
func WithBinPath(dir string) Option {
	return func(o *options) {
		o.binPath = dir
	}
}

// WithEnv adds KEY=VALUE pairs to the child's environment.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithStderr redirects the child's standard error. The default inherits the
// parent's; nil discards it.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithHeader adds a header to every HTTP request and WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}
