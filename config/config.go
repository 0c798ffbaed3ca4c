// Package config holds the serializable settings of the stdio and HTTP
// clients and servers. Settings load from TOML files and from MULTILINK_
// environment variables; a zero timeout means no timeout.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// DefaultTimeoutSecs is the timeout applied by Default configurations.
const DefaultTimeoutSecs = 900

// DefaultPort is the HTTP server port used by Default configurations.
const DefaultPort = 8080

// StdioClient configures a client that talks to a child process.
type StdioClient struct {
	// BinPath is the directory holding the child binary. Empty means $PATH.
	BinPath     string   `toml:"bin_path" env:"MULTILINK_STDIO_BIN_PATH"`
	TimeoutSecs uint64   `toml:"timeout_secs" env:"MULTILINK_STDIO_TIMEOUT_SECS"`
	Env         []string `toml:"env" env:"MULTILINK_STDIO_ENV" envSeparator:";"`
}

// StdioServer configures a server reading requests from stdin.
type StdioServer struct {
	ServiceTimeoutSecs uint64 `toml:"service_timeout_secs" env:"MULTILINK_STDIO_SERVICE_TIMEOUT_SECS"`
}

// HTTPClient configures a client that calls an HTTP server.
type HTTPClient struct {
	BaseURL     string `toml:"base_url" env:"MULTILINK_HTTP_BASE_URL"`
	APIKey      string `toml:"api_key" env:"MULTILINK_HTTP_API_KEY"`
	TimeoutSecs uint64 `toml:"timeout_secs" env:"MULTILINK_HTTP_TIMEOUT_SECS"`
}

// HTTPServer configures an HTTP server. An empty APIKeys list disables
// authentication.
type HTTPServer struct {
	Port               uint16   `toml:"port" env:"MULTILINK_HTTP_PORT"`
	APIKeys            []string `toml:"api_keys" env:"MULTILINK_HTTP_API_KEYS" envSeparator:","`
	ServiceTimeoutSecs uint64   `toml:"service_timeout_secs" env:"MULTILINK_HTTP_SERVICE_TIMEOUT_SECS"`
}

// Telemetry configures trace export. Tracing is off unless Endpoint is set
// and Enabled is not false.
type Telemetry struct {
	Endpoint string `toml:"endpoint" env:"MULTILINK_OTEL_ENDPOINT"`
	Enabled  *bool  `toml:"enabled" env:"MULTILINK_OTEL_ENABLED"`
}

// Active reports whether spans should be exported.
func (c Telemetry) Active() bool {
	return c.Endpoint != "" && (c.Enabled == nil || *c.Enabled)
}

// Client selects the transport used by a client: HTTP when HTTP is set,
// otherwise stdio.
type Client struct {
	Stdio *StdioClient `toml:"stdio"`
	HTTP  *HTTPClient  `toml:"http"`
}

// Server holds both server configurations; a binary picks the one matching
// the mode it runs in. The WebSocket mode uses the HTTP settings.
type Server struct {
	Stdio     StdioServer `toml:"stdio"`
	HTTP      HTTPServer  `toml:"http"`
	Telemetry Telemetry   `toml:"telemetry"`
}

// DefaultStdioClient returns the stdio client defaults.
func DefaultStdioClient() StdioClient {
	return StdioClient{TimeoutSecs: DefaultTimeoutSecs}
}

// DefaultStdioServer returns the stdio server defaults.
func DefaultStdioServer() StdioServer {
	return StdioServer{ServiceTimeoutSecs: DefaultTimeoutSecs}
}

// DefaultHTTPClient returns the HTTP client defaults.
func DefaultHTTPClient() HTTPClient {
	return HTTPClient{TimeoutSecs: DefaultTimeoutSecs}
}

// DefaultHTTPServer returns the HTTP server defaults.
func DefaultHTTPServer() HTTPServer {
	return HTTPServer{Port: DefaultPort, ServiceTimeoutSecs: DefaultTimeoutSecs}
}

// DefaultServer returns both server configurations with their defaults.
func DefaultServer() Server {
	return Server{Stdio: DefaultStdioServer(), HTTP: DefaultHTTPServer()}
}

// Timeout returns the client timeout as a duration.
func (c StdioClient) Timeout() time.Duration { return seconds(c.TimeoutSecs) }

// Timeout returns the service timeout as a duration.
func (c StdioServer) Timeout() time.Duration { return seconds(c.ServiceTimeoutSecs) }

// Timeout returns the client timeout as a duration.
func (c HTTPClient) Timeout() time.Duration { return seconds(c.TimeoutSecs) }

// Timeout returns the service timeout as a duration.
func (c HTTPServer) Timeout() time.Duration { return seconds(c.ServiceTimeoutSecs) }

// Addr returns the listen address for the configured port.
func (c HTTPServer) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Validate reports an unusable HTTP client configuration.
func (c HTTPClient) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("config: http base_url is required")
	}
	return nil
}

func seconds(s uint64) time.Duration {
	return time.Duration(s) * time.Second
}

// LoadFile decodes the TOML file at path into target. Fields absent from the
// file keep the values target already holds, so callers pass defaults in.
func LoadFile(path string, target any) error {
	md, err := toml.DecodeFile(path, target)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config: load %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadFileIfExists is LoadFile for an optional file. A missing file leaves
// target untouched.
func LoadFileIfExists(path string, target any) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return LoadFile(path, target)
}

// ParseEnv overlays MULTILINK_ environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Encode renders v as TOML.
func Encode(v any) (string, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(v); err != nil {
		return "", fmt.Errorf("config: encode: %w", err)
	}
	return b.String(), nil
}
