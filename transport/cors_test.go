package transport_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felixgeelhaar/multilink/testutil"
	"github.com/felixgeelhaar/multilink/transport"
)

func TestCORSHandler(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		config     transport.CORSConfig
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantHeader map[string]string
	}{
		{
			name:       "wildcard origin",
			config:     transport.CORSConfig{AllowOrigins: []string{"*"}},
			method:     http.MethodPost,
			origin:     "http://example.com",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin":   "*",
				"Access-Control-Expose-Headers": "X-Request-ID",
			},
		},
		{
			name:       "listed origin",
			config:     transport.CORSConfig{AllowOrigins: []string{"http://allowed.com", "http://also-allowed.com"}},
			method:     http.MethodPost,
			origin:     "http://allowed.com",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin": "http://allowed.com",
				"Vary":                        "Origin",
			},
		},
		{
			name:       "unlisted origin",
			config:     transport.CORSConfig{AllowOrigins: []string{"http://allowed.com"}},
			method:     http.MethodPost,
			origin:     "http://notallowed.com",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin": "",
			},
		},
		{
			name: "preflight",
			config: transport.CORSConfig{
				AllowOrigins: []string{"*"},
				AllowMethods: []string{"GET", "POST", "DELETE"},
				AllowHeaders: []string{"Content-Type", "X-Custom-Header"},
				MaxAge:       3600,
			},
			method:     http.MethodOptions,
			origin:     "http://example.com",
			preflight:  true,
			wantStatus: http.StatusNoContent,
			wantHeader: map[string]string{
				"Access-Control-Allow-Methods": "GET, POST, DELETE",
				"Access-Control-Allow-Headers": "Content-Type, X-Custom-Header",
				"Access-Control-Max-Age":       "3600",
			},
		},
		{
			name:       "preflight defaults",
			config:     transport.CORSConfig{AllowOrigins: []string{"*"}},
			method:     http.MethodOptions,
			origin:     "http://example.com",
			preflight:  true,
			wantStatus: http.StatusNoContent,
			wantHeader: map[string]string{
				"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, Authorization, X-API-Key, X-Request-ID",
				"Access-Control-Max-Age":       "86400",
			},
		},
		{
			name:       "plain options request",
			config:     transport.CORSConfig{AllowOrigins: []string{"*"}},
			method:     http.MethodOptions,
			origin:     "http://example.com",
			wantStatus: http.StatusOK,
		},
		{
			name: "credentials and exposed headers",
			config: transport.CORSConfig{
				AllowOrigins:     []string{"http://example.com"},
				AllowCredentials: true,
				ExposeHeaders:    []string{"X-Custom-Response", "X-Request-ID"},
			},
			method:     http.MethodGet,
			origin:     "http://example.com",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{
				"Access-Control-Allow-Credentials": "true",
				"Access-Control-Expose-Headers":    "X-Custom-Response, X-Request-ID",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := transport.CORSHandler(tt.config, okHandler)

			req := httptest.NewRequest(tt.method, "/test", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			for k, want := range tt.wantHeader {
				if got := rec.Header().Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestDefaultCORSConfig(t *testing.T) {
	config := transport.DefaultCORSConfig()

	if len(config.AllowOrigins) != 1 || config.AllowOrigins[0] != "*" {
		t.Error("expected AllowOrigins to be ['*']")
	}
	if len(config.AllowMethods) != 3 {
		t.Error("expected 3 default methods")
	}
	if config.MaxAge != 86400 {
		t.Errorf("expected MaxAge 86400, got %d", config.MaxAge)
	}
}

func TestHTTPServer_CORS(t *testing.T) {
	srv := transport.NewHTTPServer(":0", testutil.EchoService(), testutil.EchoConverter{}, transport.WithDefaultCORS())
	handler := srv.Handler()

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/echo", nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Origin", "http://example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("allow origin = %q", got)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("expected a request id header")
		}
	})
}
