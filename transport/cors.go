package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/multilink/httpmsg"
)

// CORSConfig configures CORS behavior for the HTTP server.
type CORSConfig struct {
	// AllowOrigins is a list of origins that are allowed.
	// Use "*" to allow all origins, or specify exact origins.
	AllowOrigins []string

	// AllowMethods is a list of allowed HTTP methods.
	// Default: GET, POST, OPTIONS
	AllowMethods []string

	// AllowHeaders is a list of allowed request headers.
	// Default: Content-Type, Authorization, X-API-Key, X-Request-ID
	AllowHeaders []string

	// ExposeHeaders is a list of headers the browser is allowed to access.
	// Default: X-Request-ID
	ExposeHeaders []string

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool

	// MaxAge indicates how long preflight results can be cached (in seconds).
	// Default: 86400 (24 hours)
	MaxAge int
}

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", httpmsg.HeaderAPIKey, httpmsg.HeaderRequestID}
)

// DefaultCORSConfig returns a permissive CORS configuration suitable for development.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  defaultCORSMethods,
		AllowHeaders:  defaultCORSHeaders,
		ExposeHeaders: []string{httpmsg.HeaderRequestID},
		MaxAge:        86400,
	}
}

// CORSHandler wraps an http.Handler with CORS support.
func CORSHandler(config CORSConfig, next http.Handler) http.Handler {
	if len(config.AllowMethods) == 0 {
		config.AllowMethods = defaultCORSMethods
	}
	if len(config.AllowHeaders) == 0 {
		config.AllowHeaders = defaultCORSHeaders
	}
	if len(config.ExposeHeaders) == 0 {
		config.ExposeHeaders = []string{httpmsg.HeaderRequestID}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 86400
	}

	allowAllOrigins := len(config.AllowOrigins) == 1 && config.AllowOrigins[0] == "*"
	allowedOrigins := make(map[string]bool)
	for _, origin := range config.AllowOrigins {
		allowedOrigins[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		var allowOrigin string
		if allowAllOrigins {
			allowOrigin = "*"
		} else if origin != "" && allowedOrigins[origin] {
			allowOrigin = origin
			w.Header().Add("Vary", "Origin")
		}

		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			if config.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			// Preflight requests never reach the service.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowMethods, ", "))
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowHeaders, ", "))
				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposeHeaders, ", "))
		}

		next.ServeHTTP(w, r)
	})
}

// WithCORS configures CORS for the HTTP server.
func WithCORS(config CORSConfig) HTTPOption {
	return func(c *httpConfig) {
		c.cors = &config
	}
}

// WithDefaultCORS enables CORS with default permissive settings.
func WithDefaultCORS() HTTPOption {
	config := DefaultCORSConfig()
	return func(c *httpConfig) {
		c.cors = &config
	}
}
