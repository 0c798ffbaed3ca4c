// Package httpmsg is the HTTP side of the conversion boundary: the
// converter contracts callers implement, the modal response the HTTP
// transports exchange, and the helpers for JSON bodies and server-sent
// event streams.
package httpmsg

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/felixgeelhaar/multilink/service"
)

// Header and media type names used on the HTTP wire.
const (
	HeaderAPIKey           = "X-API-Key"
	HeaderRequestID        = "X-Request-ID"
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

// ModalResponse is the HTTP rendition of a service response: a single JSON
// body, or a stream of JSON payloads sent as server-sent events.
type ModalResponse = service.Response[json.RawMessage]

// RequestConverter translates caller-defined requests to and from HTTP
// requests. RequestToHTTP resolves its path against baseURL; the client
// sets the context and authentication headers.
type RequestConverter[Req any] interface {
	RequestFromHTTP(r *http.Request) (Req, error)
	RequestToHTTP(req Req, baseURL *url.URL) (*http.Request, error)
}

// ResponseConverter translates caller-defined responses to and from HTTP
// payloads. A single response is one JSON body; a streamed response uses the
// same conversion for each event payload.
type ResponseConverter[Req, Resp any] interface {
	ResponseFromHTTP(payload json.RawMessage, original Req) (Resp, error)
	ResponseToHTTP(resp Resp) (json.RawMessage, error)
}

// Converter is the full HTTP conversion boundary for one request and
// response type pair.
type Converter[Req, Resp any] interface {
	RequestConverter[Req]
	ResponseConverter[Req, Resp]
}
