package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felixgeelhaar/multilink/httpmsg"
	"github.com/felixgeelhaar/multilink/middleware"
	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// acceptModal tells the server both response shapes are understood.
const acceptModal = httpmsg.ContentTypeJSON + ", " + httpmsg.ContentTypeEventStream

// HTTPClient calls an HTTP server, one HTTP request per call. A response
// with an event stream content type becomes a streamed response whose
// elements are decoded as events arrive; any other successful response is
// a single value. Failed statuses become protocol errors typed after the
// status.
type HTTPClient[Req, Resp any] struct {
	baseURL *url.URL
	conv    httpmsg.Converter[Req, Resp]
	client  *http.Client
	apiKey  string
	header  http.Header
	buffer  int
	logger  middleware.Logger
	svc     service.Service[Req, Resp]
}

// NewHTTPClient returns a client for the server at baseURL.
func NewHTTPClient[Req, Resp any](baseURL string, conv httpmsg.Converter[Req, Resp], opts ...Option) (*HTTPClient[Req, Resp], error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("client: empty base URL")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL %q: scheme must be http or https", baseURL)
	}

	o := buildOptions(opts)
	c := &HTTPClient[Req, Resp]{
		baseURL: u,
		conv:    conv,
		client:  o.httpClient,
		apiKey:  o.apiKey,
		header:  o.header,
		buffer:  o.streamBuffer,
		logger:  o.logger,
	}
	c.svc = service.WithTimeout[Req, Resp](service.Func[Req, Resp](c.call), o.timeout)
	return c, nil
}

// Call performs one HTTP request for req. The context bounds the wait for
// the response headers and, for a single response, its body. A stream
// outlives ctx; close it to abort the request.
func (c *HTTPClient[Req, Resp]) Call(ctx context.Context, req Req) (*service.Response[Resp], error) {
	return c.svc.Call(ctx, req)
}

// BaseURL returns the URL requests are resolved against.
func (c *HTTPClient[Req, Resp]) BaseURL() *url.URL {
	return c.baseURL
}

// Close releases idle connections.
func (c *HTTPClient[Req, Resp]) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient[Req, Resp]) call(ctx context.Context, req Req) (*service.Response[Resp], error) {
	httpReq, err := c.conv.RequestToHTTP(req, c.baseURL)
	if err != nil {
		return nil, protocol.ConversionError(err)
	}
	if httpReq == nil {
		return nil, protocol.ConversionError(errors.New("converter returned no request"))
	}

	// The request runs on a context detached from ctx so an established
	// stream survives the caller's deadline. Until then ctx still aborts it.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	httpReq = httpReq.WithContext(reqCtx)
	c.decorate(ctx, httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		stop()
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", protocol.ErrTransportClosed, httpReq.Method, httpReq.URL.Redacted(), err)
	}

	convert := func(v json.RawMessage) (Resp, error) {
		out, err := c.conv.ResponseFromHTTP(v, req)
		if err != nil {
			return out, protocol.ConversionError(err)
		}
		return out, nil
	}

	streaming := resp.StatusCode >= 200 && resp.StatusCode <= 299 &&
		httpmsg.IsEventStream(resp.Header.Get("Content-Type"))

	if !streaming {
		modal, err := httpmsg.ReadModal(resp, c.buffer, cancel)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		out, err := convert(modal.Value())
		if err != nil {
			return nil, err
		}
		return service.Single(out), nil
	}

	if !stop() {
		_ = resp.Body.Close()
		cancel()
		return nil, ctx.Err()
	}
	modal, err := httpmsg.ReadModal(resp, c.buffer, cancel)
	if err != nil {
		return nil, err
	}
	return service.Multiple(service.Map(modal.Stream(), c.buffer, convert)), nil
}

// decorate adds authentication, correlation and trace headers.
func (c *HTTPClient[Req, Resp]) decorate(ctx context.Context, r *http.Request) {
	for k, vs := range c.header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if c.apiKey != "" {
		r.Header.Set(httpmsg.HeaderAPIKey, c.apiKey)
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", acceptModal)
	}
	requestID := middleware.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	r.Header.Set(httpmsg.HeaderRequestID, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
}
