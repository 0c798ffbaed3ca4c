package httpmsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/felixgeelhaar/multilink/protocol"
)

// DefaultMaxBodyBytes bounds request bodies read by ParseJSON.
const DefaultMaxBodyBytes = 4 << 20

// NewJSONRequest builds a request to path, resolved against baseURL, with v
// encoded as its JSON body. A nil v sends no body.
func NewJSONRequest(baseURL *url.URL, method, path string, v any) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorInternal, fmt.Errorf("%w: path %q: %v", protocol.ErrConversion, path, err))
	}
	target := baseURL.ResolveReference(ref)

	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, protocol.NewProtocolError(protocol.ErrorInternal, fmt.Errorf("%w: %v", protocol.ErrConversion, err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, target.String(), body)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorInternal, err)
	}
	if v != nil {
		req.Header.Set("Content-Type", ContentTypeJSON)
	}
	return req, nil
}

// ParseJSON decodes the request body into T. A body that cannot be read is
// an internal error; one that is too large or does not decode is a bad
// request.
func ParseJSON[T any](r *http.Request) (T, error) {
	var v T
	data, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return v, protocol.NewProtocolError(protocol.ErrorBadRequest, err)
		}
		return v, protocol.NewProtocolError(protocol.ErrorInternal, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, protocol.NewProtocolError(protocol.ErrorBadRequest, fmt.Errorf("%w: %v", protocol.ErrConversion, err))
	}
	return v, nil
}

// ValidateMethod fails with a method-not-allowed error when r does not use
// the expected method.
func ValidateMethod(r *http.Request, method string) error {
	if r.Method != method {
		return protocol.GenericError(protocol.ErrorMethodNotAllowed)
	}
	return nil
}

// NotFound is returned by converters for paths they do not serve.
func NotFound(r *http.Request) error {
	return protocol.NewProtocolError(protocol.ErrorNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
}
