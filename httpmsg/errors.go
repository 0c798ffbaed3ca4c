package httpmsg

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/multilink/protocol"
)

// maxErrorBody bounds how much of a failed response body is read.
const maxErrorBody = 64 * 1024

// StatusFor maps an error type to an HTTP status.
func StatusFor(t protocol.ErrorType) int {
	switch t {
	case protocol.ErrorNotFound:
		return http.StatusNotFound
	case protocol.ErrorMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case protocol.ErrorBadRequest:
		return http.StatusBadRequest
	case protocol.ErrorUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// TypeForStatus maps an HTTP status back to an error type.
func TypeForStatus(status int) protocol.ErrorType {
	switch status {
	case http.StatusNotFound:
		return protocol.ErrorNotFound
	case http.StatusMethodNotAllowed:
		return protocol.ErrorMethodNotAllowed
	case http.StatusUnauthorized, http.StatusForbidden:
		return protocol.ErrorUnauthorized
	default:
		if status >= 400 && status < 500 {
			return protocol.ErrorBadRequest
		}
		return protocol.ErrorInternal
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes err as a JSON error body with the status its type maps to.
func WriteError(w http.ResponseWriter, err error) int {
	status := StatusFor(protocol.TypeOf(err))
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
	return status
}

// ReadError turns a non-2xx response into a ProtocolError typed after its
// status. It consumes and closes the body.
func ReadError(resp *http.Response) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(data))
	var body errorBody
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return protocol.NewProtocolError(TypeForStatus(resp.StatusCode), errors.New(msg))
}
