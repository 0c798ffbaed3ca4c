package middleware

import (
	"time"

	"github.com/felixgeelhaar/multilink/service"
)

// Timeout returns middleware that bounds the wait for a call's first
// outcome. See service.WithTimeout; a non-positive d disables it.
func Timeout[Req, Resp any](d time.Duration) Middleware[Req, Resp] {
	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.WithTimeout(next, d)
	}
}
