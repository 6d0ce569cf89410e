package middleware

import (
	"net/http"
	"time"
)

// Timeout wraps a handler with an http.TimeoutHandler, bounding how long a
// single request may run before the server gives up and responds on its
// behalf with the standard error envelope.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"SPECIALIST_TIMEOUT","detail":"request timeout"}`)
	}
}
