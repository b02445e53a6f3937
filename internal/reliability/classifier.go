// Package reliability classifies failures from the voice server and the
// local recognizer.
package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether the voice server may succeed on a
// later attempt: timeouts, throttling and upstream failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRestartableRecognizerError reports whether a recognizer error code only
// means the listener timed out or dropped and can be relaunched.
func IsRestartableRecognizerError(code string) bool {
	switch code {
	case "no-speech", "aborted", "network":
		return true
	default:
		return false
	}
}

// TransportErrorKind labels a failure that happened before any response
// arrived: "timeout", "canceled" or "network".
func TransportErrorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "network"
}

// ExponentialBackoff doubles base per attempt and never exceeds ceiling.
func ExponentialBackoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return min(base, ceiling)
	}
	if attempt >= 32 || base > ceiling>>attempt {
		return ceiling
	}
	return base << attempt
}
