package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrQueueFull is reported (via diagnostics only) when a record cannot be
	// enqueued because the channel is at capacity.
	ErrQueueFull = errors.New("delivery queue full")
	// ErrStopped is reported when records arrive after shutdown began.
	ErrStopped = errors.New("delivery worker stopped")
)

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("remote returned %d", e.Code)
}

// retryable classifies a send failure.
//
// Transport-level errors (DNS, refused connection, timeout) are retryable.
// For HTTP statuses: 429 and 5xx are retryable; any other 4xx means the
// payload itself was rejected, so retrying cannot help.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests {
			return true
		}
		return se.Code >= 500
	}
	return true
}
