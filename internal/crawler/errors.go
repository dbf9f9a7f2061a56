package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned by stores when a key has no value.
var ErrNotFound = errors.New("not found")

// ErrQueueClosed is returned by queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// ErrQueueFull is returned by non-blocking enqueues when no slot is free.
var ErrQueueFull = errors.New("queue full")

// ErrInvalidRequest marks a request that can never succeed (bad URL, bad method).
var ErrInvalidRequest = errors.New("invalid request")

// HTTPError is returned when the server answered with a status the caller
// did not accept.
type HTTPError struct {
	StatusCode int
	URL        string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d for %s", e.StatusCode, e.URL)
}

// RetryAfter parses the Retry-After header as seconds, returning zero when absent.
func (e *HTTPError) RetryAfter() time.Duration {
	if e == nil || e.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(e.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// StatusCode extracts the HTTP status from err, or zero.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
