package transport

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrTransport matches every upload failure reported by the transport.
	ErrTransport = errors.New("transport error")
	// ErrInvalidOptions is returned before any request is sent.
	ErrInvalidOptions = errors.New("invalid upload options")
)

// NetworkError is a connection-level failure with no HTTP response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string        { return "Network Error" }
func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrTransport }

// TimeoutError is returned when the upload exceeds Options.Timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string        { return "Upload Timed Out" }
func (e *TimeoutError) Is(target error) bool { return target == ErrTransport }

// HTTPError is a completed request with a non-2xx status.
type HTTPError struct {
	Status int
	Reason string
}

func (e *HTTPError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = strconv.Itoa(e.Status)
	}
	return "Upload failed: " + reason
}

func (e *HTTPError) Is(target error) bool { return target == ErrTransport }
