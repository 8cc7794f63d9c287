package trickle

import (
	"errors"
	"fmt"
	"net/http"
)

// Lifecycle and stream errors.
var (
	ErrPublisherClosed      = errors.New("trickle: publisher closed")
	ErrStreamTerminated     = errors.New("trickle: stream terminated")
	ErrSubscriberTerminated = errors.New("trickle: subscriber terminated")
	ErrAlreadySubscribed    = errors.New("trickle: already subscribed")
	ErrNotSubscribed        = errors.New("trickle: not subscribed")

	// ErrSegmentPending is returned by a SegmentFetcher when the requested
	// segment has not been published yet and the server gave up waiting.
	ErrSegmentPending = errors.New("trickle: segment not yet available")
)

// SendError is the terminal error of a publisher whose retry budget was
// exhausted while sending segment Seq.
type SendError struct {
	Seq      uint64
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("trickle: send segment %d failed after %d attempts: %v", e.Seq, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// GoneError reports that the requested segment was evicted from the
// server's window. Latest is the oldest sequence the server still holds.
type GoneError struct {
	Seq    uint64
	Latest uint64
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("trickle: segment %d is gone, server resumes at %d", e.Seq, e.Latest)
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("trickle: %s %s: %d %s: %s", e.Method, e.URL, e.Code, http.StatusText(e.Code), e.Body)
	}
	return fmt.Sprintf("trickle: %s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// retryable reports whether err is worth another send attempt. Anything
// that is not a definitive rejection from the server is.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
