package segment

import (
	"errors"
	"fmt"
)

// Sentinel errors for segment decoding. Callers distinguish failure modes
// with errors.Is; every decode failure wraps exactly one of the first three.
var (
	ErrMalformedSegment     = errors.New("segment: malformed segment")
	ErrUnsupportedFrameKind = errors.New("segment: unsupported frame kind")
	ErrTruncatedPayload     = errors.New("segment: truncated payload")

	ErrEmptySegment = errors.New("segment: no frames to encode")
	ErrTooLarge     = errors.New("segment: exceeds maximum size")
)

// DecodeError records which field was being decoded when a segment was
// rejected. It wraps one of the sentinel errors.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("segment: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(field, format string, args ...any) error {
	return &DecodeError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformedSegment}, args...)...)}
}

func truncated(field string, want, have int) error {
	return &DecodeError{Field: field, Err: fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedPayload, want, have)}
}
