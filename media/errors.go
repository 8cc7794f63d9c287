package media

import "errors"

// Sentinel errors returned by the frame constructors.
var (
	ErrInvalidShape      = errors.New("media: invalid tensor shape")
	ErrInvalidTimeBase   = errors.New("media: time base denominator must be non-zero")
	ErrInvalidSampleRate = errors.New("media: sample rate must be positive")
	ErrNilFrame          = errors.New("media: nil frame")
	ErrEmptyRequestID    = errors.New("media: request id must not be empty")
	ErrUnorderedAudio    = errors.New("media: audio frames out of timestamp order")
	ErrSideDataSkipped   = errors.New("media: skipped side data must not carry an input frame")
)
