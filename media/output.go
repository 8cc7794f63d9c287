package media

import "fmt"

// OutputFrame is a frame produced by a processing stage, correlated with the
// request that produced it. The set of implementations is closed:
// *VideoOutput and *AudioOutput.
type OutputFrame interface {
	Kind() Kind
	RequestID() string
	// Frames returns the input frames carried by this output, in order.
	Frames() []InputFrame

	outputFrame()
}

// Compile-time interface checks.
var (
	_ OutputFrame = (*VideoOutput)(nil)
	_ OutputFrame = (*AudioOutput)(nil)
)

// VideoOutput wraps exactly one video frame.
type VideoOutput struct {
	frame     *VideoFrame
	requestID string
}

// NewVideoOutput wraps frame for the given request.
func NewVideoOutput(frame *VideoFrame, requestID string) (*VideoOutput, error) {
	if frame == nil {
		return nil, ErrNilFrame
	}
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}
	return &VideoOutput{frame: frame, requestID: requestID}, nil
}

// Kind returns KindVideo.
func (o *VideoOutput) Kind() Kind { return KindVideo }

// RequestID returns the request the output belongs to.
func (o *VideoOutput) RequestID() string { return o.requestID }

// Frame returns the wrapped video frame.
func (o *VideoOutput) Frame() *VideoFrame { return o.frame }

// Tensor returns the picture data of the wrapped frame.
func (o *VideoOutput) Tensor() Tensor { return o.frame.Tensor() }

// Timestamp returns the wrapped frame's timestamp.
func (o *VideoOutput) Timestamp() int64 { return o.frame.Timestamp() }

// TimeBase returns the wrapped frame's time base.
func (o *VideoOutput) TimeBase() TimeBase { return o.frame.TimeBase() }

// Frames returns the wrapped frame as a one-element slice, ready for
// segment encoding.
func (o *VideoOutput) Frames() []InputFrame { return []InputFrame{o.frame} }

func (*VideoOutput) outputFrame() {}

// AudioOutput wraps zero or more audio frames ordered by non-decreasing
// timestamp. One audio output may batch several frames at a different
// granularity than video.
type AudioOutput struct {
	frames    []*AudioFrame
	requestID string
}

// NewAudioOutput wraps frames for the given request.
func NewAudioOutput(frames []*AudioFrame, requestID string) (*AudioOutput, error) {
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}
	for i, f := range frames {
		if f == nil {
			return nil, fmt.Errorf("%w: audio frame %d", ErrNilFrame, i)
		}
		if i > 0 && f.Timestamp() < frames[i-1].Timestamp() {
			return nil, fmt.Errorf("%w: frame %d has %d after %d", ErrUnorderedAudio, i, f.Timestamp(), frames[i-1].Timestamp())
		}
	}
	owned := make([]*AudioFrame, len(frames))
	copy(owned, frames)
	return &AudioOutput{frames: owned, requestID: requestID}, nil
}

// Kind returns KindAudio.
func (o *AudioOutput) Kind() Kind { return KindAudio }

// RequestID returns the request the output belongs to.
func (o *AudioOutput) RequestID() string { return o.requestID }

// AudioFrames returns the wrapped frames. The result is never nil.
func (o *AudioOutput) AudioFrames() []*AudioFrame {
	out := make([]*AudioFrame, len(o.frames))
	copy(out, o.frames)
	return out
}

// Len returns the number of wrapped frames.
func (o *AudioOutput) Len() int { return len(o.frames) }

// Frames returns the wrapped frames as input frames, in order.
func (o *AudioOutput) Frames() []InputFrame {
	out := make([]InputFrame, len(o.frames))
	for i, f := range o.frames {
		out[i] = f
	}
	return out
}

func (*AudioOutput) outputFrame() {}
