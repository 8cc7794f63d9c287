// Package media defines the frame types that flow through a trickle stream:
// decoded input frames pulled by a subscriber, the output frames a processing
// stage hands to a publisher, and the side data that may accompany either.
//
// Every frame is immutable once constructed. Transformations such as
// WithLogTimestamp return a new frame and leave the receiver untouched.
package media

import (
	"fmt"
	"maps"
)

// Channel buffer sizes used as default queue depths on both sides of a
// stream. Sized to absorb jitter without excessive memory: ~2 seconds of
// video at 30fps, ~2.5s of audio at ~48 frames/s.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// Kind identifies a frame variant. The values double as the wire kind tags
// used by the segment codec.
type Kind uint8

const (
	KindVideo Kind = 1
	KindAudio Kind = 2
)

// String returns "video", "audio", or "kind(N)" for unknown values.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SideData is optional per-frame metadata. A zero-configured SideData from
// NewSideData is skipped and carries no input back-reference.
type SideData struct {
	Skipped bool
	Input   InputFrame
}

// NewSideData returns side data marking that nothing was attached to the frame.
func NewSideData() SideData {
	return SideData{Skipped: true}
}

// SideDataFor returns side data that refers back to the frame which produced it.
func SideDataFor(input InputFrame) SideData {
	return SideData{Skipped: false, Input: input}
}

// Valid reports whether the skipped/input invariant holds.
func (s SideData) Valid() bool {
	return !s.Skipped || s.Input == nil
}

// InputFrame is a decoded frame pulled from a source. The set of
// implementations is closed: *VideoFrame and *AudioFrame.
type InputFrame interface {
	Kind() Kind
	Timestamp() int64
	TimeBase() TimeBase
	// LogTimestamps returns a copy of the instrumentation markers.
	LogTimestamps() map[string]float64
	// SideData returns the attached side data, if any.
	SideData() (SideData, bool)

	inputFrame()
}

// Compile-time interface checks.
var (
	_ InputFrame = (*VideoFrame)(nil)
	_ InputFrame = (*AudioFrame)(nil)
)

// frameHeader holds the fields shared by every input frame.
type frameHeader struct {
	timestamp     int64
	timeBase      TimeBase
	logTimestamps map[string]float64
	sideData      *SideData
}

func newHeader(ts int64, tb TimeBase) (frameHeader, error) {
	if !tb.Valid() {
		return frameHeader{}, ErrInvalidTimeBase
	}
	return frameHeader{
		timestamp:     ts,
		timeBase:      tb,
		logTimestamps: make(map[string]float64),
	}, nil
}

func (h frameHeader) clone() frameHeader {
	c := h
	c.logTimestamps = maps.Clone(h.logTimestamps)
	if h.sideData != nil {
		sd := *h.sideData
		c.sideData = &sd
	}
	return c
}

// Timestamp returns the presentation timestamp in units of TimeBase.
func (h frameHeader) Timestamp() int64 { return h.timestamp }

// TimeBase returns the unit of Timestamp.
func (h frameHeader) TimeBase() TimeBase { return h.timeBase }

// LogTimestamps returns a copy of the latency-tracking timestamps.
func (h frameHeader) LogTimestamps() map[string]float64 {
	return maps.Clone(h.logTimestamps)
}

// SideData returns the attached side data, if any.
func (h frameHeader) SideData() (SideData, bool) {
	if h.sideData == nil {
		return SideData{}, false
	}
	return *h.sideData, true
}

func (frameHeader) inputFrame() {}

func withSideData(h frameHeader, sd SideData) (frameHeader, error) {
	if !sd.Valid() {
		return h, ErrSideDataSkipped
	}
	c := h.clone()
	c.sideData = &sd
	return c, nil
}

// VideoFrame is one decoded picture held as a (channels, height, width) tensor.
type VideoFrame struct {
	frameHeader
	tensor Tensor
}

// NewVideoFrame builds a video frame. The tensor must have rank 3 with all
// dimensions positive.
func NewVideoFrame(tensor Tensor, ts int64, tb TimeBase) (*VideoFrame, error) {
	if tensor.Rank() != 3 || tensor.Dim(0) <= 0 || tensor.Dim(1) <= 0 || tensor.Dim(2) <= 0 {
		return nil, fmt.Errorf("%w: video needs (channels, height, width), got %v", ErrInvalidShape, tensor.shape)
	}
	h, err := newHeader(ts, tb)
	if err != nil {
		return nil, err
	}
	return &VideoFrame{frameHeader: h, tensor: tensor}, nil
}

// VideoFrameFromTensor builds a video frame in DefaultTimeBase.
func VideoFrameFromTensor(tensor Tensor, ts int64) (*VideoFrame, error) {
	return NewVideoFrame(tensor, ts, DefaultTimeBase)
}

// Kind returns KindVideo.
func (f *VideoFrame) Kind() Kind { return KindVideo }

// Tensor returns the picture data.
func (f *VideoFrame) Tensor() Tensor { return f.tensor }

// Channels returns the first tensor dimension.
func (f *VideoFrame) Channels() int { return f.tensor.Dim(0) }

// Height returns the second tensor dimension.
func (f *VideoFrame) Height() int { return f.tensor.Dim(1) }

// Width returns the third tensor dimension.
func (f *VideoFrame) Width() int { return f.tensor.Dim(2) }

// WithLogTimestamp returns a copy of the frame with the marker set.
func (f *VideoFrame) WithLogTimestamp(key string, v float64) *VideoFrame {
	c := &VideoFrame{frameHeader: f.clone(), tensor: f.tensor}
	c.logTimestamps[key] = v
	return c
}

// WithLogTimestamps returns a copy of the frame with every marker in m set.
func (f *VideoFrame) WithLogTimestamps(m map[string]float64) *VideoFrame {
	c := &VideoFrame{frameHeader: f.clone(), tensor: f.tensor}
	maps.Copy(c.logTimestamps, m)
	return c
}

// WithSideData returns a copy of the frame carrying sd.
func (f *VideoFrame) WithSideData(sd SideData) (*VideoFrame, error) {
	h, err := withSideData(f.frameHeader, sd)
	if err != nil {
		return nil, err
	}
	return &VideoFrame{frameHeader: h, tensor: f.tensor}, nil
}

// AudioFrame holds decoded samples, either mono (rank 1) or
// channels × samples (rank 2).
type AudioFrame struct {
	frameHeader
	samples    Tensor
	sampleRate int
}

// NewAudioFrame builds an audio frame.
func NewAudioFrame(samples Tensor, ts int64, tb TimeBase, sampleRate int) (*AudioFrame, error) {
	if samples.Rank() != 1 && samples.Rank() != 2 {
		return nil, fmt.Errorf("%w: audio needs rank 1 or 2, got %v", ErrInvalidShape, samples.shape)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSampleRate, sampleRate)
	}
	h, err := newHeader(ts, tb)
	if err != nil {
		return nil, err
	}
	return &AudioFrame{frameHeader: h, samples: samples, sampleRate: sampleRate}, nil
}

// Kind returns KindAudio.
func (f *AudioFrame) Kind() Kind { return KindAudio }

// Samples returns the sample data.
func (f *AudioFrame) Samples() Tensor { return f.samples }

// SampleRate returns the sample rate in Hz.
func (f *AudioFrame) SampleRate() int { return f.sampleRate }

// Channels returns 1 for mono frames and the leading dimension otherwise.
func (f *AudioFrame) Channels() int {
	if f.samples.Rank() == 1 {
		return 1
	}
	return f.samples.Dim(0)
}

// WithLogTimestamp returns a copy of the frame with the marker set.
func (f *AudioFrame) WithLogTimestamp(key string, v float64) *AudioFrame {
	c := &AudioFrame{frameHeader: f.clone(), samples: f.samples, sampleRate: f.sampleRate}
	c.logTimestamps[key] = v
	return c
}

// WithLogTimestamps returns a copy of the frame with every marker in m set.
func (f *AudioFrame) WithLogTimestamps(m map[string]float64) *AudioFrame {
	c := &AudioFrame{frameHeader: f.clone(), samples: f.samples, sampleRate: f.sampleRate}
	maps.Copy(c.logTimestamps, m)
	return c
}

// WithSideData returns a copy of the frame carrying sd.
func (f *AudioFrame) WithSideData(sd SideData) (*AudioFrame, error) {
	h, err := withSideData(f.frameHeader, sd)
	if err != nil {
		return nil, err
	}
	return &AudioFrame{frameHeader: h, samples: f.samples, sampleRate: f.sampleRate}, nil
}
