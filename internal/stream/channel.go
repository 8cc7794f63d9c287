package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/trickle/metrics"
)

// DefaultWindowSize is the number of trailing sequence numbers a channel
// retains for late or resuming subscribers.
const DefaultWindowSize = 16

var (
	// ErrConflict is returned by Put when a different segment was already
	// stored under the same sequence number.
	ErrConflict = errors.New("stream: conflicting segment for sequence")

	// ErrClosed is returned once a channel has been removed.
	ErrClosed = errors.New("stream: channel closed")

	// ErrStale is returned by Put for a sequence below the window when the
	// caller is not the session that published the current stream.
	ErrStale = errors.New("stream: sequence below retention window")
)

// GoneError reports a Get for a sequence that fell out of the window.
// Oldest is the lowest sequence still retained.
type GoneError struct {
	Seq    uint64
	Oldest uint64
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("stream: segment %d evicted, oldest retained is %d", e.Seq, e.Oldest)
}

// PutResult says what Put did with a segment.
type PutResult int

const (
	// Stored means the segment was added to the window.
	Stored PutResult = iota
	// Duplicate means the identical bytes were already stored.
	Duplicate
	// Stale means the owning session resent a sequence that has since
	// been evicted.
	Stale
)

// String returns the lower-case result name used in logs.
func (r PutResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("PutResult(%d)", int(r))
	}
}

// Channel is an addressable window of segments published under one name.
// Readers block in Get until the requested sequence arrives.
type Channel struct {
	Name      string
	CreatedAt time.Time

	log     *slog.Logger
	metrics *metrics.Metrics
	window  uint64

	mu       sync.Mutex
	segments map[uint64][]byte
	next     uint64 // one past the highest sequence stored
	eos      bool
	closed   bool
	// session identifies the publisher of the current stream. Empty
	// until the first segment is stored.
	session string
	// notify is closed and replaced whenever a segment is stored or the
	// channel closes.
	notify chan struct{}
}

func newChannel(name string, window int, log *slog.Logger, m *metrics.Metrics) *Channel {
	return &Channel{
		Name:      name,
		CreatedAt: time.Now(),
		log:       log.With("channel", name),
		metrics:   m,
		window:    uint64(window),
		segments:  make(map[uint64][]byte),
		notify:    make(chan struct{}),
	}
}

// floor is the lowest sequence inside the window. Callers hold mu.
func (c *Channel) floor() uint64 {
	if c.next <= c.window {
		return 0
	}
	return c.next - c.window
}

// Put stores data under seq. eos marks the end-of-stream segment and
// session identifies the publisher; it may be empty.
//
// While a stream is live, segments from a different session are refused.
// Once it has ended, a segment from any other session starts a new stream
// in the same channel and the old segments are dropped. A session-less
// resend of a segment still retained is not a new stream.
func (c *Channel) Put(seq uint64, data []byte, eos bool, session string) (PutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.eos && !c.ownedBy(session) && !(session == "" && c.holds(seq, data)) {
		c.restart(session)
	}
	if session != "" && c.session != "" && session != c.session {
		c.log.Warn("rejecting segment from another session", "seq", seq, "session", session, "owner", c.session)
		return 0, fmt.Errorf("%w %d: channel is published by another session", ErrConflict, seq)
	}
	if prev, ok := c.segments[seq]; ok {
		if c.holds(seq, data) {
			return Duplicate, nil
		}
		c.log.Warn("rejecting conflicting segment", "seq", seq, "stored_bytes", len(prev), "bytes", len(data), "session", session)
		return 0, fmt.Errorf("%w %d", ErrConflict, seq)
	}
	if floor := c.floor(); seq < floor {
		if c.ownedBy(session) {
			return Stale, nil
		}
		c.log.Warn("rejecting segment below window", "seq", seq, "oldest", floor, "session", session)
		return 0, fmt.Errorf("%w: sequence %d, oldest retained %d", ErrStale, seq, floor)
	}

	if len(c.segments) == 0 && c.next == 0 {
		c.session = session
	}
	c.segments[seq] = data
	if seq >= c.next {
		c.next = seq + 1
	}
	if eos {
		c.eos = true
		c.log.Info("end of stream stored", "seq", seq)
	}
	floor := c.floor()
	for s := range c.segments {
		if s < floor {
			delete(c.segments, s)
			c.metrics.RecordSegmentEvicted()
		}
	}

	c.wake()
	return Stored, nil
}

// ownedBy reports whether session published the current stream. An empty
// session proves nothing. Callers hold mu.
func (c *Channel) ownedBy(session string) bool {
	return session != "" && session == c.session
}

// holds reports whether data is already stored under seq. Callers hold mu.
func (c *Channel) holds(seq uint64, data []byte) bool {
	prev, ok := c.segments[seq]
	return ok && bytes.Equal(prev, data)
}

// restart drops the ended stream so a new publisher starts from an empty
// window. Callers hold mu.
func (c *Channel) restart(session string) {
	c.log.Info("new stream replaces ended stream", "previous_next", c.next, "session", session)
	for s := range c.segments {
		delete(c.segments, s)
		c.metrics.RecordSegmentEvicted()
	}
	c.next = 0
	c.eos = false
	c.session = session
	c.wake()
}

// wake releases every Get waiting on the current notify channel. Callers
// hold mu.
func (c *Channel) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Get returns the segment stored under seq, waiting for it until ctx is
// done. A sequence below the window yields a *GoneError.
func (c *Channel) Get(ctx context.Context, seq uint64) ([]byte, error) {
	for {
		c.mu.Lock()
		if data, ok := c.segments[seq]; ok {
			c.mu.Unlock()
			return data, nil
		}
		if floor := c.floor(); seq < floor {
			c.mu.Unlock()
			return nil, &GoneError{Seq: seq, Oldest: floor}
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes all waiting readers with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

// ChannelInfo is a snapshot of a channel for the listing API.
type ChannelInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Retained  int       `json:"retained"`
	Oldest    uint64    `json:"oldest"`
	Next      uint64    `json:"next"`
	EOS       bool      `json:"eos"`
}

// Info returns a snapshot of the channel window.
func (c *Channel) Info() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		Name:      c.Name,
		CreatedAt: c.CreatedAt,
		Retained:  len(c.segments),
		Oldest:    c.floor(),
		Next:      c.next,
		EOS:       c.eos,
	}
}
