package trickle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/metrics"
)

// Subscriber defaults.
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxAttempts  = 5
)

// DefaultReconnectBackoff is the subscriber's delay schedule between
// reconnect attempts.
var DefaultReconnectBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}

// SubscriberState is the connection state of a Subscriber.
type SubscriberState int32

const (
	SubscriberDisconnected SubscriberState = iota
	SubscriberConnecting
	SubscriberStreaming
	SubscriberReconnecting
)

// String returns the lower-case state name.
func (s SubscriberState) String() string {
	switch s {
	case SubscriberDisconnected:
		return "disconnected"
	case SubscriberConnecting:
		return "connecting"
	case SubscriberStreaming:
		return "streaming"
	case SubscriberReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("SubscriberState(%d)", int32(s))
	}
}

// SubscriberConfig configures a Subscriber. Zero fields take defaults.
type SubscriberConfig struct {
	// Fetcher defaults to an HTTPTransport.
	Fetcher SegmentFetcher

	// ReadAhead bounds the decoded frames buffered ahead of Next.
	ReadAhead int

	// FetchTimeout bounds each fetch request.
	FetchTimeout time.Duration

	// MaxAttempts is the number of failed reconnect attempts tolerated
	// before the stream is terminated.
	MaxAttempts int
	Backoff     Backoff

	// StartSeq is the first sequence to fetch. Defaults to 0.
	StartSeq *uint64

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (c *SubscriberConfig) setDefaults() {
	if c.Fetcher == nil {
		c.Fetcher = NewHTTPTransport(nil)
	}
	if c.ReadAhead <= 0 {
		c.ReadAhead = media.VideoBufferSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	c.Backoff = c.Backoff.orDefault(DefaultReconnectBackoff)
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// SubscriberStats is a snapshot of subscriber counters.
type SubscriberStats struct {
	SegmentsReceived uint64
	SegmentsDropped  uint64
	SegmentsSkipped  uint64
	FramesReceived   uint64
	Reconnects       uint64
}

// Subscriber fetches segments in sequence order and yields their frames.
// All methods are safe for concurrent use.
type Subscriber struct {
	cfg SubscriberConfig
	log *slog.Logger

	mu         sync.Mutex
	subscribed bool
	terminated bool
	cancel     context.CancelFunc

	frames chan media.InputFrame
	unsub  chan struct{} // closed by Unsubscribe
	done   chan struct{} // closed when the fetch loop exits

	// endErr is written by the fetch loop before it closes frames.
	endErr error

	state     atomic.Int32
	lastAcked atomic.Uint64
	hasAcked  atomic.Bool

	segmentsReceived atomic.Uint64
	segmentsDropped  atomic.Uint64
	segmentsSkipped  atomic.Uint64
	framesReceived   atomic.Uint64
	reconnects       atomic.Uint64
}

// NewSubscriber creates a disconnected subscriber.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	cfg.setDefaults()
	return &Subscriber{
		cfg:    cfg,
		log:    cfg.Log.With("component", "subscriber"),
		frames: make(chan media.InputFrame, cfg.ReadAhead),
		unsub:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

// LastAcked returns the last sequence whose frames were all buffered.
func (s *Subscriber) LastAcked() (uint64, bool) {
	return s.lastAcked.Load(), s.hasAcked.Load()
}

// Stats returns a snapshot of the subscriber counters.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		SegmentsReceived: s.segmentsReceived.Load(),
		SegmentsDropped:  s.segmentsDropped.Load(),
		SegmentsSkipped:  s.segmentsSkipped.Load(),
		FramesReceived:   s.framesReceived.Load(),
		Reconnects:       s.reconnects.Load(),
	}
}

// Subscribe starts the fetch loop against ep. The loop runs until the
// stream ends, the reconnect budget is exhausted, ctx is done or
// Unsubscribe is called.
func (s *Subscriber) Subscribe(ctx context.Context, ep Endpoint) error {
	if ep.URL == "" {
		return errors.New("trickle: subscriber endpoint URL is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrSubscriberTerminated
	}
	if s.subscribed {
		return ErrAlreadySubscribed
	}
	s.subscribed = true

	ctx, s.cancel = context.WithCancel(ctx)
	var start uint64
	if s.cfg.StartSeq != nil {
		start = *s.cfg.StartSeq
	}
	s.log = s.log.With("url", ep.URL)
	if ep.Session != "" {
		s.log = s.log.With("session", ep.Session)
	}
	s.state.Store(int32(SubscriberConnecting))
	go s.run(ctx, ep, start)
	return nil
}

// Unsubscribe stops the fetch loop and waits for it to exit. Pending and
// later Next calls return ErrSubscriberTerminated. It is idempotent.
func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	close(s.unsub)
	subscribed := s.subscribed
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if subscribed {
		<-s.done
	}
	s.state.Store(int32(SubscriberDisconnected))
	return nil
}

// Next returns the next frame, blocking until one is buffered. It returns
// io.EOF after the end-of-stream marker, an error wrapping
// ErrStreamTerminated after the reconnect budget is exhausted, and
// ErrSubscriberTerminated after Unsubscribe.
func (s *Subscriber) Next(ctx context.Context) (media.InputFrame, error) {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()
	if !subscribed {
		select {
		case <-s.unsub:
			return nil, ErrSubscriberTerminated
		default:
			return nil, ErrNotSubscribed
		}
	}

	select {
	case <-s.unsub:
		return nil, ErrSubscriberTerminated
	default:
	}

	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, s.endErr
		}
		s.cfg.Metrics.SetReadAheadDepth(len(s.frames))
		return f, nil
	case <-s.unsub:
		return nil, ErrSubscriberTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All returns an iterator over the remaining frames. Iteration stops
// silently at end of stream and yields the terminal error otherwise.
func (s *Subscriber) All(ctx context.Context) iter.Seq2[media.InputFrame, error] {
	return func(yield func(media.InputFrame, error) bool) {
		for {
			f, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// run is the fetch loop.
func (s *Subscriber) run(ctx context.Context, ep Endpoint, seq uint64) {
	defer close(s.done)

	err := s.fetchLoop(ctx, ep, seq)
	if ctx.Err() != nil && !errors.Is(err, io.EOF) {
		err = ErrSubscriberTerminated
	}
	s.endErr = err
	s.state.Store(int32(SubscriberDisconnected))
	close(s.frames)
}

func (s *Subscriber) fetchLoop(ctx context.Context, ep Endpoint, seq uint64) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		data, err := s.cfg.Fetcher.FetchSegment(fetchCtx, ep, seq)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrSegmentPending) {
				// Fetchers that answer pending without waiting are polled
				// no faster than the initial backoff.
				if err := sleep(ctx, s.cfg.Backoff.Initial-time.Since(started)); err != nil {
					return err
				}
				continue
			}
			var gone *GoneError
			if errors.As(err, &gone) && gone.Latest > seq {
				skipped := gone.Latest - seq
				s.log.Warn("segments evicted before fetch, skipping ahead", "from", seq, "to", gone.Latest, "skipped", skipped)
				s.segmentsSkipped.Add(skipped)
				s.cfg.Metrics.RecordSegmentsSkipped(skipped)
				seq = gone.Latest
				continue
			}

			if s.State() != SubscriberReconnecting {
				s.state.Store(int32(SubscriberReconnecting))
				failures = 0
				s.log.Warn("fetch failed, reconnecting", "seq", seq, "error", err)
			} else {
				failures++
				s.log.Warn("reconnect attempt failed", "seq", seq, "attempt", failures, "max_attempts", s.cfg.MaxAttempts, "error", err)
			}
			if failures >= s.cfg.MaxAttempts {
				s.log.Error("giving up after reconnect attempts", "seq", seq, "attempts", failures)
				s.cfg.Metrics.RecordSubscriberTerminated()
				return fmt.Errorf("%w: %w", ErrStreamTerminated, err)
			}

			s.reconnects.Add(1)
			s.cfg.Metrics.RecordReconnect()
			if err := sleep(ctx, s.cfg.Backoff.Delay(failures+1)); err != nil {
				return err
			}
			continue
		}

		if s.State() != SubscriberStreaming {
			s.state.Store(int32(SubscriberStreaming))
			s.log.Info("streaming", "seq", seq)
		}
		failures = 0

		seg, err := segment.Decode(data)
		if err == nil && seg.Seq != seq {
			err = fmt.Errorf("%w: got sequence %d, want %d", segment.ErrMalformedSegment, seg.Seq, seq)
		}
		if err != nil {
			s.log.Warn("dropping undecodable segment", "seq", seq, "error", err)
			s.segmentsDropped.Add(1)
			s.cfg.Metrics.RecordSegmentDropped()
			s.ack(seq)
			seq++
			continue
		}

		if seg.IsEOS() {
			s.ack(seq)
			s.log.Info("end of stream", "seq", seq)
			return io.EOF
		}

		for _, f := range seg.Frames {
			select {
			case s.frames <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.cfg.Metrics.SetReadAheadDepth(len(s.frames))
		s.cfg.Metrics.RecordSegmentFetched(len(seg.Frames))
		s.segmentsReceived.Add(1)
		s.framesReceived.Add(uint64(len(seg.Frames)))
		s.ack(seq)
		seq++
	}
}

func (s *Subscriber) ack(seq uint64) {
	s.lastAcked.Store(seq)
	s.hasAcked.Store(true)
}
