package trickle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/metrics"
)

// Publisher defaults.
const (
	DefaultSegmentTargetFrames   = 30
	DefaultSegmentTargetDuration = time.Second
	DefaultSendTimeout           = 5 * time.Second
	DefaultMaxRetries            = 3
)

// DefaultRetryBackoff is the publisher's delay schedule between send attempts.
var DefaultRetryBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}

// PublisherState is the lifecycle state of a Publisher.
type PublisherState int32

const (
	PublisherIdle PublisherState = iota
	PublisherStreaming
	PublisherDraining
	PublisherClosed
)

// String returns the lower-case state name.
func (s PublisherState) String() string {
	switch s {
	case PublisherIdle:
		return "idle"
	case PublisherStreaming:
		return "streaming"
	case PublisherDraining:
		return "draining"
	case PublisherClosed:
		return "closed"
	default:
		return fmt.Sprintf("PublisherState(%d)", int32(s))
	}
}

// PublisherConfig configures a Publisher. Zero fields take defaults.
type PublisherConfig struct {
	Endpoint Endpoint
	// Sender defaults to an HTTPTransport.
	Sender SegmentSender

	// QueueDepth bounds the number of output frames waiting to be
	// segmented. Publish blocks when the queue is full.
	QueueDepth int

	// A segment is sent once it holds SegmentTargetFrames records or the
	// timestamps of one media kind span SegmentTargetDuration.
	SegmentTargetFrames   int
	SegmentTargetDuration time.Duration

	SendTimeout time.Duration
	// MaxRetries is the number of resends after a failed first attempt.
	// Negative disables retries.
	MaxRetries   int
	RetryBackoff Backoff

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (c *PublisherConfig) setDefaults() {
	if c.Sender == nil {
		c.Sender = NewHTTPTransport(nil)
	}
	// The server uses the session to tell this publisher's resends from a
	// new stream reusing the channel.
	if c.Endpoint.Session == "" {
		c.Endpoint.Session = uuid.NewString()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = media.VideoBufferSize
	}
	if c.SegmentTargetFrames <= 0 {
		c.SegmentTargetFrames = DefaultSegmentTargetFrames
	}
	if c.SegmentTargetDuration <= 0 {
		c.SegmentTargetDuration = DefaultSegmentTargetDuration
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	c.RetryBackoff = c.RetryBackoff.orDefault(DefaultRetryBackoff)
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	SegmentsSent uint64
	FramesSent   uint64
	Retries      uint64
	// NextSeq is the sequence number the next segment will carry.
	NextSeq uint64
}

// Publisher batches output frames into segments and sends them in order.
// All methods are safe for concurrent use.
type Publisher struct {
	cfg PublisherConfig
	log *slog.Logger

	// mu orders Publish against Stop: Publish holds the read lock while
	// enqueueing, Stop takes the write lock to close the queue.
	mu      sync.RWMutex
	stopped bool
	queue   chan media.OutputFrame

	startOnce sync.Once
	stopOnce  sync.Once
	stopping  chan struct{} // closed when Stop begins
	failed    chan struct{} // closed when the retry budget is exhausted
	done      chan struct{} // closed when the flush loop exits

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	err   atomic.Pointer[SendError]

	segmentsSent atomic.Uint64
	framesSent   atomic.Uint64
	retries      atomic.Uint64
	nextSeq      atomic.Uint64
}

// NewPublisher creates an idle publisher. The flush loop starts on the
// first Publish.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Endpoint.URL == "" {
		return nil, errors.New("trickle: publisher endpoint URL is required")
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg: cfg,
		log: cfg.Log.With("component", "publisher", "url", cfg.Endpoint.URL),

		queue:    make(chan media.OutputFrame, cfg.QueueDepth),
		stopping: make(chan struct{}),
		failed:   make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// State returns the current lifecycle state.
func (p *Publisher) State() PublisherState {
	return PublisherState(p.state.Load())
}

// Err returns the send failure that closed the publisher, or nil.
func (p *Publisher) Err() error {
	if e := p.err.Load(); e != nil {
		return e
	}
	return nil
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		SegmentsSent: p.segmentsSent.Load(),
		FramesSent:   p.framesSent.Load(),
		Retries:      p.retries.Load(),
		NextSeq:      p.nextSeq.Load(),
	}
}

func (p *Publisher) closedErr() error {
	if e := p.err.Load(); e != nil {
		return fmt.Errorf("%w: %w", ErrPublisherClosed, e)
	}
	return ErrPublisherClosed
}

// Publish enqueues out. It blocks while the queue is full and returns
// ErrPublisherClosed once Stop was called or a send failed for good.
func (p *Publisher) Publish(ctx context.Context, out media.OutputFrame) error {
	if out == nil {
		return media.ErrNilFrame
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return p.closedErr()
	}
	select {
	case <-p.failed:
		return p.closedErr()
	default:
	}
	p.startOnce.Do(p.start)

	select {
	case p.queue <- out:
		p.cfg.Metrics.SetPublishQueueDepth(len(p.queue))
		return nil
	case <-p.stopping:
		return p.closedErr()
	case <-p.failed:
		return p.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue, flushes everything already enqueued, sends the
// end-of-stream marker and waits for the flush loop to finish. If ctx
// expires first, in-flight sends are abandoned and ctx.Err() is returned.
// Stop is idempotent; later calls wait for the same shutdown.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopping)
		p.mu.Lock()
		p.stopped = true
		p.startOnce.Do(p.start)
		p.state.CompareAndSwap(int32(PublisherStreaming), int32(PublisherDraining))
		close(p.queue)
		p.mu.Unlock()
		p.log.Debug("stopping")
	})

	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

func (p *Publisher) start() {
	p.state.Store(int32(PublisherStreaming))
	p.log.Info("streaming started")
	go p.run()
}

// pendingSegment accumulates records until the rotation threshold.
type pendingSegment struct {
	frames    []media.InputFrame
	requestID string
	first     map[media.Kind]media.InputFrame
}

func (s *pendingSegment) add(f media.InputFrame, requestID string) {
	if len(s.frames) == 0 {
		s.requestID = requestID
		s.first = make(map[media.Kind]media.InputFrame, 2)
	}
	if _, ok := s.first[f.Kind()]; !ok {
		s.first[f.Kind()] = f
	}
	s.frames = append(s.frames, f)
}

// full reports whether the segment should be sent after adding last.
func (s *pendingSegment) full(last media.InputFrame, maxFrames int, maxSpan time.Duration) bool {
	if len(s.frames) >= maxFrames {
		return true
	}
	first := s.first[last.Kind()]
	return span(first, last) >= maxSpan
}

func (s *pendingSegment) reset() {
	s.frames = nil
	s.requestID = ""
	s.first = nil
}

// span is the presentation time between two frames of the same kind.
func span(first, last media.InputFrame) time.Duration {
	d := first.TimeBase().Duration(last.Timestamp() - first.Timestamp())
	if d < 0 {
		return -d
	}
	return d
}

// run is the flush loop. It owns the pending segment and the sequence
// counter.
func (p *Publisher) run() {
	defer close(p.done)
	defer p.cancel()

	var pending pendingSegment
	var seq uint64

	for out := range p.queue {
		p.cfg.Metrics.SetPublishQueueDepth(len(p.queue))
		for _, f := range out.Frames() {
			pending.add(f, out.RequestID())
			if !pending.full(f, p.cfg.SegmentTargetFrames, p.cfg.SegmentTargetDuration) {
				continue
			}
			if err := p.flush(&pending, &seq); err != nil {
				p.fail(err)
				return
			}
		}
	}

	if len(pending.frames) > 0 {
		if err := p.flush(&pending, &seq); err != nil {
			p.fail(err)
			return
		}
	}
	eos := OutgoingSegment{Seq: seq, Data: segment.EndOfStream(seq), EOS: true}
	if err := p.send(eos, 0); err != nil {
		p.fail(err)
		return
	}
	p.nextSeq.Store(seq + 1)
	p.state.Store(int32(PublisherClosed))
	p.log.Info("stream closed", "segments", p.segmentsSent.Load(), "frames", p.framesSent.Load())
}

func (p *Publisher) flush(pending *pendingSegment, seq *uint64) error {
	data, err := segment.Encode(*seq, pending.frames)
	if err != nil {
		return &SendError{Seq: *seq, Err: err}
	}
	out := OutgoingSegment{Seq: *seq, Data: data, RequestID: pending.requestID}
	if err := p.send(out, len(pending.frames)); err != nil {
		return err
	}
	p.segmentsSent.Add(1)
	p.framesSent.Add(uint64(len(pending.frames)))
	*seq++
	p.nextSeq.Store(*seq)
	pending.reset()
	return nil
}

// send delivers one segment, resending the identical bytes after
// retryable failures.
func (p *Publisher) send(seg OutgoingSegment, frames int) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SendTimeout)
		err := p.cfg.Sender.SendSegment(ctx, p.cfg.Endpoint, seg)
		cancel()
		if err == nil {
			if !seg.EOS {
				p.cfg.Metrics.RecordSegmentPublished(frames, len(seg.Data), time.Since(start))
			}
			p.log.Debug("segment sent", "seq", seg.Seq, "frames", frames, "bytes", len(seg.Data), "attempts", attempt)
			return nil
		}
		if attempt > p.cfg.MaxRetries || !retryable(err) || p.ctx.Err() != nil {
			return &SendError{Seq: seg.Seq, Attempts: attempt, Err: err}
		}

		delay := p.cfg.RetryBackoff.Delay(attempt)
		p.log.Warn("segment send failed, retrying", "seq", seg.Seq, "attempt", attempt, "delay", delay, "error", err)
		p.retries.Add(1)
		p.cfg.Metrics.RecordPublishRetry()
		if err := sleep(p.ctx, delay); err != nil {
			return &SendError{Seq: seg.Seq, Attempts: attempt, Err: err}
		}
	}
}

func (p *Publisher) fail(err error) {
	var se *SendError
	if !errors.As(err, &se) {
		se = &SendError{Err: err}
	}
	p.err.Store(se)
	p.state.Store(int32(PublisherClosed))
	close(p.failed)
	p.cfg.Metrics.RecordPublishFailure()
	p.log.Error("publisher closed", "seq", se.Seq, "attempts", se.Attempts, "error", se.Err)
}
