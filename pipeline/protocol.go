// Package pipeline runs a processing callback between a trickle subscriber
// and a trickle publisher and manages the lifecycle of the pair.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/metrics"
	"github.com/zsiec/trickle/trickle"
)

// DefaultDrainTimeout bounds how long shutdown waits for the publisher to
// flush its queue and send the end-of-stream marker.
const DefaultDrainTimeout = 10 * time.Second

// Config wires both trickle endpoints and the tuning knobs of the
// subscriber and publisher. Zero fields take the trickle defaults.
type Config struct {
	Subscribe trickle.Endpoint
	Publish   trickle.Endpoint

	// RequestID labels log lines and published segments. Defaults to a
	// random UUID.
	RequestID string

	ReadAheadDepth        int
	SegmentTargetDuration time.Duration
	SegmentTargetFrames   int
	ReconnectMaxAttempts  int
	ReconnectBackoff      trickle.Backoff

	FetchTimeout time.Duration
	SendTimeout  time.Duration
	DrainTimeout time.Duration

	// Fetcher and Sender default to a shared HTTP transport.
	Fetcher trickle.SegmentFetcher
	Sender  trickle.SegmentSender

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Fetcher == nil || c.Sender == nil {
		t := trickle.NewHTTPTransport(nil)
		if c.Fetcher == nil {
			c.Fetcher = t
		}
		if c.Sender == nil {
			c.Sender = t
		}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Protocol owns one Subscriber and one Publisher.
type Protocol struct {
	cfg Config
	log *slog.Logger
	sub *trickle.Subscriber
	pub *trickle.Publisher
}

// NewProtocol creates both halves without starting either.
func NewProtocol(cfg Config) (*Protocol, error) {
	cfg.setDefaults()
	log := cfg.Log.With("request_id", cfg.RequestID)

	sub, err := trickle.NewSubscriber(trickle.SubscriberConfig{
		Fetcher:      cfg.Fetcher,
		ReadAhead:    cfg.ReadAheadDepth,
		FetchTimeout: cfg.FetchTimeout,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		Backoff:      cfg.ReconnectBackoff,
		Log:          log,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	pub, err := trickle.NewPublisher(trickle.PublisherConfig{
		Endpoint:              cfg.Publish,
		Sender:                cfg.Sender,
		SegmentTargetFrames:   cfg.SegmentTargetFrames,
		SegmentTargetDuration: cfg.SegmentTargetDuration,
		SendTimeout:           cfg.SendTimeout,
		Log:                   log,
		Metrics:               cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Protocol{
		cfg: cfg,
		log: log.With("component", "protocol"),
		sub: sub,
		pub: pub,
	}, nil
}

// RequestID returns the id attached to this protocol's logs and output.
func (p *Protocol) RequestID() string { return p.cfg.RequestID }

// Start subscribes to the input stream. The publisher starts on the first
// Publish.
func (p *Protocol) Start(ctx context.Context) error {
	p.log.Info("starting", "subscribe", p.cfg.Subscribe.URL, "publish", p.cfg.Publish.URL)
	return p.sub.Subscribe(ctx, p.cfg.Subscribe)
}

// Next returns the next input frame.
func (p *Protocol) Next(ctx context.Context) (media.InputFrame, error) {
	return p.sub.Next(ctx)
}

// Publish enqueues an output frame.
func (p *Protocol) Publish(ctx context.Context, out media.OutputFrame) error {
	return p.pub.Publish(ctx, out)
}

// Stop unsubscribes and drains the publisher concurrently. ctx bounds the
// drain.
func (p *Protocol) Stop(ctx context.Context) error {
	var g errgroup.Group
	g.Go(p.sub.Unsubscribe)
	g.Go(func() error { return p.pub.Stop(ctx) })
	err := g.Wait()
	p.log.Info("stopped", "error", err)
	return err
}

// SubscriberStats returns the input side counters.
func (p *Protocol) SubscriberStats() trickle.SubscriberStats { return p.sub.Stats() }

// PublisherStats returns the output side counters.
func (p *Protocol) PublisherStats() trickle.PublisherStats { return p.pub.Stats() }
